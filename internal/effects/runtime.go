// Package effects is the playback scheduler: it executes scripts against
// sets of devices, one session per device, with cancellation and
// save/restore of the device state around each session.
package effects

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/catalog"
	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/protocol"
	"github.com/lightdeck/lightdeck/internal/registry"
)

var (
	// ErrNoTargets is returned when target resolution yields no devices.
	ErrNoTargets = errors.New("effects: no target devices")

	// ErrDeviceOffline aborts a single target whose device is offline.
	ErrDeviceOffline = errors.New("effects: device offline")

	// ErrInvalidScript rejects scripts that fail validation.
	ErrInvalidScript = errors.New("effects: invalid script")
)

const restorePause = 100 * time.Millisecond
const restoreFadeMs = 500

// sender is the outbound half of the transport.
type sender interface {
	SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error
}

// StartOptions tune one playback request.
type StartOptions struct {
	// LoopCount overrides the script's loop count. Zero means infinite;
	// negative is rejected.
	LoopCount *int

	// TurnOnIfOff powers the device up before the first step when the
	// snapshot has it off (scene behavior).
	TurnOnIfOff bool

	// Persist keeps the final look on natural completion instead of
	// restoring the snapshot. Used by scene application; a stop still
	// restores.
	Persist bool
}

// Handle identifies a started playback across its target devices.
type Handle struct {
	EffectID string   `json:"effectId"`
	Devices  []int    `json:"devices"`
	MACs     []string `json:"-"`
}

// Runtime schedules effect playback. Safe for concurrent use.
type Runtime struct {
	log    zerolog.Logger
	sender sender
	reg    *registry.Registry
	bus    *bus.Bus

	mu       sync.Mutex
	sessions map[string]*Session // by device MAC

	wg sync.WaitGroup
}

// New creates the runtime. b may be nil (tests).
func New(s sender, reg *registry.Registry, b *bus.Bus) *Runtime {
	return &Runtime{
		log:      logging.WithComponent("effects"),
		sender:   s,
		reg:      reg,
		bus:      b,
		sessions: make(map[string]*Session),
	}
}

// Start validates the script, resolves targets and launches one session per
// target device. It returns as soon as the sessions are launched; playback
// proceeds asynchronously. Per-target failures (offline devices) are
// isolated and logged, never fatal to the other targets.
func (r *Runtime) Start(effectID string, script *catalog.Script, deviceIDs []int, opts StartOptions) (*Handle, error) {
	if err := catalog.ValidateScript(script, "script"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if opts.LoopCount != nil && *opts.LoopCount < 0 {
		return nil, fmt.Errorf("%w: negative loop count", ErrInvalidScript)
	}

	targets := r.resolveTargets(deviceIDs)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	loops := script.EffectiveLoopCount()
	if opts.LoopCount != nil {
		loops = *opts.LoopCount
	}

	handle := &Handle{EffectID: effectID}
	for _, dev := range targets {
		handle.Devices = append(handle.Devices, dev.ID)
		handle.MACs = append(handle.MACs, dev.MAC)
		r.startDevice(effectID, dev, script, loops, opts)
	}
	return handle, nil
}

// resolveTargets returns the adopted-and-online devices, intersected with
// the requested ids when given.
func (r *Runtime) resolveTargets(deviceIDs []int) []registry.Device {
	eligible := make([]registry.Device, 0)
	for _, d := range r.reg.List() {
		if d.IsAdopted && d.IsOnline {
			eligible = append(eligible, d)
		}
	}
	if len(deviceIDs) == 0 {
		return eligible
	}

	wanted := make(map[int]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}
	out := eligible[:0]
	for _, d := range eligible {
		if wanted[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// startDevice claims the device's session slot, superseding any running
// session, and launches the playback worker.
func (r *Runtime) startDevice(effectID string, dev registry.Device, script *catalog.Script, loops int, opts StartOptions) {
	r.mu.Lock()
	prev := r.sessions[dev.MAC]
	// Claim the slot immediately so concurrent starts serialize on the
	// predecessor's Done channel.
	snap := snapshot{color: dev.Color, power: dev.Power}
	sess := newSession(effectID, dev.MAC, snap)
	r.sessions[dev.MAC] = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if prev != nil {
			// Sequential consistency at the device: the predecessor fully
			// winds down first, and its snapshot (the state before the
			// first session of the chain) carries over.
			sess.snap = prev.supersede()
		}

		current, ok := r.reg.GetByMAC(dev.MAC)
		if !ok || !current.IsOnline {
			r.log.Warn().Err(ErrDeviceOffline).Str("mac", dev.MAC).Str("effect", effectID).Msg("skipping target")
			r.release(sess)
			return
		}
		if prev == nil {
			// Fresh chain: snapshot the registry's latest view.
			sess.snap = snapshot{color: current.Color, power: current.Power}
		}

		r.publishTriggered(dev.ID, effectID)
		r.runSession(sess, dev, script, loops, opts)
	}()
}

// runSession plays the script on one device and then restores. A panic in
// the worker is contained: the session still restores and releases its slot.
func (r *Runtime) runSession(sess *Session, dev registry.Device, script *catalog.Script, loops int, opts StartOptions) {
	natural := false
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("mac", sess.MAC).Msg("effect worker panicked")
			sess.cancel()
			natural = false
		}
		r.finish(sess, natural, opts)
	}()

	sess.state.Store(StatePlaying)

	if opts.TurnOnIfOff && !sess.snap.power {
		r.send(sess.MAC, protocol.TypeSetPower, protocol.EncodeSetPower(protocol.PowerOn))
	}

	if !sess.wait(time.Duration(script.GlobalDelay) * time.Millisecond) {
		return
	}

	for loop := 0; loops == 0 || loop < loops; loop++ {
		for _, step := range script.Steps {
			if !stepTargets(step, dev.ID) {
				continue
			}
			color := stepColor(step)
			fade := uint32(0)
			if step.Easing != nil {
				fade = uint32(step.Easing.Duration)
			}
			r.send(sess.MAC, protocol.TypeSetColor, protocol.EncodeSetColor(color, fade))
			if !sess.wait(time.Duration(step.Duration) * time.Millisecond) {
				return
			}
		}
	}
	natural = true
}

// finish runs the restore sequence where due, releases the slot and marks
// the session ended.
func (r *Runtime) finish(sess *Session, natural bool, opts StartOptions) {
	sess.state.Store(StateRestoring)

	skipRestore := sess.superseded.Load() || (natural && opts.Persist)
	if !skipRestore {
		r.restore(sess)
	}

	r.release(sess)
}

// restore puts the device back into its snapshot state. Best-effort: when
// the device is offline the snapshot is dropped silently.
func (r *Runtime) restore(sess *Session) {
	d, ok := r.reg.GetByMAC(sess.MAC)
	if !ok || !d.IsOnline {
		return
	}

	level := protocol.PowerOff
	if sess.snap.power {
		level = protocol.PowerOn
	}
	r.send(sess.MAC, protocol.TypeSetPower, protocol.EncodeSetPower(level))
	time.Sleep(restorePause)
	r.send(sess.MAC, protocol.TypeSetColor, protocol.EncodeSetColor(sess.snap.color, restoreFadeMs))
}

func (r *Runtime) release(sess *Session) {
	sess.state.Store(StateEnded)
	r.mu.Lock()
	if r.sessions[sess.MAC] == sess {
		delete(r.sessions, sess.MAC)
	}
	r.mu.Unlock()
	close(sess.done)
}

// send emits one unicast frame to the device, resolving its address from
// the registry. Rate-limit drops and transport errors are logged; the
// scheduler keeps going and the next step corrects any divergence.
func (r *Runtime) send(mac string, typ uint16, payload []byte) {
	addr, ok := r.reg.Addr(mac)
	if !ok {
		return
	}
	target, err := protocol.TargetFromMAC(mac)
	if err != nil {
		return
	}
	if err := r.sender.SendTo(target, addr, typ, payload, true); err != nil {
		r.log.Debug().Err(err).Str("mac", mac).Uint16("type", typ).Msg("effect send dropped")
	}
}

// Stop cancels the sessions of one effect, optionally restricted to given
// devices, and waits for their restores to finish.
func (r *Runtime) Stop(effectID string, deviceIDs ...int) {
	r.stopMatching(func(s *Session) bool {
		return s.EffectID == effectID && r.matchesDevices(s, deviceIDs)
	})
}

// StopAll cancels every session, optionally restricted to given devices,
// and waits for their restores to finish.
func (r *Runtime) StopAll(deviceIDs ...int) {
	r.stopMatching(func(s *Session) bool {
		return r.matchesDevices(s, deviceIDs)
	})
}

func (r *Runtime) matchesDevices(s *Session, deviceIDs []int) bool {
	if len(deviceIDs) == 0 {
		return true
	}
	d, ok := r.reg.GetByMAC(s.MAC)
	if !ok {
		return false
	}
	for _, id := range deviceIDs {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (r *Runtime) stopMatching(match func(*Session) bool) {
	r.mu.Lock()
	var stopping []*Session
	for _, s := range r.sessions {
		if match(s) {
			stopping = append(stopping, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stopping {
		s.Stop()
	}
	for _, s := range stopping {
		<-s.Done()
	}
}

// Active reports whether the device has a session that has not ended.
// The poller uses this to stay out of a playing effect's way.
func (r *Runtime) Active(mac string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[mac]
	return ok && s.State() != StateEnded
}

// Session returns the active session for a device, if any.
func (r *Runtime) Session(mac string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[mac]
	return s, ok
}

// Shutdown cancels all sessions and waits for restores to drain, bounded
// by ctx.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, s := range r.sessions {
		s.Stop()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) publishTriggered(deviceID int, effectID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{
		Type:    bus.TypeLightEffectTriggered,
		Payload: map[string]any{"deviceId": deviceID, "effect": effectID},
	})
}

// stepTargets applies the per-step device filter.
func stepTargets(step catalog.Step, deviceID int) bool {
	if len(step.DeviceIDs) == 0 {
		return true
	}
	for _, id := range step.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// stepColor builds the HSBK for a step. A hex color wins over a
// temperature; the step's brightness overrides either.
func stepColor(step catalog.Step) protocol.HSBK {
	if step.Color != "" {
		c, err := protocol.HSBKFromHex(step.Color)
		if err == nil {
			c.Brightness = uint16(math.Round(float64(step.Brightness) / 100 * 65535))
			return c
		}
	}
	return protocol.HSBKFromKelvin(step.Temperature, step.Brightness)
}
