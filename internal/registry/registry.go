// Package registry is the authoritative in-memory catalog of LIFX devices
// seen on the LAN. It is keyed by MAC, assigns surrogate ids at first sight,
// tracks online/offline liveness, and emits a bus event for every state
// change so the push hub can fan it out.
package registry

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/protocol"
)

// ErrNotFound is returned for lookups and mutations of unknown devices.
var ErrNotFound = errors.New("registry: device not found")

// DefaultGracePeriod is how long a device may stay silent before it is
// marked offline.
const DefaultGracePeriod = 60 * time.Second

// Device is a snapshot of one bulb's last-known state. Brightness and
// Temperature are derived from the HSBK color for the dashboard.
type Device struct {
	ID          int           `json:"id"`
	MAC         string        `json:"mac"`
	Label       string        `json:"label"`
	IP          string        `json:"ip"`
	Type        string        `json:"type"`
	IsOnline    bool          `json:"isOnline"`
	LastSeen    time.Time     `json:"lastSeen"`
	IsAdopted   bool          `json:"isAdopted"`
	Power       bool          `json:"power"`
	Color       protocol.HSBK `json:"color"`
	Brightness  int           `json:"brightness"`
	Temperature int           `json:"temperature"`
}

func (d *Device) refreshDerived() {
	d.Brightness = d.Color.BrightnessPercent()
	d.Temperature = int(d.Color.Kelvin)
}

// Observation carries fields learned from one inbound packet. Nil pointers
// leave the corresponding device field untouched.
type Observation struct {
	MAC   string
	Addr  *net.UDPAddr
	Label *string
	Power *bool
	Color *protocol.HSBK
}

// Patch carries a user-driven partial update.
type Patch struct {
	Label     *string        `json:"label"`
	IsAdopted *bool          `json:"isAdopted"`
	Power     *bool          `json:"power"`
	Color     *protocol.HSBK `json:"color"`
}

// Registry holds every known device. A single writer path is serialized by
// the mutex; readers get copied snapshots.
type Registry struct {
	log   zerolog.Logger
	bus   *bus.Bus
	grace time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	devices map[string]*Device
	byID    map[int]string
	addrs   map[string]*net.UDPAddr
	nextID  int
}

// New creates an empty registry publishing events to b.
func New(b *bus.Bus, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		log:     logging.WithComponent("registry"),
		bus:     b,
		grace:   grace,
		now:     time.Now,
		devices: make(map[string]*Device),
		byID:    make(map[int]string),
		addrs:   make(map[string]*net.UDPAddr),
		nextID:  1,
	}
}

// Observe merges state learned from the network. A device is created on its
// first labelled sighting; state packets for unknown MACs are ignored until
// the label reply arrives. Returns the updated snapshot and whether the
// observation was applied.
func (r *Registry) Observe(obs Observation) (Device, bool) {
	r.mu.Lock()

	d, ok := r.devices[obs.MAC]
	created := false
	if !ok {
		if obs.Label == nil {
			r.mu.Unlock()
			return Device{}, false
		}
		d = &Device{
			ID:   r.nextID,
			MAC:  obs.MAC,
			Type: "light",
		}
		r.nextID++
		r.devices[obs.MAC] = d
		r.byID[d.ID] = obs.MAC
		created = true
	}

	if obs.Label != nil {
		d.Label = *obs.Label
	}
	if obs.Addr != nil {
		d.IP = obs.Addr.IP.String()
		r.addrs[obs.MAC] = obs.Addr
	}
	if obs.Power != nil {
		d.Power = *obs.Power
	}
	if obs.Color != nil {
		d.Color = *obs.Color
	}
	d.IsOnline = true
	if now := r.now(); now.After(d.LastSeen) {
		d.LastSeen = now
	}
	d.refreshDerived()

	snap := *d
	r.mu.Unlock()

	if created {
		r.log.Info().Str("mac", snap.MAC).Str("label", snap.Label).Msg("device discovered")
		r.publish(bus.TypeDeviceDiscovered, snap)
	} else {
		r.publish(bus.TypeDeviceStatus, snap)
	}
	return snap, true
}

// Get returns the device with the given surrogate id.
func (r *Registry) Get(id int) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mac, ok := r.byID[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return *r.devices[mac], nil
}

// GetByMAC returns the device with the given MAC.
func (r *Registry) GetByMAC(mac string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[mac]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Addr returns the last-known UDP address for a device.
func (r *Registry) Addr(mac string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[mac]
	return addr, ok
}

// List returns all devices ordered by surrogate id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutate applies a user-driven partial update and emits a status event.
func (r *Registry) Mutate(id int, patch Patch) (Device, error) {
	r.mu.Lock()
	mac, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Device{}, ErrNotFound
	}
	d := r.devices[mac]
	if patch.Label != nil {
		d.Label = *patch.Label
	}
	if patch.IsAdopted != nil {
		d.IsAdopted = *patch.IsAdopted
	}
	if patch.Power != nil {
		d.Power = *patch.Power
	}
	if patch.Color != nil {
		d.Color = *patch.Color
	}
	d.refreshDerived()
	snap := *d
	r.mu.Unlock()

	r.publish(bus.TypeDeviceStatus, snap)
	return snap, nil
}

// Delete removes a device by surrogate id.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mac, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.devices, mac)
	delete(r.addrs, mac)
	return nil
}

// SweepStale marks devices offline whose last sighting is older than the
// grace period, emitting one status event per transition.
func (r *Registry) SweepStale() []Device {
	cutoff := r.now().Add(-r.grace)

	r.mu.Lock()
	var stale []Device
	for _, d := range r.devices {
		if d.IsOnline && d.LastSeen.Before(cutoff) {
			d.IsOnline = false
			stale = append(stale, *d)
		}
	}
	r.mu.Unlock()

	for _, snap := range stale {
		r.log.Info().Str("mac", snap.MAC).Time("lastSeen", snap.LastSeen).Msg("device went offline")
		r.publish(bus.TypeDeviceStatus, snap)
	}
	return stale
}

// RunSweeper periodically sweeps for stale devices until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}

func (r *Registry) publish(typ string, d Device) {
	if r.bus != nil {
		r.bus.Publish(bus.Event{Type: typ, Payload: d})
	}
}
