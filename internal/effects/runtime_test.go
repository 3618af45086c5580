package effects

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightdeck/lightdeck/internal/catalog"
	"github.com/lightdeck/lightdeck/internal/protocol"
	"github.com/lightdeck/lightdeck/internal/registry"
)

type sentFrame struct {
	mac     string
	typ     uint16
	payload []byte
	at      time.Time
}

type recorder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *recorder) SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{mac: target.MAC(), typ: typ, payload: payload, at: time.Now()})
	return nil
}

func (r *recorder) sent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.frames...)
}

func intp(i int) *int    { return &i }
func boolp(b bool) *bool { return &b }
func strp(s string) *string { return &s }

// addDevice registers an adopted, online device with a known snapshot state.
func addDevice(t *testing.T, reg *registry.Registry, mac, label string, power bool, color protocol.HSBK) registry.Device {
	t.Helper()
	d, ok := reg.Observe(registry.Observation{
		MAC:   mac,
		Addr:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 60), Port: protocol.Port},
		Label: strp(label),
		Power: &power,
		Color: &color,
	})
	require.True(t, ok)
	d, err := reg.Mutate(d.ID, registry.Patch{IsAdopted: boolp(true)})
	require.NoError(t, err)
	return d
}

func decodeColor(t *testing.T, f sentFrame) (protocol.HSBK, uint32) {
	t.Helper()
	require.Equal(t, protocol.TypeSetColor, f.typ)
	c, dur, err := protocol.DecodeSetColor(f.payload)
	require.NoError(t, err)
	return c, dur
}

func flashScript() *catalog.Script {
	return &catalog.Script{
		Steps: []catalog.Step{
			{Brightness: 100, Temperature: 6500, Duration: 100},
			{Brightness: 50, Temperature: 3500, Duration: 100, Easing: &catalog.Easing{Type: catalog.EasingLinear, Duration: 500}},
			{Brightness: 100, Temperature: 6500, Duration: 100},
		},
	}
}

func awaitDone(t *testing.T, rt *Runtime, mac string) {
	t.Helper()
	sess, ok := rt.Session(mac)
	if !ok {
		return
	}
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestFlashPlaysAndRestores(t *testing.T) {
	reg := registry.New(nil, 0)
	snap := protocol.HSBK{Brightness: 32768, Kelvin: 3500}
	addDevice(t, reg, "d073d500aa11", "Lamp", true, snap)

	rec := &recorder{}
	rt := New(rec, reg, nil)

	_, err := rt.Start("flash", flashScript(), nil, StartOptions{})
	require.NoError(t, err)
	awaitDone(t, rt, "d073d500aa11")

	frames := rec.sent()
	require.Len(t, frames, 5, "three steps plus two restore frames")

	c, dur := decodeColor(t, frames[0])
	assert.Equal(t, protocol.HSBK{Brightness: 65535, Kelvin: 6500}, c)
	assert.Equal(t, uint32(0), dur)

	c, dur = decodeColor(t, frames[1])
	assert.Equal(t, protocol.HSBK{Brightness: 32768, Kelvin: 3500}, c)
	assert.Equal(t, uint32(500), dur)

	c, _ = decodeColor(t, frames[2])
	assert.Equal(t, protocol.HSBK{Brightness: 65535, Kelvin: 6500}, c)

	// Restore: power back to the snapshot, then the snapshot color.
	assert.Equal(t, protocol.TypeSetPower, frames[3].typ)
	assert.Equal(t, protocol.EncodeSetPower(protocol.PowerOn), frames[3].payload)

	c, dur = decodeColor(t, frames[4])
	assert.Equal(t, snap, c)
	assert.Equal(t, uint32(500), dur)

	// Inter-step spacing is respected (loosely, to stay robust under load).
	gap := frames[1].at.Sub(frames[0].at)
	assert.GreaterOrEqual(t, gap, 90*time.Millisecond)
}

func TestStopAbortsAndRestores(t *testing.T) {
	reg := registry.New(nil, 0)
	snap := protocol.HSBK{Brightness: 32768, Kelvin: 3500}
	addDevice(t, reg, "d073d500aa11", "Lamp", true, snap)

	rec := &recorder{}
	rt := New(rec, reg, nil)

	script := &catalog.Script{
		Loop:      true,
		LoopCount: intp(0),
		Steps: []catalog.Step{
			{Brightness: 100, Temperature: 6500, Duration: 100},
			{Brightness: 0, Temperature: 6500, Duration: 100},
		},
	}
	_, err := rt.Start("strobe", script, nil, StartOptions{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	rt.Stop("strobe")

	frames := rec.sent()
	require.GreaterOrEqual(t, len(frames), 3)

	// The last two frames are the restore sequence.
	last := frames[len(frames)-1]
	c, dur := decodeColor(t, last)
	assert.Equal(t, snap, c)
	assert.Equal(t, uint32(500), dur)
	assert.Equal(t, protocol.TypeSetPower, frames[len(frames)-2].typ)

	// No further frames after Stop returned.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, len(frames), len(rec.sent()))
	assert.False(t, rt.Active("d073d500aa11"))
}

func TestLoopCountZeroRunsUntilStopped(t *testing.T) {
	reg := registry.New(nil, 0)
	addDevice(t, reg, "d073d500aa11", "Lamp", true, protocol.HSBK{Kelvin: 3500})

	rec := &recorder{}
	rt := New(rec, reg, nil)

	script := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 100, Temperature: 6500, Duration: 100}},
	}
	_, err := rt.Start("forever", script, nil, StartOptions{LoopCount: intp(0)})
	require.NoError(t, err)

	time.Sleep(450 * time.Millisecond)
	assert.True(t, rt.Active("d073d500aa11"))
	before := len(rec.sent())
	assert.GreaterOrEqual(t, before, 3, "the single step keeps looping")

	rt.StopAll()
	assert.False(t, rt.Active("d073d500aa11"))
}

func TestInvalidScriptRejected(t *testing.T) {
	reg := registry.New(nil, 0)
	addDevice(t, reg, "d073d500aa11", "Lamp", true, protocol.HSBK{Kelvin: 3500})
	rt := New(&recorder{}, reg, nil)

	_, err := rt.Start("bad", &catalog.Script{
		Steps: []catalog.Step{{Brightness: 50, Temperature: 3500, Duration: 99}},
	}, nil, StartOptions{})
	assert.ErrorIs(t, err, ErrInvalidScript)

	_, err = rt.Start("bad", flashScript(), nil, StartOptions{LoopCount: intp(-2)})
	assert.ErrorIs(t, err, ErrInvalidScript)
}

func TestNoTargets(t *testing.T) {
	reg := registry.New(nil, 0)
	rt := New(&recorder{}, reg, nil)

	_, err := rt.Start("flash", flashScript(), nil, StartOptions{})
	assert.ErrorIs(t, err, ErrNoTargets)

	// A device that is known but not adopted is not an implicit target.
	addDevice(t, reg, "d073d500aa11", "Lamp", true, protocol.HSBK{Kelvin: 3500})
	d, _ := reg.GetByMAC("d073d500aa11")
	_, err = reg.Mutate(d.ID, registry.Patch{IsAdopted: boolp(false)})
	require.NoError(t, err)

	_, err = rt.Start("flash", flashScript(), nil, StartOptions{})
	assert.ErrorIs(t, err, ErrNoTargets)

	// Explicit ids that miss the eligible set also fail.
	reg.Mutate(d.ID, registry.Patch{IsAdopted: boolp(true)})
	_, err = rt.Start("flash", flashScript(), []int{42}, StartOptions{})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestSupersedeKeepsFirstSnapshot(t *testing.T) {
	reg := registry.New(nil, 0)
	original := protocol.HSBK{Brightness: 10000, Kelvin: 2700}
	dev := addDevice(t, reg, "d073d500aa11", "Lamp", true, original)

	rec := &recorder{}
	rt := New(rec, reg, nil)

	long := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 100, Color: "#ff0000", Duration: 5000}},
	}
	_, err := rt.Start("first", long, nil, StartOptions{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Simulate a poll update while the first effect runs: the registry now
	// reflects mid-effect state, which must NOT become the restore target.
	_, err = reg.Mutate(dev.ID, registry.Patch{Color: &protocol.HSBK{Brightness: 65535, Kelvin: 9000}})
	require.NoError(t, err)

	short := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 100, Color: "#00ff00", Duration: 100}},
	}
	_, err = rt.Start("second", short, nil, StartOptions{})
	require.NoError(t, err)
	awaitDone(t, rt, "d073d500aa11")

	frames := rec.sent()
	last := frames[len(frames)-1]
	c, _ := decodeColor(t, last)
	assert.Equal(t, original, c, "restore must use the snapshot captured before the first session of the chain")

	// The superseded session must not have emitted its own restore: exactly
	// one SetPower frame (from the single restore) is present.
	powers := 0
	for _, f := range frames {
		if f.typ == protocol.TypeSetPower {
			powers++
		}
	}
	assert.Equal(t, 1, powers)
}

func TestTurnOnIfOff(t *testing.T) {
	reg := registry.New(nil, 0)
	addDevice(t, reg, "d073d500aa11", "Lamp", false, protocol.HSBK{Kelvin: 2700})

	rec := &recorder{}
	rt := New(rec, reg, nil)

	script := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 20, Temperature: 2700, Duration: 100}},
	}
	_, err := rt.Start("scene-1", script, nil, StartOptions{TurnOnIfOff: true, Persist: true})
	require.NoError(t, err)
	awaitDone(t, rt, "d073d500aa11")

	frames := rec.sent()
	require.Len(t, frames, 2, "power-on plus one step, no restore when persisting")
	assert.Equal(t, protocol.TypeSetPower, frames[0].typ)
	assert.Equal(t, protocol.EncodeSetPower(protocol.PowerOn), frames[0].payload)
	c, _ := decodeColor(t, frames[1])
	assert.Equal(t, uint16(2700), c.Kelvin)
	assert.InDelta(t, 13107, c.Brightness, 1) // 20%
}

func TestPerStepDeviceFilter(t *testing.T) {
	reg := registry.New(nil, 0)
	a := addDevice(t, reg, "d073d500aa11", "A", true, protocol.HSBK{Kelvin: 3500})
	addDevice(t, reg, "d073d500bb22", "B", true, protocol.HSBK{Kelvin: 3500})

	rec := &recorder{}
	rt := New(rec, reg, nil)

	script := &catalog.Script{
		Steps: []catalog.Step{
			{Brightness: 100, Temperature: 6500, Duration: 100, DeviceIDs: []int{a.ID}},
		},
	}
	_, err := rt.Start("solo", script, nil, StartOptions{Persist: true})
	require.NoError(t, err)
	awaitDone(t, rt, "d073d500aa11")
	awaitDone(t, rt, "d073d500bb22")

	for _, f := range rec.sent() {
		if f.typ == protocol.TypeSetColor {
			assert.Equal(t, "d073d500aa11", f.mac)
		}
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	reg := registry.New(nil, 0)
	addDevice(t, reg, "d073d500aa11", "Lamp", true, protocol.HSBK{Kelvin: 3500})

	rec := &recorder{}
	rt := New(rec, reg, nil)

	script := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 100, Temperature: 6500, Duration: 200}},
	}
	_, err := rt.Start("forever", script, nil, StartOptions{LoopCount: intp(0)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, rt.Shutdown(ctx))
	assert.False(t, rt.Active("d073d500aa11"))
}

func TestStartReturnsImmediately(t *testing.T) {
	reg := registry.New(nil, 0)
	addDevice(t, reg, "d073d500aa11", "Lamp", true, protocol.HSBK{Kelvin: 3500})
	rt := New(&recorder{}, reg, nil)

	script := &catalog.Script{
		Steps: []catalog.Step{{Brightness: 100, Temperature: 6500, Duration: 5000}},
	}
	start := time.Now()
	handle, err := rt.Start("slow", script, nil, StartOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []string{"d073d500aa11"}, handle.MACs)

	rt.StopAll()
}
