package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/protocol"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func labelled(mac, label string) Observation {
	return Observation{
		MAC:   mac,
		Addr:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: protocol.Port},
		Label: strp(label),
	}
}

func TestObserveCreatesOnFirstLabel(t *testing.T) {
	b := bus.New(8)
	sub := b.Subscribe()
	defer sub.Close()

	r := New(b, 0)

	// State packets before the label reply are ignored.
	_, applied := r.Observe(Observation{MAC: "d073d500aa11", Power: boolp(true)})
	assert.False(t, applied)

	d, applied := r.Observe(labelled("d073d500aa11", "Kitchen"))
	require.True(t, applied)
	assert.Equal(t, 1, d.ID)
	assert.Equal(t, "Kitchen", d.Label)
	assert.Equal(t, "192.168.1.50", d.IP)
	assert.True(t, d.IsOnline)

	ev := <-sub.Events()
	assert.Equal(t, bus.TypeDeviceDiscovered, ev.Type)

	// Second sighting merges and emits a status event.
	d, applied = r.Observe(Observation{
		MAC:   "d073d500aa11",
		Power: boolp(true),
		Color: &protocol.HSBK{Brightness: 32768, Kelvin: 3500},
	})
	require.True(t, applied)
	assert.True(t, d.Power)
	assert.Equal(t, 50, d.Brightness)
	assert.Equal(t, 3500, d.Temperature)

	ev = <-sub.Events()
	assert.Equal(t, bus.TypeDeviceStatus, ev.Type)
}

func TestSurrogateIDsAreStable(t *testing.T) {
	r := New(nil, 0)
	a, _ := r.Observe(labelled("d073d500aa11", "A"))
	b, _ := r.Observe(labelled("d073d500bb22", "B"))
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	// Re-observing does not reassign.
	a2, _ := r.Observe(labelled("d073d500aa11", "A renamed"))
	assert.Equal(t, 1, a2.ID)
	assert.Equal(t, "A renamed", a2.Label)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "d073d500aa11", list[0].MAC)
}

func TestMutate(t *testing.T) {
	r := New(nil, 0)
	r.Observe(labelled("d073d500aa11", "A"))

	d, err := r.Mutate(1, Patch{Label: strp("Lounge"), IsAdopted: boolp(true)})
	require.NoError(t, err)
	assert.Equal(t, "Lounge", d.Label)
	assert.True(t, d.IsAdopted)

	_, err = r.Mutate(99, Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	r := New(nil, 0)
	r.Observe(labelled("d073d500aa11", "A"))

	require.NoError(t, r.Delete(1))
	_, err := r.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(1), ErrNotFound)
}

func TestSweepStale(t *testing.T) {
	b := bus.New(8)
	sub := b.Subscribe()
	defer sub.Close()

	r := New(b, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Observe(labelled("d073d500aa11", "A"))
	<-sub.Events() // discovery event

	// Inside the grace period nothing happens.
	now = now.Add(30 * time.Second)
	assert.Empty(t, r.SweepStale())

	// Past the grace period the device goes offline exactly once.
	now = now.Add(31 * time.Second)
	stale := r.SweepStale()
	require.Len(t, stale, 1)
	assert.False(t, stale[0].IsOnline)

	ev := <-sub.Events()
	assert.Equal(t, bus.TypeDeviceStatus, ev.Type)
	assert.False(t, ev.Payload.(Device).IsOnline)

	assert.Empty(t, r.SweepStale())
}

func TestLastSeenMonotone(t *testing.T) {
	r := New(nil, 0)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Observe(labelled("d073d500aa11", "A"))
	first, _ := r.GetByMAC("d073d500aa11")

	// A clock step backwards must not move lastSeen back.
	now = now.Add(-time.Hour)
	r.Observe(Observation{MAC: "d073d500aa11", Power: boolp(true)})
	second, _ := r.GetByMAC("d073d500aa11")
	assert.Equal(t, first.LastSeen, second.LastSeen)
}
