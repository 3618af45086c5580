package discovery

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightdeck/lightdeck/internal/protocol"
	"github.com/lightdeck/lightdeck/internal/registry"
	"github.com/lightdeck/lightdeck/internal/transport"
)

type sentFrame struct {
	target    protocol.Target
	addr      *net.UDPAddr
	typ       uint16
	payload   []byte
	broadcast bool
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (f *fakeSender) Broadcast(typ uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{typ: typ, payload: payload, broadcast: true})
	return nil
}

func (f *fakeSender) SendTo(target protocol.Target, addr *net.UDPAddr, typ uint16, payload []byte, resRequired bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{target: target, addr: addr, typ: typ, payload: payload})
	return nil
}

func (f *fakeSender) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

type staticSessions map[string]bool

func (s staticSessions) Active(mac string) bool { return s[mac] }

func inbound(t *testing.T, mac string, typ uint16, payload []byte) transport.Inbound {
	t.Helper()
	target, err := protocol.TargetFromMAC(mac)
	require.NoError(t, err)
	return transport.Inbound{
		Header:  protocol.Header{Target: target, Type: typ},
		Payload: payload,
		Addr:    &net.UDPAddr{IP: net.IPv4(192, 168, 1, 77), Port: protocol.Port},
	}
}

func stateServicePayload(service uint8, port uint32) []byte {
	return []byte{service, byte(port), byte(port >> 8), byte(port >> 16), byte(port >> 24)}
}

func labelPayload(label string) []byte {
	b := make([]byte, 32)
	copy(b, label)
	return b
}

func TestDiscoverBroadcastsGetService(t *testing.T) {
	s := &fakeSender{}
	svc := New(DefaultConfig(), s, registry.New(nil, 0), nil)

	require.NoError(t, svc.Discover())
	frames := s.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].broadcast)
	assert.Equal(t, protocol.TypeGetService, frames[0].typ)
	assert.Empty(t, frames[0].payload)
}

func TestStateServiceTriggersLabelQuery(t *testing.T) {
	s := &fakeSender{}
	svc := New(DefaultConfig(), s, registry.New(nil, 0), nil)

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeStateService, stateServicePayload(1, protocol.Port)))

	frames := s.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeGetLabel, frames[0].typ)
	assert.Equal(t, "d073d500aa11", frames[0].target.MAC())
	assert.Equal(t, "192.168.1.77", frames[0].addr.IP.String())
}

func TestStateServiceIgnoresNonUDPService(t *testing.T) {
	s := &fakeSender{}
	svc := New(DefaultConfig(), s, registry.New(nil, 0), nil)

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeStateService, stateServicePayload(5, protocol.Port)))
	assert.Empty(t, s.sent())
}

func TestStateLabelCreatesDevice(t *testing.T) {
	reg := registry.New(nil, 0)
	svc := New(DefaultConfig(), &fakeSender{}, reg, nil)

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeStateLabel, labelPayload("Kitchen")))

	d, ok := reg.GetByMAC("d073d500aa11")
	require.True(t, ok)
	assert.Equal(t, "Kitchen", d.Label)
	assert.True(t, d.IsOnline)
}

func TestLightStateUpdatesDevice(t *testing.T) {
	reg := registry.New(nil, 0)
	svc := New(DefaultConfig(), &fakeSender{}, reg, nil)

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeStateLabel, labelPayload("Kitchen")))

	payload := make([]byte, 52)
	c := protocol.HSBK{Brightness: 65535, Kelvin: 2700}
	copy(payload[0:8], protocol.EncodeSetColor(c, 0)[1:9])
	payload[10] = 0xff
	payload[11] = 0xff
	copy(payload[12:], labelPayload("Kitchen"))

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeLightState, payload))

	d, ok := reg.GetByMAC("d073d500aa11")
	require.True(t, ok)
	assert.True(t, d.Power)
	assert.Equal(t, c, d.Color)
	assert.Equal(t, 100, d.Brightness)
}

func TestUnknownTypeIgnored(t *testing.T) {
	svc := New(DefaultConfig(), &fakeSender{}, registry.New(nil, 0), nil)
	assert.NotPanics(t, func() {
		svc.HandleFrame(inbound(t, "d073d500aa11", 9999, nil))
	})
}

func TestPollSkipsDevicesMidEffect(t *testing.T) {
	reg := registry.New(nil, 0)
	s := &fakeSender{}
	svc := New(DefaultConfig(), s, reg, staticSessions{"d073d500aa11": true})

	svc.HandleFrame(inbound(t, "d073d500aa11", protocol.TypeStateLabel, labelPayload("A")))
	svc.HandleFrame(inbound(t, "d073d500bb22", protocol.TypeStateLabel, labelPayload("B")))
	s.frames = nil

	svc.pollAll()

	frames := s.sent()
	require.Len(t, frames, 2, "only the idle device should be polled")
	for _, f := range frames {
		assert.Equal(t, "d073d500bb22", f.target.MAC())
	}
	assert.Equal(t, protocol.TypeGetPower, frames[0].typ)
	assert.Equal(t, protocol.TypeGetColor, frames[1].typ)
}
