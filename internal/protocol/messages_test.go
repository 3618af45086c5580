package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStateService(t *testing.T) {
	payload := []byte{1, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(payload[1:5], 56700)

	st, err := DecodeStateService(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), st.Service)
	assert.Equal(t, uint32(56700), st.Port)

	_, err = DecodeStateService([]byte{1})
	assert.Error(t, err)
}

func TestDecodeStateLabel(t *testing.T) {
	payload := make([]byte, 32)
	copy(payload, "Kitchen")

	st, err := DecodeStateLabel(payload)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", st.Label)

	_, err = DecodeStateLabel([]byte("short"))
	assert.Error(t, err)
}

func TestDecodeLightState(t *testing.T) {
	payload := make([]byte, 52)
	HSBK{Hue: 1000, Saturation: 2000, Brightness: 3000, Kelvin: 3500}.encode(payload[0:8])
	binary.LittleEndian.PutUint16(payload[10:12], PowerOn)
	copy(payload[12:], "Bedroom Lamp")

	st, err := DecodeLightState(payload)
	require.NoError(t, err)
	assert.Equal(t, HSBK{Hue: 1000, Saturation: 2000, Brightness: 3000, Kelvin: 3500}, st.Color)
	assert.Equal(t, PowerOn, st.Power)
	assert.Equal(t, "Bedroom Lamp", st.Label)
}

func TestSetColorRoundTrip(t *testing.T) {
	in := HSBK{Hue: 21845, Saturation: 65535, Brightness: 32768, Kelvin: 0}
	payload := EncodeSetColor(in, 500)
	require.Len(t, payload, 13)

	c, dur, err := DecodeSetColor(payload)
	require.NoError(t, err)
	assert.Equal(t, in, c)
	assert.Equal(t, uint32(500), dur)
}

func TestEncodeSetPower(t *testing.T) {
	assert.Equal(t, []byte{0xff, 0xff}, EncodeSetPower(PowerOn))
	assert.Equal(t, []byte{0x00, 0x00}, EncodeSetPower(PowerOff))

	payload := EncodeSetLightPower(PowerOn, 1000)
	require.Len(t, payload, 6)
	assert.Equal(t, uint16(65535), binary.LittleEndian.Uint16(payload[0:2]))
	assert.Equal(t, uint32(1000), binary.LittleEndian.Uint32(payload[2:6]))
}
