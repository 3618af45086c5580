package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message type codes used by the control plane.
const (
	TypeGetService    uint16 = 2
	TypeStateService  uint16 = 3
	TypeGetPower      uint16 = 20
	TypeSetPower      uint16 = 21
	TypeStatePower    uint16 = 22
	TypeGetLabel      uint16 = 23
	TypeStateLabel    uint16 = 25
	TypeGetColor      uint16 = 101
	TypeSetColor      uint16 = 102
	TypeLightState    uint16 = 107
	TypeSetLightPower uint16 = 119
)

// PowerOn and PowerOff are the only power levels devices accept.
const (
	PowerOn  uint16 = 65535
	PowerOff uint16 = 0
)

const labelSize = 32

// StateService is the reply to a GetService broadcast.
type StateService struct {
	Service uint8 // 1 means UDP
	Port    uint32
}

// DecodeStateService parses a StateService payload.
func DecodeStateService(b []byte) (StateService, error) {
	if len(b) < 5 {
		return StateService{}, fmt.Errorf("protocol: StateService payload too short: %d bytes", len(b))
	}
	return StateService{
		Service: b[0],
		Port:    binary.LittleEndian.Uint32(b[1:5]),
	}, nil
}

// StatePower is the reply to GetPower.
type StatePower struct {
	Level uint16
}

// DecodeStatePower parses a StatePower payload.
func DecodeStatePower(b []byte) (StatePower, error) {
	if len(b) < 2 {
		return StatePower{}, fmt.Errorf("protocol: StatePower payload too short: %d bytes", len(b))
	}
	return StatePower{Level: binary.LittleEndian.Uint16(b[0:2])}, nil
}

// StateLabel is the reply to GetLabel.
type StateLabel struct {
	Label string
}

// DecodeStateLabel parses a StateLabel payload, dropping NUL padding.
func DecodeStateLabel(b []byte) (StateLabel, error) {
	if len(b) < labelSize {
		return StateLabel{}, fmt.Errorf("protocol: StateLabel payload too short: %d bytes", len(b))
	}
	return StateLabel{Label: trimLabel(b[:labelSize])}, nil
}

// LightState is the reply to GetColor: the full light state in one payload.
type LightState struct {
	Color HSBK
	Power uint16
	Label string
}

// DecodeLightState parses a LightState payload.
func DecodeLightState(b []byte) (LightState, error) {
	if len(b) < 52 {
		return LightState{}, fmt.Errorf("protocol: LightState payload too short: %d bytes", len(b))
	}
	var st LightState
	st.Color.decode(b[0:8])
	// Two reserved bytes follow the color.
	st.Power = binary.LittleEndian.Uint16(b[10:12])
	st.Label = trimLabel(b[12 : 12+labelSize])
	return st, nil
}

// EncodeSetPower builds a SetPower payload.
func EncodeSetPower(level uint16) []byte {
	var out []byte
	return binary.LittleEndian.AppendUint16(out, level)
}

// EncodeSetLightPower builds a SetLightPower payload with a fade duration.
func EncodeSetLightPower(level uint16, durationMs uint32) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint16(out, level)
	return binary.LittleEndian.AppendUint32(out, durationMs)
}

// EncodeSetColor builds a SetColor payload transitioning to c over durationMs.
func EncodeSetColor(c HSBK, durationMs uint32) []byte {
	out := make([]byte, 13)
	c.encode(out[1:9]) // byte 0 is reserved
	binary.LittleEndian.PutUint32(out[9:13], durationMs)
	return out
}

// DecodeSetColor parses a SetColor payload. Real devices never send this;
// it exists so tests can assert on captured outbound frames.
func DecodeSetColor(b []byte) (c HSBK, durationMs uint32, err error) {
	if len(b) < 13 {
		return c, 0, fmt.Errorf("protocol: SetColor payload too short: %d bytes", len(b))
	}
	c.decode(b[1:9])
	return c, binary.LittleEndian.Uint32(b[9:13]), nil
}

func trimLabel(b []byte) string {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return string(b[:i+1])
		}
	}
	return ""
}
