// Package protocol implements the LIFX LAN binary wire format: the 36-byte
// little-endian frame header, the message payloads this control plane uses,
// and HSBK color conversions.
//
// Format reference: https://lan.developer.lifx.com/docs/packet-contents
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// HeaderSize is the fixed size of a LIFX frame header in bytes.
	HeaderSize = 36

	// ProtocolNumber is the only protocol value LIFX devices speak.
	ProtocolNumber = 1024

	// Port is the UDP port LIFX devices listen on.
	Port = 56700
)

var (
	// ErrShortFrame is returned when a datagram is smaller than the header.
	ErrShortFrame = errors.New("protocol: frame shorter than 36 bytes")

	// ErrBadProtocol is returned when the protocol field is not 1024.
	ErrBadProtocol = errors.New("protocol: protocol field is not 1024")
)

// Target is the 8-byte frame address target. The first six bytes carry the
// device MAC; the trailing two bytes are always zero. The zero value is the
// broadcast target.
type Target [8]byte

// TargetFromMAC parses a 12-character lowercase hex MAC into a Target.
func TargetFromMAC(mac string) (Target, error) {
	var t Target
	if len(mac) != 12 {
		return t, fmt.Errorf("protocol: invalid MAC %q: want 12 hex chars", mac)
	}
	raw, err := hex.DecodeString(mac)
	if err != nil {
		return t, fmt.Errorf("protocol: invalid MAC %q: %w", mac, err)
	}
	copy(t[:6], raw)
	return t, nil
}

// MAC returns the lowercase hex MAC carried in the target, or the empty
// string for the broadcast target.
func (t Target) MAC() string {
	if t.IsBroadcast() {
		return ""
	}
	return strings.ToLower(hex.EncodeToString(t[:6]))
}

// IsBroadcast reports whether the target addresses all devices.
func (t Target) IsBroadcast() bool {
	return t == Target{}
}

// Header holds the settable fields of a LIFX frame header. The remaining
// fields (size, protocol, addressable, origin, reserved) are fixed or
// computed during encoding.
type Header struct {
	Tagged      bool   // broadcast discovery frames set this
	Source      uint32 // process-unique identifier, nonzero
	Target      Target // device MAC or broadcast
	ResRequired bool
	AckRequired bool
	Sequence    uint8
	Type        uint16
}

// EncodeFrame serialises a header and payload into a wire frame.
func EncodeFrame(hdr Header, payload []byte) []byte {
	bit := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}

	size := HeaderSize + len(payload)
	out := make([]byte, 0, size)

	// Frame header (8 bytes). Protocol 1024 occupies bits 0..11, so its low
	// byte is zero and its high nibble lands in the second byte alongside
	// the addressable, tagged and origin bits.
	out = binary.LittleEndian.AppendUint16(out, uint16(size))
	out = append(out, 0)
	out = append(out, 0x04|1<<4|bit(hdr.Tagged)<<5)
	out = binary.LittleEndian.AppendUint32(out, hdr.Source)

	// Frame address (16 bytes).
	out = append(out, hdr.Target[:]...)
	out = append(out, 0, 0, 0, 0, 0, 0)
	out = append(out, bit(hdr.ResRequired)|bit(hdr.AckRequired)<<1)
	out = append(out, hdr.Sequence)

	// Protocol header (12 bytes).
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0)
	out = binary.LittleEndian.AppendUint16(out, hdr.Type)
	out = append(out, 0, 0)

	return append(out, payload...)
}

// DecodeFrame parses a datagram into its header and payload. It rejects
// frames shorter than the header with ErrShortFrame and frames carrying a
// foreign protocol number with ErrBadProtocol. The payload slice aliases b.
func DecodeFrame(b []byte) (Header, []byte, error) {
	var hdr Header
	if len(b) < HeaderSize {
		return hdr, nil, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(b))
	}

	proto := binary.LittleEndian.Uint16(b[2:4])
	if proto&0x0fff != ProtocolNumber {
		return hdr, nil, fmt.Errorf("%w: got %d", ErrBadProtocol, proto&0x0fff)
	}
	hdr.Tagged = proto&(1<<13) != 0
	hdr.Source = binary.LittleEndian.Uint32(b[4:8])
	copy(hdr.Target[:], b[8:16])
	hdr.ResRequired = b[22]&1 != 0
	hdr.AckRequired = b[22]&2 != 0
	hdr.Sequence = b[23]
	hdr.Type = binary.LittleEndian.Uint16(b[32:34])

	return hdr, b[HeaderSize:], nil
}
