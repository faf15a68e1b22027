// Package cxlpacket implements the packet envelope and every typed header
// family (sideband, CXL.io, CXL.cache, CXL.mem, CCI/MCTP) described in the
// specification's data model and wire-protocol sections. Every typed header
// is expressed as bitfield.Field metadata walked by a single reusable
// writer/reader, per the design note that this avoids hand-rolled,
// language-specific bit-packing.
package cxlpacket

import (
	"encoding/binary"

	"github.com/cxlfabric/switchd/cxlerr"
)

// PayloadType identifies which of the four transaction classes (plus
// sideband) a frame carries. Values match the declaration order in the
// spec's data model section, which is also the only payload_type value
// pinned by a worked example (SIDEBAND == 4).
type PayloadType uint8

const (
	PayloadCXLIO PayloadType = iota
	PayloadCXLMem
	PayloadCXLCache
	PayloadCCIMCTP
	PayloadSideband
)

func (t PayloadType) String() string {
	switch t {
	case PayloadCXLIO:
		return "CXL.io"
	case PayloadCXLMem:
		return "CXL.mem"
	case PayloadCXLCache:
		return "CXL.cache"
	case PayloadCCIMCTP:
		return "CCI/MCTP"
	case PayloadSideband:
		return "sideband"
	default:
		return "unknown"
	}
}

func (t PayloadType) valid() bool {
	return t <= PayloadSideband
}

// EnvelopeSize is the fixed 3-byte system header.
const EnvelopeSize = 3

// Envelope is the system header present on every frame: a payload class tag
// and the exact total byte count of the frame (envelope included).
type Envelope struct {
	PayloadType   PayloadType
	PayloadLength uint16
}

// Encode serializes the envelope to its 3-byte wire form.
func (e Envelope) Encode() []byte {
	buf := make([]byte, EnvelopeSize)
	buf[0] = byte(e.PayloadType)
	binary.LittleEndian.PutUint16(buf[1:3], e.PayloadLength)
	return buf
}

// DecodeEnvelope parses the 3-byte system header.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) != EnvelopeSize {
		return Envelope{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "envelope: want %d bytes, got %d", EnvelopeSize, len(buf))
	}
	e := Envelope{
		PayloadType:   PayloadType(buf[0]),
		PayloadLength: binary.LittleEndian.Uint16(buf[1:3]),
	}
	if !e.PayloadType.valid() {
		return Envelope{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "envelope: unknown payload_type %d", buf[0])
	}
	if int(e.PayloadLength) < EnvelopeSize {
		return Envelope{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "envelope: payload_length %d shorter than envelope", e.PayloadLength)
	}
	return e, nil
}
