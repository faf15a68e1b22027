package cxlpacket

import "github.com/cxlfabric/switchd/cxlerr"

// Packet is implemented by every decoded frame: Sideband, CxlIo, CxlCache,
// CxlMem, and CCI. Dispatch on PayloadType (or a type switch) rather than
// adding behavior to this interface; the codec favors a flat tagged union
// over virtual dispatch, per the design note on keeping each family's wire
// layout self-contained.
type Packet interface {
	PayloadType() PayloadType
	Encode() []byte
}

// Decode parses a complete frame (envelope included) into the concrete
// Packet variant named by its payload_type.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < EnvelopeSize {
		return nil, cxlerr.Wrap(cxlerr.ErrShortRead, "packet: frame shorter than envelope")
	}
	env, err := DecodeEnvelope(buf[:EnvelopeSize])
	if err != nil {
		return nil, err
	}
	body := buf[EnvelopeSize:]
	switch env.PayloadType {
	case PayloadSideband:
		return decodeSideband(env, body)
	case PayloadCXLIO:
		return decodeCxlIo(env, body)
	case PayloadCXLCache:
		return decodeCxlCache(env, body)
	case PayloadCXLMem:
		return decodeCxlMem(env, body)
	case PayloadCCIMCTP:
		return decodeCCI(env, body)
	default:
		return nil, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "packet: unhandled payload_type %d", env.PayloadType)
	}
}
