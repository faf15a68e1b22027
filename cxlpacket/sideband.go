package cxlpacket

import "github.com/cxlfabric/switchd/cxlerr"

// SidebandType enumerates the out-of-band handshake messages exchanged
// before a transport is bound to a port's Connection.
type SidebandType uint8

const (
	ConnectionRequest SidebandType = iota
	ConnectionAccept
	ConnectionReject
	ConnectionDisconnected
)

// ComponentKind is the connecting component's declared role, checked by the
// switch connection manager against the configured type of the declared
// port (spec §4.5 step 2). The wire layout in §6.1 only spells out
// port_index for CONNECTION_REQUEST; the component-kind byte is the
// minimum addition needed to make that check possible.
type ComponentKind uint8

const (
	ComponentUSP ComponentKind = iota
	ComponentDSP
	ComponentType2
	ComponentType3
)

// Sideband is the CONNECTION_REQUEST/ACCEPT/REJECT/DISCONNECTED family.
// PortIndex and ComponentKind are only meaningful (and only encoded) for
// CONNECTION_REQUEST.
type Sideband struct {
	Type          SidebandType
	PortIndex     uint8
	ComponentKind ComponentKind
}

func (s Sideband) PayloadType() PayloadType { return PayloadSideband }

// Encode serializes the envelope + sideband payload.
func (s Sideband) Encode() []byte {
	var body []byte
	switch s.Type {
	case ConnectionRequest:
		body = []byte{byte(s.Type), s.PortIndex, byte(s.ComponentKind)}
	default:
		body = []byte{byte(s.Type)}
	}
	env := Envelope{PayloadType: PayloadSideband, PayloadLength: uint16(EnvelopeSize + len(body))}
	return append(env.Encode(), body...)
}

func decodeSideband(env Envelope, body []byte) (Sideband, error) {
	if len(body) < 1 {
		return Sideband{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "sideband: empty body")
	}
	s := Sideband{Type: SidebandType(body[0])}
	if s.Type > ConnectionDisconnected {
		return Sideband{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "sideband: unknown type %d", body[0])
	}
	if s.Type == ConnectionRequest {
		if len(body) < 3 {
			return Sideband{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "sideband: CONNECTION_REQUEST missing port_index/component_kind")
		}
		s.PortIndex = body[1]
		s.ComponentKind = ComponentKind(body[2])
	}
	if int(env.PayloadLength) != EnvelopeSize+len(body) {
		return Sideband{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "sideband: length mismatch")
	}
	return s, nil
}
