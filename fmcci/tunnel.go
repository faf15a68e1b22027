package fmcci

import (
	"encoding/binary"
	"time"

	"github.com/cxlfabric/switchd/cxlpacket"
)

// handleTunnelManagement implements §4.8's Tunnel Management Command and
// the tunnel response framing detail supplemented from
// original_source/tunnel_management.py: the request's first two bytes name
// a port or Logical Device id, the remainder is a fully encoded inner CCI
// frame to deliver over that target's own cci queue. The response re-wraps
// whatever the target replies with verbatim, byte count included, rather
// than re-deriving a length from the outer header.
func (e *Executor) handleTunnelManagement(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	if len(req.Payload) < 2 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	portOrLD := binary.LittleEndian.Uint16(req.Payload[0:2])
	inner := req.Payload[2:]

	dev, ok := e.switchMgr.Port(int(portOrLD))
	if !ok {
		return nil, cxlpacket.RCInvalidInput, false
	}
	innerPkt, err := cxlpacket.Decode(inner)
	if err != nil {
		return nil, cxlpacket.RCInvalidInput, false
	}
	innerCCI, ok := innerPkt.(cxlpacket.CCI)
	if !ok {
		return nil, cxlpacket.RCInvalidInput, false
	}

	dev.Conn.Cci.HostToTarget.Push(innerCCI)
	select {
	case respPkt, chOpen := <-dev.Conn.Cci.TargetToHost.Chan():
		if !chOpen || respPkt == nil {
			return nil, cxlpacket.RCInternalErr, false
		}
		return buildTunnelResponsePayload(portOrLD, respPkt.Encode()), cxlpacket.RCSuccess, false
	case <-time.After(tunnelTimeout):
		return nil, cxlpacket.RCInternalErr, false
	}
}

func buildTunnelResponsePayload(portOrLD uint16, innerEncoded []byte) []byte {
	buf := make([]byte, 2+len(innerEncoded))
	binary.LittleEndian.PutUint16(buf[0:2], portOrLD)
	copy(buf[2:], innerEncoded)
	return buf
}
