package fmcci

import (
	"encoding/binary"

	"github.com/cxlfabric/switchd/cxlpacket"
)

// The CCI message header's (category, opcode, payload_length, return_code)
// framing is bit-exact per §6.1; the FM command *payloads* nested inside it
// are not specified byte-for-byte by the spec (only the opcode table and
// each command's purpose are given), so this file defines a small
// consistent flat binary encoding for each one — little-endian fixed-width
// fields, variable-length sections length-prefixed the same way the CCI
// header itself carries payload_length explicitly rather than leaving it
// implicit.

func (e *Executor) handleIdentify(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], 0x8086)   // vendor id, arbitrary but stable
	binary.LittleEndian.PutUint16(buf[2:4], 0x0001)   // device id
	binary.LittleEndian.PutUint64(buf[4:12], 0xC0FFEE) // serial number
	binary.LittleEndian.PutUint32(buf[12:16], 4096)   // max CCI message size
	return buf, cxlpacket.RCSuccess, false
}

func (e *Executor) handleIdentifySwitchDevice(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	buf := make([]byte, 2)
	buf[0] = uint8(len(e.switchMgr.Ports()))
	buf[1] = uint8(len(e.vcsMgr.VCSs()))
	return buf, cxlpacket.RCSuccess, false
}

// portStateRecordSize is one port's encoded {index, kind, connected} triple
// in the Get Physical Port State response.
const portStateRecordSize = 3

func (e *Executor) handleGetPhysicalPortState(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	ports := e.switchMgr.Ports()
	buf := make([]byte, 0, 1+len(ports)*portStateRecordSize)
	buf = append(buf, uint8(len(ports)))
	for _, p := range ports {
		connected := uint8(0)
		if p.Connected() {
			connected = 1
		}
		buf = append(buf, p.Index, uint8(p.Kind), connected)
	}
	return buf, cxlpacket.RCSuccess, false
}

func (e *Executor) handleGetVirtualSwitchInfo(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	vcss := e.vcsMgr.VCSs()
	buf := make([]byte, 0, 64)
	buf = append(buf, uint8(len(vcss)))
	for _, v := range vcss {
		downstream := v.DownstreamVPPBs()
		buf = append(buf, uint8(v.ID), v.Upstream.Index, uint8(len(downstream)))
		for _, vp := range downstream {
			physIdx := int16(-1)
			if phys := vp.Physical(); phys != nil {
				physIdx = int16(phys.Index)
			}
			buf = append(buf, uint8(vp.Index), uint8(vp.Status()))
			lo, hi := uint8(physIdx), uint8(physIdx>>8)
			buf = append(buf, lo, hi)
		}
	}
	return buf, cxlpacket.RCSuccess, false
}

// bindRequest is the 5-byte decoded form of a Bind vPPB request payload:
// vcs id, vppb index, physical port, and a 2-byte LD id (carried per the
// spec's worked example "Bind(vcs=0, vppb=1, physical=1, ld_id=0)" even
// though this emulator does not yet partition a bound DSP by LD).
type bindRequest struct {
	VCSID        uint8
	VppbIndex    uint8
	PhysicalPort uint8
	LDID         uint16
}

func decodeBindRequest(payload []byte) (bindRequest, bool) {
	if len(payload) < 5 {
		return bindRequest{}, false
	}
	return bindRequest{
		VCSID:        payload[0],
		VppbIndex:    payload[1],
		PhysicalPort: payload[2],
		LDID:         binary.LittleEndian.Uint16(payload[3:5]),
	}, true
}

func (e *Executor) handleBindVPPB(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	br, ok := decodeBindRequest(req.Payload)
	if !ok {
		return nil, cxlpacket.RCInvalidInput, false
	}
	if err := e.vcsMgr.Bind(int(br.VCSID), int(br.VppbIndex), int(br.PhysicalPort)); err != nil {
		return nil, cxlpacket.RCInvalidInput, false
	}
	return nil, cxlpacket.RCSuccess, false
}

func (e *Executor) handleUnbindVPPB(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	if len(req.Payload) < 2 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	vcsID, vppbIndex := req.Payload[0], req.Payload[1]
	if err := e.vcsMgr.Unbind(int(vcsID), int(vppbIndex)); err != nil {
		return nil, cxlpacket.RCInvalidInput, false
	}
	return nil, cxlpacket.RCSuccess, false
}

func (e *Executor) handleGetConnectedDevices(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	type binding struct {
		vcsID, vppbIndex int16
	}
	bound := make(map[uint8]binding)
	for _, v := range e.vcsMgr.VCSs() {
		for _, vp := range v.DownstreamVPPBs() {
			if phys := vp.Physical(); phys != nil {
				bound[phys.Index] = binding{int16(v.ID), int16(vp.Index)}
			}
		}
	}
	ports := e.switchMgr.Ports()
	buf := make([]byte, 0, 1+len(ports)*7)
	buf = append(buf, uint8(len(ports)))
	for _, p := range ports {
		connected := uint8(0)
		if p.Connected() {
			connected = 1
		}
		b, isBound := bound[p.Index]
		vcsID, vppbIndex := int16(-1), int16(-1)
		if isBound {
			vcsID, vppbIndex = b.vcsID, b.vppbIndex
		}
		buf = append(buf, p.Index, uint8(p.Kind), connected,
			uint8(vcsID), uint8(vcsID>>8), uint8(vppbIndex), uint8(vppbIndex>>8))
	}
	return buf, cxlpacket.RCSuccess, false
}
