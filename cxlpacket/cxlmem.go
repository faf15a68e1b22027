package cxlpacket

import (
	"github.com/cxlfabric/switchd/bitfield"
	"github.com/cxlfabric/switchd/cxlerr"
)

// MemMsgClass enumerates the six CXL.mem message classes, §6.1.
type MemMsgClass uint8

const (
	M2SReq MemMsgClass = iota + 1
	M2SRwd
	M2SBIRsp
	S2MBISnp
	S2MNDR
	S2MDRS
)

var memClassHeaderFields = cacheClassHeaderFields // identical 2-byte shape

var m2sReqFields = fieldSet(
	nw{"valid", 1}, nw{"mem_opcode", 4}, nw{"snp_type", 3}, nw{"meta_field", 2}, nw{"meta_value", 2},
	nw{"tag", 16}, nw{"addr", 46}, nw{"ld_id", 4}, nw{"rsvd", 20}, nw{"tc", 2}, nw{"pad", 4},
)

var m2sRwdFields = fieldSet(
	nw{"valid", 1}, nw{"mem_opcode", 4}, nw{"snp_type", 3}, nw{"meta_field", 2}, nw{"meta_value", 2},
	nw{"tag", 16}, nw{"addr", 46}, nw{"ld_id", 4}, nw{"poison", 1}, nw{"bep", 1},
	nw{"rsvd", 18}, nw{"tc", 2}, nw{"pad", 4},
)

var m2sBIRspFields = fieldSet(
	nw{"valid", 1}, nw{"opcode", 4}, nw{"bi_id", 12}, nw{"bi_tag", 12}, nw{"low_addr", 2}, nw{"rsvd", 9},
)

var s2mBISnpFields = fieldSet(
	nw{"valid", 1}, nw{"opcode", 4}, nw{"bi_id", 12}, nw{"bi_tag", 12}, nw{"addr", 46}, nw{"rsvd", 5},
)

var s2mNDRFields = fieldSet(
	nw{"valid", 1}, nw{"opcode", 3}, nw{"meta_field", 2}, nw{"meta_value", 2}, nw{"tag", 16}, nw{"dev_load", 2}, nw{"rsvd", 14},
)

var s2mDRSFields = fieldSet(
	nw{"valid", 1}, nw{"opcode", 3}, nw{"meta_field", 2}, nw{"meta_value", 2}, nw{"tag", 16},
	nw{"poison", 1}, nw{"dev_load", 2}, nw{"rsvd", 13},
)

// MemClassHeader is the 2-byte class header common to every CXL.mem frame.
type MemClassHeader struct {
	PortIndex uint8
	MsgClass  MemMsgClass
}

func (h MemClassHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(memClassHeaderFields)...))
	w.Put(memClassHeaderFields["port_index"], uint64(h.PortIndex))
	w.Put(memClassHeaderFields["msg_class"], uint64(h.MsgClass))
	return w.Bytes()
}

func decodeMemClassHeader(buf []byte) MemClassHeader {
	r := bitfield.NewReader(buf)
	return MemClassHeader{
		PortIndex: uint8(r.Get(memClassHeaderFields["port_index"])),
		MsgClass:  MemMsgClass(r.Get(memClassHeaderFields["msg_class"])),
	}
}

// M2SReqHeader is the M2S_REQ typed header. Addr is cache-line aligned and
// reconstructed as field<<6.
type M2SReqHeader struct {
	Valid      bool
	MemOpcode  uint8
	SnpType    uint8
	MetaField  uint8
	MetaValue  uint8
	Tag        uint16
	Addr       uint64
	LdID       uint8
	TC         uint8
}

func (h M2SReqHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(m2sReqFields)...))
	w.PutBool(m2sReqFields["valid"], h.Valid)
	w.Put(m2sReqFields["mem_opcode"], uint64(h.MemOpcode))
	w.Put(m2sReqFields["snp_type"], uint64(h.SnpType))
	w.Put(m2sReqFields["meta_field"], uint64(h.MetaField))
	w.Put(m2sReqFields["meta_value"], uint64(h.MetaValue))
	w.Put(m2sReqFields["tag"], uint64(h.Tag))
	w.Put(m2sReqFields["addr"], h.Addr>>6)
	w.Put(m2sReqFields["ld_id"], uint64(h.LdID))
	w.Put(m2sReqFields["tc"], uint64(h.TC))
	return w.Bytes()
}

// NewM2SReqHeader validates cache-line alignment, per the codec's
// constructor-level boundary requirement (§8).
func NewM2SReqHeader(opcode, snpType, metaField, metaValue uint8, tag uint16, addr uint64, ldID, tc uint8) (M2SReqHeader, error) {
	if addr%0x40 != 0 {
		return M2SReqHeader{}, cxlerr.Wrapf(cxlerr.ErrMisalignedAddress, "addr %#x not cache-line aligned", addr)
	}
	return M2SReqHeader{Valid: true, MemOpcode: opcode, SnpType: snpType, MetaField: metaField, MetaValue: metaValue, Tag: tag, Addr: addr, LdID: ldID, TC: tc}, nil
}

func decodeM2SReq(buf []byte) M2SReqHeader {
	r := bitfield.NewReader(buf)
	return M2SReqHeader{
		Valid:     r.GetBool(m2sReqFields["valid"]),
		MemOpcode: uint8(r.Get(m2sReqFields["mem_opcode"])),
		SnpType:   uint8(r.Get(m2sReqFields["snp_type"])),
		MetaField: uint8(r.Get(m2sReqFields["meta_field"])),
		MetaValue: uint8(r.Get(m2sReqFields["meta_value"])),
		Tag:       uint16(r.Get(m2sReqFields["tag"])),
		Addr:      r.Get(m2sReqFields["addr"]) << 6,
		LdID:      uint8(r.Get(m2sReqFields["ld_id"])),
		TC:        uint8(r.Get(m2sReqFields["tc"])),
	}
}

// M2SRwdHeader is the M2S_RWD typed header; carries 64 bytes of write data.
type M2SRwdHeader struct {
	Valid     bool
	MemOpcode uint8
	SnpType   uint8
	MetaField uint8
	MetaValue uint8
	Tag       uint16
	Addr      uint64
	LdID      uint8
	Poison    bool
	BEP       bool
	TC        uint8
	Data      []byte
}

func (h M2SRwdHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(m2sRwdFields)...))
	w.PutBool(m2sRwdFields["valid"], h.Valid)
	w.Put(m2sRwdFields["mem_opcode"], uint64(h.MemOpcode))
	w.Put(m2sRwdFields["snp_type"], uint64(h.SnpType))
	w.Put(m2sRwdFields["meta_field"], uint64(h.MetaField))
	w.Put(m2sRwdFields["meta_value"], uint64(h.MetaValue))
	w.Put(m2sRwdFields["tag"], uint64(h.Tag))
	w.Put(m2sRwdFields["addr"], h.Addr>>6)
	w.Put(m2sRwdFields["ld_id"], uint64(h.LdID))
	w.PutBool(m2sRwdFields["poison"], h.Poison)
	w.PutBool(m2sRwdFields["bep"], h.BEP)
	w.Put(m2sRwdFields["tc"], uint64(h.TC))
	return append(w.Bytes(), pad64(h.Data)...)
}

// NewM2SRwdHeader validates cache-line alignment.
func NewM2SRwdHeader(opcode, snpType, metaField, metaValue uint8, tag uint16, addr uint64, ldID uint8, poison, bep bool, tc uint8, data []byte) (M2SRwdHeader, error) {
	if addr%0x40 != 0 {
		return M2SRwdHeader{}, cxlerr.Wrapf(cxlerr.ErrMisalignedAddress, "addr %#x not cache-line aligned", addr)
	}
	return M2SRwdHeader{Valid: true, MemOpcode: opcode, SnpType: snpType, MetaField: metaField, MetaValue: metaValue, Tag: tag, Addr: addr, LdID: ldID, Poison: poison, BEP: bep, TC: tc, Data: data}, nil
}

func decodeM2SRwd(buf []byte) (M2SRwdHeader, error) {
	n := bitfield.ByteSize(valuesOf(m2sRwdFields)...)
	if len(buf) < n+dataLen {
		return M2SRwdHeader{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "m2s_rwd: truncated")
	}
	r := bitfield.NewReader(buf[:n])
	return M2SRwdHeader{
		Valid:     r.GetBool(m2sRwdFields["valid"]),
		MemOpcode: uint8(r.Get(m2sRwdFields["mem_opcode"])),
		SnpType:   uint8(r.Get(m2sRwdFields["snp_type"])),
		MetaField: uint8(r.Get(m2sRwdFields["meta_field"])),
		MetaValue: uint8(r.Get(m2sRwdFields["meta_value"])),
		Tag:       uint16(r.Get(m2sRwdFields["tag"])),
		Addr:      r.Get(m2sRwdFields["addr"]) << 6,
		LdID:      uint8(r.Get(m2sRwdFields["ld_id"])),
		Poison:    r.GetBool(m2sRwdFields["poison"]),
		BEP:       r.GetBool(m2sRwdFields["bep"]),
		TC:        uint8(r.Get(m2sRwdFields["tc"])),
		Data:      append([]byte(nil), buf[n:n+dataLen]...),
	}, nil
}

// M2SBIRspHeader is the M2S_BIRSP typed header: the host's response to a
// back-invalidation snoop.
type M2SBIRspHeader struct {
	Valid   bool
	Opcode  uint8
	BiID    uint16
	BiTag   uint16
	LowAddr uint8
}

func (h M2SBIRspHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(m2sBIRspFields)...))
	w.PutBool(m2sBIRspFields["valid"], h.Valid)
	w.Put(m2sBIRspFields["opcode"], uint64(h.Opcode))
	w.Put(m2sBIRspFields["bi_id"], uint64(h.BiID))
	w.Put(m2sBIRspFields["bi_tag"], uint64(h.BiTag))
	w.Put(m2sBIRspFields["low_addr"], uint64(h.LowAddr))
	return w.Bytes()
}

func decodeM2SBIRsp(buf []byte) M2SBIRspHeader {
	r := bitfield.NewReader(buf)
	return M2SBIRspHeader{
		Valid:   r.GetBool(m2sBIRspFields["valid"]),
		Opcode:  uint8(r.Get(m2sBIRspFields["opcode"])),
		BiID:    uint16(r.Get(m2sBIRspFields["bi_id"])),
		BiTag:   uint16(r.Get(m2sBIRspFields["bi_tag"])),
		LowAddr: uint8(r.Get(m2sBIRspFields["low_addr"])),
	}
}

// S2MBISnpHeader is the S2M_BISNP typed header: a device-to-host
// back-invalidation snoop, the only outbound-from-device CXL.mem message
// the Back-Invalidation path handles (§4.7.3).
type S2MBISnpHeader struct {
	Valid  bool
	Opcode uint8
	BiID   uint16
	BiTag  uint16
	Addr   uint64
}

func (h S2MBISnpHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(s2mBISnpFields)...))
	w.PutBool(s2mBISnpFields["valid"], h.Valid)
	w.Put(s2mBISnpFields["opcode"], uint64(h.Opcode))
	w.Put(s2mBISnpFields["bi_id"], uint64(h.BiID))
	w.Put(s2mBISnpFields["bi_tag"], uint64(h.BiTag))
	w.Put(s2mBISnpFields["addr"], h.Addr>>6)
	return w.Bytes()
}

func decodeS2MBISnp(buf []byte) S2MBISnpHeader {
	r := bitfield.NewReader(buf)
	return S2MBISnpHeader{
		Valid:  r.GetBool(s2mBISnpFields["valid"]),
		Opcode: uint8(r.Get(s2mBISnpFields["opcode"])),
		BiID:   uint16(r.Get(s2mBISnpFields["bi_id"])),
		BiTag:  uint16(r.Get(s2mBISnpFields["bi_tag"])),
		Addr:   r.Get(s2mBISnpFields["addr"]) << 6,
	}
}

// S2MNDRHeader is the S2M_NDR (no-data response) typed header.
type S2MNDRHeader struct {
	Valid     bool
	Opcode    uint8
	MetaField uint8
	MetaValue uint8
	Tag       uint16
	DevLoad   uint8
}

func (h S2MNDRHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(s2mNDRFields)...))
	w.PutBool(s2mNDRFields["valid"], h.Valid)
	w.Put(s2mNDRFields["opcode"], uint64(h.Opcode))
	w.Put(s2mNDRFields["meta_field"], uint64(h.MetaField))
	w.Put(s2mNDRFields["meta_value"], uint64(h.MetaValue))
	w.Put(s2mNDRFields["tag"], uint64(h.Tag))
	w.Put(s2mNDRFields["dev_load"], uint64(h.DevLoad))
	return w.Bytes()
}

func decodeS2MNDR(buf []byte) S2MNDRHeader {
	r := bitfield.NewReader(buf)
	return S2MNDRHeader{
		Valid:     r.GetBool(s2mNDRFields["valid"]),
		Opcode:    uint8(r.Get(s2mNDRFields["opcode"])),
		MetaField: uint8(r.Get(s2mNDRFields["meta_field"])),
		MetaValue: uint8(r.Get(s2mNDRFields["meta_value"])),
		Tag:       uint16(r.Get(s2mNDRFields["tag"])),
		DevLoad:   uint8(r.Get(s2mNDRFields["dev_load"])),
	}
}

// S2MDRSHeader is the S2M_DRS (data response) typed header; carries 64
// bytes of read data.
type S2MDRSHeader struct {
	Valid     bool
	Opcode    uint8
	MetaField uint8
	MetaValue uint8
	Tag       uint16
	Poison    bool
	DevLoad   uint8
	Data      []byte
}

func (h S2MDRSHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(s2mDRSFields)...))
	w.PutBool(s2mDRSFields["valid"], h.Valid)
	w.Put(s2mDRSFields["opcode"], uint64(h.Opcode))
	w.Put(s2mDRSFields["meta_field"], uint64(h.MetaField))
	w.Put(s2mDRSFields["meta_value"], uint64(h.MetaValue))
	w.Put(s2mDRSFields["tag"], uint64(h.Tag))
	w.PutBool(s2mDRSFields["poison"], h.Poison)
	w.Put(s2mDRSFields["dev_load"], uint64(h.DevLoad))
	return append(w.Bytes(), pad64(h.Data)...)
}

func decodeS2MDRS(buf []byte) (S2MDRSHeader, error) {
	n := bitfield.ByteSize(valuesOf(s2mDRSFields)...)
	if len(buf) < n+dataLen {
		return S2MDRSHeader{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "s2m_drs: truncated")
	}
	r := bitfield.NewReader(buf[:n])
	return S2MDRSHeader{
		Valid:     r.GetBool(s2mDRSFields["valid"]),
		Opcode:    uint8(r.Get(s2mDRSFields["opcode"])),
		MetaField: uint8(r.Get(s2mDRSFields["meta_field"])),
		MetaValue: uint8(r.Get(s2mDRSFields["meta_value"])),
		Tag:       uint16(r.Get(s2mDRSFields["tag"])),
		Poison:    r.GetBool(s2mDRSFields["poison"]),
		DevLoad:   uint8(r.Get(s2mDRSFields["dev_load"])),
		Data:      append([]byte(nil), buf[n:n+dataLen]...),
	}, nil
}

// CxlMem is the tagged-union CXL.mem packet.
type CxlMem struct {
	Class    MemClassHeader
	M2SReq   M2SReqHeader
	M2SRwd   M2SRwdHeader
	M2SBIRsp M2SBIRspHeader
	S2MBISnp S2MBISnpHeader
	S2MNDR   S2MNDRHeader
	S2MDRS   S2MDRSHeader
}

func (p CxlMem) PayloadType() PayloadType { return PayloadCXLMem }

func (p CxlMem) Encode() []byte {
	body := p.Class.encode()
	switch p.Class.MsgClass {
	case M2SReq:
		body = append(body, p.M2SReq.encode()...)
	case M2SRwd:
		body = append(body, p.M2SRwd.encode()...)
	case M2SBIRsp:
		body = append(body, p.M2SBIRsp.encode()...)
	case S2MBISnp:
		body = append(body, p.S2MBISnp.encode()...)
	case S2MNDR:
		body = append(body, p.S2MNDR.encode()...)
	case S2MDRS:
		body = append(body, p.S2MDRS.encode()...)
	}
	env := Envelope{PayloadType: PayloadCXLMem, PayloadLength: uint16(EnvelopeSize + len(body))}
	return append(env.Encode(), body...)
}

func decodeCxlMem(env Envelope, body []byte) (CxlMem, error) {
	n := bitfield.ByteSize(valuesOf(memClassHeaderFields)...)
	if len(body) < n {
		return CxlMem{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.mem: truncated class header")
	}
	p := CxlMem{Class: decodeMemClassHeader(body[:n])}
	rest := body[n:]
	var err error
	switch p.Class.MsgClass {
	case M2SReq:
		p.M2SReq = decodeM2SReq(rest)
	case M2SRwd:
		p.M2SRwd, err = decodeM2SRwd(rest)
	case M2SBIRsp:
		p.M2SBIRsp = decodeM2SBIRsp(rest)
	case S2MBISnp:
		p.S2MBISnp = decodeS2MBISnp(rest)
	case S2MNDR:
		p.S2MNDR = decodeS2MNDR(rest)
	case S2MDRS:
		p.S2MDRS, err = decodeS2MDRS(rest)
	default:
		return CxlMem{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "cxl.mem: unknown msg_class %d", p.Class.MsgClass)
	}
	if err != nil {
		return CxlMem{}, err
	}
	if int(env.PayloadLength) != EnvelopeSize+len(body) {
		return CxlMem{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.mem: length mismatch")
	}
	return p, nil
}
