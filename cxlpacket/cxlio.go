package cxlpacket

import (
	"encoding/binary"

	"github.com/cxlfabric/switchd/bitfield"
	"github.com/cxlfabric/switchd/cxlerr"
)

// CxlIoKind selects which typed sub-header follows the TLP prefix+header.
type CxlIoKind uint8

const (
	CxlIoMemRd CxlIoKind = iota
	CxlIoMemWr
	CxlIoCfgRd0
	CxlIoCfgRd1
	CxlIoCfgWr0
	CxlIoCfgWr1
	CxlIoCompletion
	CxlIoCompletionData
)

// CxlIoStatus is the completion status field, §6.1.
type CxlIoStatus uint8

const (
	StatusSC  CxlIoStatus = 0b000
	StatusUR  CxlIoStatus = 0b001
	StatusRRS CxlIoStatus = 0b010
	StatusCA  CxlIoStatus = 0b100
)

const dataLen = 64 // cache-line payload size

var tlpPrefixFields = fieldSet(
	nw{"pcie_base_spec_defined", 8},
	nw{"ld_id", 16},
	nw{"reserved", 8},
)

var tlpHeaderFields = fieldSet(
	nw{"fmt_type", 8},
	nw{"th", 1},
	nw{"rsvd0", 1},
	nw{"attr_b2", 1},
	nw{"t8", 1},
	nw{"tc", 3},
	nw{"t9", 1},
	nw{"length_upper", 2},
	nw{"at", 2},
	nw{"attr", 2},
	nw{"ep", 1},
	nw{"td", 1},
	nw{"length_lower", 8},
)

var memReqFields = fieldSet(
	nw{"req_id", 16},
	nw{"tag", 8},
	nw{"first_dw_be", 4},
	nw{"last_dw_be", 4},
	nw{"addr_upper", 56},
	nw{"rsvd", 2},
	nw{"addr_lower", 6},
)

var cfgReqFields = fieldSet(
	nw{"req_id", 16},
	nw{"tag", 8},
	nw{"first_dw_be", 4},
	nw{"last_dw_be", 4},
	nw{"dest_id", 16},
	nw{"ext_reg_num", 4},
	nw{"rsvd", 4},
	nw{"r", 2},
	nw{"reg_num", 6},
)

var cplFields = fieldSet(
	nw{"cpl_id", 16},
	nw{"byte_count_upper", 4},
	nw{"bcm", 1},
	nw{"status", 3},
	nw{"byte_count_lower", 8},
	nw{"req_id", 16},
	nw{"tag", 8},
	nw{"lower_addr", 7},
	nw{"rsvd", 1},
)

// TlpPrefix is the 4-byte PCIe transaction prefix common to every CXL.io
// packet.
type TlpPrefix struct {
	PcieBaseSpecDefined uint8
	LdID                uint16
	Reserved            uint8
}

func (p TlpPrefix) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(tlpPrefixFields)...))
	w.Put(tlpPrefixFields["pcie_base_spec_defined"], uint64(p.PcieBaseSpecDefined))
	w.Put(tlpPrefixFields["ld_id"], uint64(p.LdID))
	w.Put(tlpPrefixFields["reserved"], uint64(p.Reserved))
	return w.Bytes()
}

func decodeTlpPrefix(buf []byte) TlpPrefix {
	r := bitfield.NewReader(buf)
	return TlpPrefix{
		PcieBaseSpecDefined: uint8(r.Get(tlpPrefixFields["pcie_base_spec_defined"])),
		LdID:                uint16(r.Get(tlpPrefixFields["ld_id"])),
		Reserved:            uint8(r.Get(tlpPrefixFields["reserved"])),
	}
}

// TlpHeader is the 4-byte bit-exact PCIe TLP header, §6.1.
type TlpHeader struct {
	FmtType     uint8
	TH          bool
	AttrB2      bool
	T8          bool
	TC          uint8
	T9          bool
	LengthUpper uint8
	AT          uint8
	Attr        uint8
	EP          bool
	TD          bool
	LengthLower uint8
}

// Length reconstructs the 10-bit DW length (length_upper:2 | length_lower:8).
func (h TlpHeader) Length() uint16 {
	return uint16(h.LengthUpper)<<8 | uint16(h.LengthLower)
}

func (h TlpHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(tlpHeaderFields)...))
	w.Put(tlpHeaderFields["fmt_type"], uint64(h.FmtType))
	w.PutBool(tlpHeaderFields["th"], h.TH)
	w.PutBool(tlpHeaderFields["attr_b2"], h.AttrB2)
	w.PutBool(tlpHeaderFields["t8"], h.T8)
	w.Put(tlpHeaderFields["tc"], uint64(h.TC))
	w.PutBool(tlpHeaderFields["t9"], h.T9)
	w.Put(tlpHeaderFields["length_upper"], uint64(h.LengthUpper))
	w.Put(tlpHeaderFields["at"], uint64(h.AT))
	w.Put(tlpHeaderFields["attr"], uint64(h.Attr))
	w.PutBool(tlpHeaderFields["ep"], h.EP)
	w.PutBool(tlpHeaderFields["td"], h.TD)
	w.Put(tlpHeaderFields["length_lower"], uint64(h.LengthLower))
	return w.Bytes()
}

func decodeTlpHeader(buf []byte) TlpHeader {
	r := bitfield.NewReader(buf)
	return TlpHeader{
		FmtType:     uint8(r.Get(tlpHeaderFields["fmt_type"])),
		TH:          r.GetBool(tlpHeaderFields["th"]),
		AttrB2:      r.GetBool(tlpHeaderFields["attr_b2"]),
		T8:          r.GetBool(tlpHeaderFields["t8"]),
		TC:          uint8(r.Get(tlpHeaderFields["tc"])),
		T9:          r.GetBool(tlpHeaderFields["t9"]),
		LengthUpper: uint8(r.Get(tlpHeaderFields["length_upper"])),
		AT:          uint8(r.Get(tlpHeaderFields["at"])),
		Attr:        uint8(r.Get(tlpHeaderFields["attr"])),
		EP:          r.GetBool(tlpHeaderFields["ep"]),
		TD:          r.GetBool(tlpHeaderFields["td"]),
		LengthLower: uint8(r.Get(tlpHeaderFields["length_lower"])),
	}
}

// MemReq is the memory-read/write-request typed header. Addr is the full
// 64-bit cache-line-aligned address reconstructed from addr_upper/addr_lower
// per §6.1: (addr_upper bytes, big-endian) << 8 | (addr_lower << 2).
type MemReq struct {
	ReqID     uint16
	Tag       uint8
	FirstDWBE uint8
	LastDWBE  uint8
	Addr      uint64
}

// NewMemReq validates cache-line alignment before constructing the header,
// per the boundary-behavior requirement that misaligned addresses cannot be
// produced by the constructor.
func NewMemReq(reqID uint16, tag, firstBE, lastBE uint8, addr uint64) (MemReq, error) {
	if addr%0x40 != 0 {
		return MemReq{}, cxlerr.Wrapf(cxlerr.ErrMisalignedAddress, "addr %#x not cache-line aligned", addr)
	}
	return MemReq{ReqID: reqID, Tag: tag, FirstDWBE: firstBE, LastDWBE: lastBE, Addr: addr}, nil
}

func (m MemReq) encode() []byte {
	addrUpper, addrLower := splitMemAddr(m.Addr)
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(memReqFields)...))
	w.Put(memReqFields["req_id"], uint64(m.ReqID))
	w.Put(memReqFields["tag"], uint64(m.Tag))
	w.Put(memReqFields["first_dw_be"], uint64(m.FirstDWBE))
	w.Put(memReqFields["last_dw_be"], uint64(m.LastDWBE))
	w.Put(memReqFields["addr_upper"], reverseBytes(addrUpper, 7))
	w.Put(memReqFields["addr_lower"], addrLower)
	return w.Bytes()
}

func decodeMemReq(buf []byte) (MemReq, error) {
	if len(buf) < bitfield.ByteSize(valuesOf(memReqFields)...) {
		return MemReq{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "mem req header truncated")
	}
	r := bitfield.NewReader(buf)
	addrUpper := reverseBytes(r.Get(memReqFields["addr_upper"]), 7)
	addrLower := r.Get(memReqFields["addr_lower"])
	return MemReq{
		ReqID:     uint16(r.Get(memReqFields["req_id"])),
		Tag:       uint8(r.Get(memReqFields["tag"])),
		FirstDWBE: uint8(r.Get(memReqFields["first_dw_be"])),
		LastDWBE:  uint8(r.Get(memReqFields["last_dw_be"])),
		Addr:      joinMemAddr(addrUpper, addrLower),
	}, nil
}

func splitMemAddr(addr uint64) (upper, lower uint64) {
	return addr >> 8, (addr >> 2) & 0x3F
}

func joinMemAddr(upper, lower uint64) uint64 {
	return (upper << 8) | (lower << 2)
}

// reverseBytes reverses the byte order of the low n bytes of v. The CXL.io
// MemReq addr_upper span is the one field in the header set that is not
// packed with the bitfield package's usual little-endian-within-the-field
// convention: per §6.1/§3 and the original's
// `(addr>>8).to_bytes(7,'big')` encode / matching decode, its 7 bytes are
// big-endian on the wire. Byte-swapping the value before/after the normal
// little-endian Put/Get reproduces that big-endian layout without giving
// this one field its own bespoke bit-packing path.
func reverseBytes(v uint64, n int) uint64 {
	var out uint64
	for i := 0; i < n; i++ {
		b := (v >> uint(8*i)) & 0xFF
		out |= b << uint(8*(n-1-i))
	}
	return out
}

// CfgReq is the configuration-space read/write typed header.
type CfgReq struct {
	ReqID     uint16
	Tag       uint8
	FirstDWBE uint8
	LastDWBE  uint8
	DestID    uint16 // bus:device:function, packed
	RegAddr   uint16 // (ext_reg_num<<8)|(reg_num<<2), per §6.1
}

func (c CfgReq) encode() []byte {
	extRegNum, regNum := splitCfgAddr(c.RegAddr)
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(cfgReqFields)...))
	w.Put(cfgReqFields["req_id"], uint64(c.ReqID))
	w.Put(cfgReqFields["tag"], uint64(c.Tag))
	w.Put(cfgReqFields["first_dw_be"], uint64(c.FirstDWBE))
	w.Put(cfgReqFields["last_dw_be"], uint64(c.LastDWBE))
	w.Put(cfgReqFields["dest_id"], uint64(c.DestID))
	w.Put(cfgReqFields["ext_reg_num"], extRegNum)
	w.Put(cfgReqFields["reg_num"], regNum)
	return w.Bytes()
}

func decodeCfgReq(buf []byte) (CfgReq, error) {
	if len(buf) < bitfield.ByteSize(valuesOf(cfgReqFields)...) {
		return CfgReq{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cfg req header truncated")
	}
	r := bitfield.NewReader(buf)
	ext := r.Get(cfgReqFields["ext_reg_num"])
	reg := r.Get(cfgReqFields["reg_num"])
	return CfgReq{
		ReqID:     uint16(r.Get(cfgReqFields["req_id"])),
		Tag:       uint8(r.Get(cfgReqFields["tag"])),
		FirstDWBE: uint8(r.Get(cfgReqFields["first_dw_be"])),
		LastDWBE:  uint8(r.Get(cfgReqFields["last_dw_be"])),
		DestID:    uint16(r.Get(cfgReqFields["dest_id"])),
		RegAddr:   uint16((ext << 8) | (reg << 2)),
	}, nil
}

func splitCfgAddr(addr uint16) (extRegNum, regNum uint64) {
	return uint64(addr>>8) & 0xF, uint64(addr>>2) & 0x3F
}

// Completion is the CXL.io completion typed header. Status encodes
// SC/UR/RRS/CA per §6.1.
type Completion struct {
	CplID      uint16
	ByteCount  uint16 // reassembled from byte_count_upper:4 | byte_count_lower:8
	BCM        bool
	Status     CxlIoStatus
	ReqID      uint16
	Tag        uint8
	LowerAddr  uint8
}

func (c Completion) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(cplFields)...))
	w.Put(cplFields["cpl_id"], uint64(c.CplID))
	w.Put(cplFields["byte_count_upper"], uint64(c.ByteCount>>8)&0xF)
	w.PutBool(cplFields["bcm"], c.BCM)
	w.Put(cplFields["status"], uint64(c.Status))
	w.Put(cplFields["byte_count_lower"], uint64(c.ByteCount)&0xFF)
	w.Put(cplFields["req_id"], uint64(c.ReqID))
	w.Put(cplFields["tag"], uint64(c.Tag))
	w.Put(cplFields["lower_addr"], uint64(c.LowerAddr)&0x7F)
	return w.Bytes()
}

func decodeCompletion(buf []byte) (Completion, error) {
	if len(buf) < bitfield.ByteSize(valuesOf(cplFields)...) {
		return Completion{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "completion header truncated")
	}
	r := bitfield.NewReader(buf)
	upper := r.Get(cplFields["byte_count_upper"])
	lower := r.Get(cplFields["byte_count_lower"])
	return Completion{
		CplID:     uint16(r.Get(cplFields["cpl_id"])),
		ByteCount: uint16(upper<<8 | lower),
		BCM:       r.GetBool(cplFields["bcm"]),
		Status:    CxlIoStatus(r.Get(cplFields["status"])),
		ReqID:     uint16(r.Get(cplFields["req_id"])),
		Tag:       uint8(r.Get(cplFields["tag"])),
		LowerAddr: uint8(r.Get(cplFields["lower_addr"])),
	}, nil
}

// CxlIo is the tagged-union CXL.io packet: a TLP prefix + header, followed
// by exactly one of the typed sub-headers selected by Kind, optionally
// followed by a 64-byte cache-line data block for write/completion-with-data
// variants. On the wire a one-byte Kind tag precedes the TLP prefix.
type CxlIo struct {
	Kind       CxlIoKind
	Prefix     TlpPrefix
	Header     TlpHeader
	MemReq     MemReq
	CfgReq     CfgReq
	Completion Completion
	Data       []byte // exactly dataLen bytes for MemWr/CompletionData
}

func (p CxlIo) PayloadType() PayloadType { return PayloadCXLIO }

func (p CxlIo) Encode() []byte {
	body := append(p.Prefix.encode(), p.Header.encode()...)
	switch p.Kind {
	case CxlIoMemRd:
		body = append(body, p.MemReq.encode()...)
	case CxlIoMemWr:
		body = append(body, p.MemReq.encode()...)
		body = append(body, pad64(p.Data)...)
	case CxlIoCfgRd0, CxlIoCfgRd1, CxlIoCfgWr0, CxlIoCfgWr1:
		body = append(body, p.CfgReq.encode()...)
	case CxlIoCompletion:
		body = append(body, p.Completion.encode()...)
	case CxlIoCompletionData:
		body = append(body, p.Completion.encode()...)
		body = append(body, pad64(p.Data)...)
	}
	env := Envelope{PayloadType: PayloadCXLIO, PayloadLength: uint16(EnvelopeSize + 1 + len(body))}
	out := append(env.Encode(), byte(p.Kind))
	return append(out, body...)
}

func decodeCxlIo(env Envelope, body []byte) (CxlIo, error) {
	if len(body) < 1 {
		return CxlIo{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.io: missing kind byte")
	}
	kind := CxlIoKind(body[0])
	rest := body[1:]
	prefixLen := bitfield.ByteSize(valuesOf(tlpPrefixFields)...)
	headerLen := bitfield.ByteSize(valuesOf(tlpHeaderFields)...)
	if len(rest) < prefixLen+headerLen {
		return CxlIo{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.io: truncated prefix/header")
	}
	p := CxlIo{Kind: kind}
	p.Prefix = decodeTlpPrefix(rest[:prefixLen])
	p.Header = decodeTlpHeader(rest[prefixLen : prefixLen+headerLen])
	rest = rest[prefixLen+headerLen:]

	var err error
	switch kind {
	case CxlIoMemRd:
		p.MemReq, err = decodeMemReq(rest)
	case CxlIoMemWr:
		n := bitfield.ByteSize(valuesOf(memReqFields)...)
		if len(rest) < n+dataLen {
			return CxlIo{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.io memwr: truncated data")
		}
		p.MemReq, err = decodeMemReq(rest[:n])
		p.Data = append([]byte(nil), rest[n:n+dataLen]...)
	case CxlIoCfgRd0, CxlIoCfgRd1, CxlIoCfgWr0, CxlIoCfgWr1:
		p.CfgReq, err = decodeCfgReq(rest)
	case CxlIoCompletion:
		p.Completion, err = decodeCompletion(rest)
	case CxlIoCompletionData:
		n := bitfield.ByteSize(valuesOf(cplFields)...)
		if len(rest) < n+dataLen {
			return CxlIo{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.io cpld: truncated data")
		}
		p.Completion, err = decodeCompletion(rest[:n])
		p.Data = append([]byte(nil), rest[n:n+dataLen]...)
	default:
		return CxlIo{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "cxl.io: unknown kind %d", kind)
	}
	if err != nil {
		return CxlIo{}, err
	}
	if int(env.PayloadLength) != EnvelopeSize+len(body) {
		return CxlIo{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.io: length mismatch")
	}
	return p, nil
}

func pad64(data []byte) []byte {
	out := make([]byte, dataLen)
	copy(out, data)
	return out
}

func valuesOf(m map[string]bitfield.Field) []bitfield.Field {
	out := make([]bitfield.Field, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}
