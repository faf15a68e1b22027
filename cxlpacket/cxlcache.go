package cxlpacket

import (
	"github.com/cxlfabric/switchd/bitfield"
	"github.com/cxlfabric/switchd/cxlerr"
)

// CacheMsgClass enumerates the six CXL.cache message classes. Values start
// at 1 per §6.1 ("msg_class:u8 (1..6)").
type CacheMsgClass uint8

const (
	D2HReq CacheMsgClass = iota + 1
	D2HRsp
	D2HData
	H2DReq
	H2DRsp
	H2DData
)

var cacheClassHeaderFields = fieldSet(
	nw{"port_index", 8},
	nw{"msg_class", 8},
)

var d2hReqFields = fieldSet(
	nw{"valid", 1}, nw{"cache_opcode", 5}, nw{"cqid", 12}, nw{"nt", 1},
	nw{"cache_id", 4}, nw{"addr", 46}, nw{"rsvd", 3},
)
var d2hRspFields = fieldSet(
	nw{"valid", 1}, nw{"cache_opcode", 5}, nw{"uqid", 12}, nw{"rsvd", 6},
)
var d2hDataFields = fieldSet(
	nw{"valid", 1}, nw{"uqid", 12}, nw{"bogus", 1}, nw{"poison", 1}, nw{"bep", 1}, nw{"rsvd", 8},
)
var h2dReqFields = fieldSet(
	nw{"valid", 1}, nw{"cache_opcode", 3}, nw{"addr", 46}, nw{"uqid", 12}, nw{"cache_id", 4}, nw{"rsvd", 6},
)
var h2dRspFields = fieldSet(
	nw{"valid", 1}, nw{"cache_opcode", 4}, nw{"rsp_data", 12}, nw{"rsp_pre", 2}, nw{"cqid", 12}, nw{"cache_id", 4}, nw{"rsvd", 5},
)
var h2dDataFields = fieldSet(
	nw{"valid", 1}, nw{"cqid", 12}, nw{"poison", 1}, nw{"go_err", 1}, nw{"cache_id", 4}, nw{"rsvd", 5},
)

// CacheClassHeader is the 2-byte class header common to every CXL.cache
// frame.
type CacheClassHeader struct {
	PortIndex uint8
	MsgClass  CacheMsgClass
}

func (h CacheClassHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(cacheClassHeaderFields)...))
	w.Put(cacheClassHeaderFields["port_index"], uint64(h.PortIndex))
	w.Put(cacheClassHeaderFields["msg_class"], uint64(h.MsgClass))
	return w.Bytes()
}

func decodeCacheClassHeader(buf []byte) CacheClassHeader {
	r := bitfield.NewReader(buf)
	return CacheClassHeader{
		PortIndex: uint8(r.Get(cacheClassHeaderFields["port_index"])),
		MsgClass:  CacheMsgClass(r.Get(cacheClassHeaderFields["msg_class"])),
	}
}

// D2HReqHeader is the D2H_REQ typed header; Addr is the reconstructed
// (field << 6) cache-line address.
type D2HReqHeader struct {
	Valid       bool
	CacheOpcode uint8
	CQID        uint16
	NT          bool
	CacheID     uint8
	Addr        uint64
}

func (h D2HReqHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(d2hReqFields)...))
	w.PutBool(d2hReqFields["valid"], h.Valid)
	w.Put(d2hReqFields["cache_opcode"], uint64(h.CacheOpcode))
	w.Put(d2hReqFields["cqid"], uint64(h.CQID))
	w.PutBool(d2hReqFields["nt"], h.NT)
	w.Put(d2hReqFields["cache_id"], uint64(h.CacheID))
	w.Put(d2hReqFields["addr"], h.Addr>>6)
	return w.Bytes()
}

func decodeD2HReq(buf []byte) D2HReqHeader {
	r := bitfield.NewReader(buf)
	return D2HReqHeader{
		Valid:       r.GetBool(d2hReqFields["valid"]),
		CacheOpcode: uint8(r.Get(d2hReqFields["cache_opcode"])),
		CQID:        uint16(r.Get(d2hReqFields["cqid"])),
		NT:          r.GetBool(d2hReqFields["nt"]),
		CacheID:     uint8(r.Get(d2hReqFields["cache_id"])),
		Addr:        r.Get(d2hReqFields["addr"]) << 6,
	}
}

// D2HRspHeader is the D2H_RSP typed header.
type D2HRspHeader struct {
	Valid       bool
	CacheOpcode uint8
	UQID        uint16
}

func (h D2HRspHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(d2hRspFields)...))
	w.PutBool(d2hRspFields["valid"], h.Valid)
	w.Put(d2hRspFields["cache_opcode"], uint64(h.CacheOpcode))
	w.Put(d2hRspFields["uqid"], uint64(h.UQID))
	return w.Bytes()
}

func decodeD2HRsp(buf []byte) D2HRspHeader {
	r := bitfield.NewReader(buf)
	return D2HRspHeader{
		Valid:       r.GetBool(d2hRspFields["valid"]),
		CacheOpcode: uint8(r.Get(d2hRspFields["cache_opcode"])),
		UQID:        uint16(r.Get(d2hRspFields["uqid"])),
	}
}

// D2HDataHeader is the D2H_DATA typed header; carries 64 bytes of data.
type D2HDataHeader struct {
	Valid  bool
	UQID   uint16
	Bogus  bool
	Poison bool
	BEP    bool
	Data   []byte
}

func (h D2HDataHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(d2hDataFields)...))
	w.PutBool(d2hDataFields["valid"], h.Valid)
	w.Put(d2hDataFields["uqid"], uint64(h.UQID))
	w.PutBool(d2hDataFields["bogus"], h.Bogus)
	w.PutBool(d2hDataFields["poison"], h.Poison)
	w.PutBool(d2hDataFields["bep"], h.BEP)
	return append(w.Bytes(), pad64(h.Data)...)
}

func decodeD2HData(buf []byte) (D2HDataHeader, error) {
	n := bitfield.ByteSize(valuesOf(d2hDataFields)...)
	if len(buf) < n+dataLen {
		return D2HDataHeader{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "d2h_data: truncated")
	}
	r := bitfield.NewReader(buf[:n])
	return D2HDataHeader{
		Valid:  r.GetBool(d2hDataFields["valid"]),
		UQID:   uint16(r.Get(d2hDataFields["uqid"])),
		Bogus:  r.GetBool(d2hDataFields["bogus"]),
		Poison: r.GetBool(d2hDataFields["poison"]),
		BEP:    r.GetBool(d2hDataFields["bep"]),
		Data:   append([]byte(nil), buf[n:n+dataLen]...),
	}, nil
}

// H2DReqHeader is the H2D_REQ typed header.
type H2DReqHeader struct {
	Valid       bool
	CacheOpcode uint8
	Addr        uint64
	UQID        uint16
	CacheID     uint8
}

func (h H2DReqHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(h2dReqFields)...))
	w.PutBool(h2dReqFields["valid"], h.Valid)
	w.Put(h2dReqFields["cache_opcode"], uint64(h.CacheOpcode))
	w.Put(h2dReqFields["addr"], h.Addr>>6)
	w.Put(h2dReqFields["uqid"], uint64(h.UQID))
	w.Put(h2dReqFields["cache_id"], uint64(h.CacheID))
	return w.Bytes()
}

func decodeH2DReq(buf []byte) H2DReqHeader {
	r := bitfield.NewReader(buf)
	return H2DReqHeader{
		Valid:       r.GetBool(h2dReqFields["valid"]),
		CacheOpcode: uint8(r.Get(h2dReqFields["cache_opcode"])),
		Addr:        r.Get(h2dReqFields["addr"]) << 6,
		UQID:        uint16(r.Get(h2dReqFields["uqid"])),
		CacheID:     uint8(r.Get(h2dReqFields["cache_id"])),
	}
}

// H2DRspHeader is the H2D_RSP typed header.
type H2DRspHeader struct {
	Valid       bool
	CacheOpcode uint8
	RspData     uint16
	RspPre      uint8
	CQID        uint16
	CacheID     uint8
}

func (h H2DRspHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(h2dRspFields)...))
	w.PutBool(h2dRspFields["valid"], h.Valid)
	w.Put(h2dRspFields["cache_opcode"], uint64(h.CacheOpcode))
	w.Put(h2dRspFields["rsp_data"], uint64(h.RspData))
	w.Put(h2dRspFields["rsp_pre"], uint64(h.RspPre))
	w.Put(h2dRspFields["cqid"], uint64(h.CQID))
	w.Put(h2dRspFields["cache_id"], uint64(h.CacheID))
	return w.Bytes()
}

func decodeH2DRsp(buf []byte) H2DRspHeader {
	r := bitfield.NewReader(buf)
	return H2DRspHeader{
		Valid:       r.GetBool(h2dRspFields["valid"]),
		CacheOpcode: uint8(r.Get(h2dRspFields["cache_opcode"])),
		RspData:     uint16(r.Get(h2dRspFields["rsp_data"])),
		RspPre:      uint8(r.Get(h2dRspFields["rsp_pre"])),
		CQID:        uint16(r.Get(h2dRspFields["cqid"])),
		CacheID:     uint8(r.Get(h2dRspFields["cache_id"])),
	}
}

// H2DDataHeader is the H2D_DATA typed header; carries 64 bytes of data.
type H2DDataHeader struct {
	Valid   bool
	CQID    uint16
	Poison  bool
	GoErr   bool
	CacheID uint8
	Data    []byte
}

func (h H2DDataHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(h2dDataFields)...))
	w.PutBool(h2dDataFields["valid"], h.Valid)
	w.Put(h2dDataFields["cqid"], uint64(h.CQID))
	w.PutBool(h2dDataFields["poison"], h.Poison)
	w.PutBool(h2dDataFields["go_err"], h.GoErr)
	w.Put(h2dDataFields["cache_id"], uint64(h.CacheID))
	return append(w.Bytes(), pad64(h.Data)...)
}

func decodeH2DData(buf []byte) (H2DDataHeader, error) {
	n := bitfield.ByteSize(valuesOf(h2dDataFields)...)
	if len(buf) < n+dataLen {
		return H2DDataHeader{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "h2d_data: truncated")
	}
	r := bitfield.NewReader(buf[:n])
	return H2DDataHeader{
		Valid:   r.GetBool(h2dDataFields["valid"]),
		CQID:    uint16(r.Get(h2dDataFields["cqid"])),
		Poison:  r.GetBool(h2dDataFields["poison"]),
		GoErr:   r.GetBool(h2dDataFields["go_err"]),
		CacheID: uint8(r.Get(h2dDataFields["cache_id"])),
		Data:    append([]byte(nil), buf[n:n+dataLen]...),
	}, nil
}

// CxlCache is the tagged-union CXL.cache packet.
type CxlCache struct {
	Class   CacheClassHeader
	D2HReq  D2HReqHeader
	D2HRsp  D2HRspHeader
	D2HData D2HDataHeader
	H2DReq  H2DReqHeader
	H2DRsp  H2DRspHeader
	H2DData H2DDataHeader
}

func (p CxlCache) PayloadType() PayloadType { return PayloadCXLCache }

func (p CxlCache) Encode() []byte {
	body := p.Class.encode()
	switch p.Class.MsgClass {
	case D2HReq:
		body = append(body, p.D2HReq.encode()...)
	case D2HRsp:
		body = append(body, p.D2HRsp.encode()...)
	case D2HData:
		body = append(body, p.D2HData.encode()...)
	case H2DReq:
		body = append(body, p.H2DReq.encode()...)
	case H2DRsp:
		body = append(body, p.H2DRsp.encode()...)
	case H2DData:
		body = append(body, p.H2DData.encode()...)
	}
	env := Envelope{PayloadType: PayloadCXLCache, PayloadLength: uint16(EnvelopeSize + len(body))}
	return append(env.Encode(), body...)
}

func decodeCxlCache(env Envelope, body []byte) (CxlCache, error) {
	n := bitfield.ByteSize(valuesOf(cacheClassHeaderFields)...)
	if len(body) < n {
		return CxlCache{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.cache: truncated class header")
	}
	p := CxlCache{Class: decodeCacheClassHeader(body[:n])}
	rest := body[n:]
	var err error
	switch p.Class.MsgClass {
	case D2HReq:
		p.D2HReq = decodeD2HReq(rest)
	case D2HRsp:
		p.D2HRsp = decodeD2HRsp(rest)
	case D2HData:
		p.D2HData, err = decodeD2HData(rest)
	case H2DReq:
		p.H2DReq = decodeH2DReq(rest)
	case H2DRsp:
		p.H2DRsp = decodeH2DRsp(rest)
	case H2DData:
		p.H2DData, err = decodeH2DData(rest)
	default:
		return CxlCache{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "cxl.cache: unknown msg_class %d", p.Class.MsgClass)
	}
	if err != nil {
		return CxlCache{}, err
	}
	if int(env.PayloadLength) != EnvelopeSize+len(body) {
		return CxlCache{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cxl.cache: length mismatch")
	}
	return p, nil
}
