package cxlpacket

import (
	"fmt"

	"github.com/cxlfabric/switchd/bitfield"
	"github.com/cxlfabric/switchd/cxlerr"
)

// CCIOpcode identifies a Fabric Manager command, per the opcode registry in
// §6.2. Values match the spec table exactly.
type CCIOpcode uint16

const (
	OpIdentify                  CCIOpcode = 0x0001
	OpBackgroundOperationStatus CCIOpcode = 0x0002
	OpIdentifySwitchDevice      CCIOpcode = 0x5100
	OpGetPhysicalPortState      CCIOpcode = 0x5101
	OpGetVirtualSwitchInfo      CCIOpcode = 0x5200
	OpBindVPPB                  CCIOpcode = 0x5201
	OpUnbindVPPB                CCIOpcode = 0x5202
	OpTunnelManagementCommand   CCIOpcode = 0x5300
	OpGetLDInfo                 CCIOpcode = 0x5400
	OpGetLDAllocations          CCIOpcode = 0x5401
	OpSetLDAllocations          CCIOpcode = 0x5402
	OpNotifyPortUpdate          CCIOpcode = 0xC000
	OpNotifySwitchUpdate        CCIOpcode = 0xC001
	OpNotifyDeviceUpdate        CCIOpcode = 0xC002
	OpGetConnectedDevices       CCIOpcode = 0xC003
)

var cciOpcodeNames = map[CCIOpcode]string{
	OpIdentify:                  "IDENTIFY",
	OpBackgroundOperationStatus: "BACKGROUND_OPERATION_STATUS",
	OpIdentifySwitchDevice:      "IDENTIFY_SWITCH_DEVICE",
	OpGetPhysicalPortState:      "GET_PHYSICAL_PORT_STATE",
	OpGetVirtualSwitchInfo:      "GET_VIRTUAL_SWITCH_INFO",
	OpBindVPPB:                  "BIND_VPPB",
	OpUnbindVPPB:                "UNBIND_VPPB",
	OpTunnelManagementCommand:   "TUNNEL_MANAGEMENT_COMMAND",
	OpGetLDInfo:                 "GET_LD_INFO",
	OpGetLDAllocations:          "GET_LD_ALLOCATIONS",
	OpSetLDAllocations:          "SET_LD_ALLOCATIONS",
	OpNotifyPortUpdate:          "NOTIFY_PORT_UPDATE",
	OpNotifySwitchUpdate:        "NOTIFY_SWITCH_UPDATE",
	OpNotifyDeviceUpdate:        "NOTIFY_DEVICE_UPDATE",
	OpGetConnectedDevices:       "GET_CONNECTED_DEVICES",
}

// String renders the opcode's spec name, or its raw hex value if unknown
// (a registry miss surfaces as RCUnsupported, not a decode failure).
func (o CCIOpcode) String() string {
	if name, ok := cciOpcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(o))
}

// ReturnCode mirrors the CCI completion status codes used across the
// opcode registry.
type ReturnCode uint16

const (
	RCSuccess      ReturnCode = 0x0000
	RCBackground   ReturnCode = 0x0001
	RCInvalidInput ReturnCode = 0x0002
	RCUnsupported  ReturnCode = 0x0003
	RCInternalErr  ReturnCode = 0x0004
)

// String renders the return code's spec name, or its raw hex value if
// unknown.
func (rc ReturnCode) String() string {
	switch rc {
	case RCSuccess:
		return "SUCCESS"
	case RCBackground:
		return "BACKGROUND_COMMAND_STARTED"
	case RCInvalidInput:
		return "INVALID_INPUT"
	case RCUnsupported:
		return "UNSUPPORTED"
	case RCInternalErr:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("0x%04X", uint16(rc))
	}
}

var cciClassHeaderFields = fieldSet(
	nw{"mctp_message_type", 8}, nw{"rsvd", 8},
)

var cciMessageHeaderFields = fieldSet(
	nw{"message_category", 4}, nw{"rsvd0", 4},
	nw{"message_tag", 8}, nw{"rsvd1", 8},
	nw{"command_opcode", 16},
	nw{"payload_length_low", 16},
	nw{"payload_length_high", 5}, nw{"rsvd2", 2}, nw{"background_operation", 1},
	nw{"return_code", 16},
	nw{"vendor_specific_extended_status", 16},
)

// MessageCategory distinguishes a CCI request from its response, per the
// MCTP-over-TCP binding used for Fabric Manager traffic.
type MessageCategory uint8

const (
	CategoryRequest  MessageCategory = 0
	CategoryResponse MessageCategory = 1
)

// CCIClassHeader is the 2-byte MCTP message-type header preceding every CCI
// message header.
type CCIClassHeader struct {
	MCTPMessageType uint8
}

func (h CCIClassHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(cciClassHeaderFields)...))
	w.Put(cciClassHeaderFields["mctp_message_type"], uint64(h.MCTPMessageType))
	return w.Bytes()
}

func decodeCCIClassHeader(buf []byte) CCIClassHeader {
	r := bitfield.NewReader(buf)
	return CCIClassHeader{MCTPMessageType: uint8(r.Get(cciClassHeaderFields["mctp_message_type"]))}
}

// CCIMessageHeader is the 12-byte bit-exact CCI command/response header.
// PayloadLength is reconstructed from its split low/high fields; the
// background_operation bit lets the executor route a command to the
// foreground or background worker per §4.8.
type CCIMessageHeader struct {
	Category             MessageCategory
	MessageTag           uint8
	CommandOpcode        CCIOpcode
	PayloadLength        uint32
	BackgroundOperation  bool
	ReturnCode           ReturnCode
	VendorExtendedStatus uint16
}

func (h CCIMessageHeader) encode() []byte {
	w := bitfield.NewWriter(bitfield.ByteSize(valuesOf(cciMessageHeaderFields)...))
	w.Put(cciMessageHeaderFields["message_category"], uint64(h.Category))
	w.Put(cciMessageHeaderFields["message_tag"], uint64(h.MessageTag))
	w.Put(cciMessageHeaderFields["command_opcode"], uint64(h.CommandOpcode))
	w.Put(cciMessageHeaderFields["payload_length_low"], uint64(h.PayloadLength&0xFFFF))
	w.Put(cciMessageHeaderFields["payload_length_high"], uint64((h.PayloadLength>>16)&0x1F))
	w.PutBool(cciMessageHeaderFields["background_operation"], h.BackgroundOperation)
	w.Put(cciMessageHeaderFields["return_code"], uint64(h.ReturnCode))
	w.Put(cciMessageHeaderFields["vendor_specific_extended_status"], uint64(h.VendorExtendedStatus))
	return w.Bytes()
}

func decodeCCIMessageHeader(buf []byte) CCIMessageHeader {
	r := bitfield.NewReader(buf)
	low := r.Get(cciMessageHeaderFields["payload_length_low"])
	high := r.Get(cciMessageHeaderFields["payload_length_high"])
	return CCIMessageHeader{
		Category:             MessageCategory(r.Get(cciMessageHeaderFields["message_category"])),
		MessageTag:           uint8(r.Get(cciMessageHeaderFields["message_tag"])),
		CommandOpcode:        CCIOpcode(r.Get(cciMessageHeaderFields["command_opcode"])),
		PayloadLength:        uint32(high<<16 | low),
		BackgroundOperation:  r.GetBool(cciMessageHeaderFields["background_operation"]),
		ReturnCode:           ReturnCode(r.Get(cciMessageHeaderFields["return_code"])),
		VendorExtendedStatus: uint16(r.Get(cciMessageHeaderFields["vendor_specific_extended_status"])),
	}
}

// CCI is the Fabric Manager command/response packet: class header, message
// header, and an opcode-defined variable-length payload whose size is
// carried in the message header rather than inferred from the envelope, so
// that tunnel management responses can preserve an FM-supplied byte count
// verbatim (see original_source/tunnel_management.py).
type CCI struct {
	Class   CCIClassHeader
	Header  CCIMessageHeader
	Payload []byte
}

func (p CCI) PayloadType() PayloadType { return PayloadCCIMCTP }

func (p CCI) Encode() []byte {
	header := p.Header
	header.PayloadLength = uint32(len(p.Payload))
	body := append(p.Class.encode(), header.encode()...)
	body = append(body, p.Payload...)
	env := Envelope{PayloadType: PayloadCCIMCTP, PayloadLength: uint16(EnvelopeSize + len(body))}
	return append(env.Encode(), body...)
}

func decodeCCI(env Envelope, body []byte) (CCI, error) {
	classLen := bitfield.ByteSize(valuesOf(cciClassHeaderFields)...)
	hdrLen := bitfield.ByteSize(valuesOf(cciMessageHeaderFields)...)
	if len(body) < classLen+hdrLen {
		return CCI{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cci: truncated header")
	}
	p := CCI{
		Class:  decodeCCIClassHeader(body[:classLen]),
		Header: decodeCCIMessageHeader(body[classLen : classLen+hdrLen]),
	}
	payload := body[classLen+hdrLen:]
	if int(p.Header.PayloadLength) != len(payload) {
		return CCI{}, cxlerr.Wrapf(cxlerr.ErrMalformedPacket, "cci: payload_length %d does not match body %d", p.Header.PayloadLength, len(payload))
	}
	p.Payload = append([]byte(nil), payload...)
	if int(env.PayloadLength) != EnvelopeSize+len(body) {
		return CCI{}, cxlerr.Wrap(cxlerr.ErrMalformedPacket, "cci: length mismatch")
	}
	return p, nil
}
