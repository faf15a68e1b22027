package fmcci

import (
	"encoding/binary"
	"sync"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlpacket"
)

// ldAllocations tracks each physical port's Logical Device partition sizes
// for the Get/Set LD Allocations opcodes (§6.2). A freshly configured port
// starts with one allocation entry per its configured LDCount, all zero.
type ldAllocations struct {
	mu    sync.Mutex
	byPort map[int][]uint32
}

func newLDAllocations(cfg *config.Config) *ldAllocations {
	byPort := make(map[int][]uint32, len(cfg.Ports))
	for _, pc := range cfg.Ports {
		count := pc.LDCount
		if count == 0 {
			count = 1
		}
		byPort[pc.Index] = make([]uint32, count)
	}
	return &ldAllocations{byPort: byPort}
}

func (l *ldAllocations) get(portIndex int) ([]uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.byPort[portIndex]
	if !ok {
		return nil, false
	}
	out := make([]uint32, len(v))
	copy(out, v)
	return out, true
}

func (l *ldAllocations) set(portIndex, startLDID int, values []uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.byPort[portIndex]
	if !ok || startLDID < 0 || startLDID+len(values) > len(v) {
		return false
	}
	copy(v[startLDID:], values)
	return true
}

func (e *Executor) handleGetLDInfo(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	if len(req.Payload) < 1 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	portIndex := int(req.Payload[0])
	allocations, ok := e.ld.get(portIndex)
	if !ok {
		return nil, cxlpacket.RCInvalidInput, false
	}
	return []byte{uint8(len(allocations))}, cxlpacket.RCSuccess, false
}

// handleGetLDAllocations implements §6.2's Get LD Allocations. Per §9's Open
// Question resolution (left unspecified by the spec, documented in
// DESIGN.md), a start_ld_id at or beyond the port's ld_count is rejected
// with RCInvalidInput rather than clamped or wrapped.
func (e *Executor) handleGetLDAllocations(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	if len(req.Payload) < 3 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	portIndex := int(req.Payload[0])
	startLDID := int(req.Payload[1])
	count := int(req.Payload[2])
	allocations, ok := e.ld.get(portIndex)
	if !ok || startLDID >= len(allocations) {
		return nil, cxlpacket.RCInvalidInput, false
	}
	end := startLDID + count
	if end > len(allocations) {
		end = len(allocations)
	}
	slice := allocations[startLDID:end]
	buf := make([]byte, 4*len(slice))
	for i, v := range slice {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf, cxlpacket.RCSuccess, false
}

// handleSetLDAllocations implements §6.2's Set LD Allocations as a
// background-capable command, matching real CXL FM-API semantics where
// repartitioning a multi-headed device's LD allocations is not
// instantaneous. The initial response reports BACKGROUND_COMMAND_STARTED;
// §0x0002 Background Operation Status reports completion.
func (e *Executor) handleSetLDAllocations(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	if len(req.Payload) < 2 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	portIndex := int(req.Payload[0])
	startLDID := int(req.Payload[1])
	rest := req.Payload[2:]
	if len(rest)%4 != 0 {
		return nil, cxlpacket.RCInvalidInput, false
	}
	values := make([]uint32, len(rest)/4)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(rest[i*4 : i*4+4])
	}
	started := e.bg.start(cxlpacket.OpSetLDAllocations, func() cxlpacket.ReturnCode {
		if !e.ld.set(portIndex, startLDID, values) {
			return cxlpacket.RCInvalidInput
		}
		return cxlpacket.RCSuccess
	})
	if !started {
		return nil, cxlpacket.RCInternalErr, false
	}
	return nil, cxlpacket.RCSuccess, true
}
