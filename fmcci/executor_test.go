package fmcci

import (
	"testing"
	"time"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/switchmgr"
	"github.com/cxlfabric/switchd/vcsmgr"
)

func testExecutor(t *testing.T) (*Executor, *switchmgr.Manager) {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:   "x",
		FMListenAddr: "y",
		Ports: []config.PortConfig{
			{Index: 0, Type: cxlpacket.ComponentUSP},
			{Index: 1, Type: cxlpacket.ComponentDSP, LDCount: 2},
		},
		VCSs: []config.VCSConfig{
			{ID: 0, UpstreamPort: 0, VPPBs: []config.VPPBConfig{{Index: 1, PhysicalPort: -1}}},
		},
	}
	sm := switchmgr.NewManager(cfg)
	vm := vcsmgr.NewManager(cfg, sm)
	e := NewExecutor(cfg, sm, vm)
	return e, sm
}

func req(opcode cxlpacket.CCIOpcode, payload []byte) cxlpacket.CCI {
	return cxlpacket.CCI{
		Header: cxlpacket.CCIMessageHeader{
			Category:      cxlpacket.CategoryRequest,
			MessageTag:    1,
			CommandOpcode: opcode,
		},
		Payload: payload,
	}
}

func TestDispatchIdentify(t *testing.T) {
	e, _ := testExecutor(t)
	resp := e.dispatch(req(cxlpacket.OpIdentify, nil))
	if resp.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("return code = %v, want RCSuccess", resp.Header.ReturnCode)
	}
	if len(resp.Payload) != 16 {
		t.Fatalf("payload len = %d, want 16", len(resp.Payload))
	}
}

func TestDispatchUnsupportedOpcode(t *testing.T) {
	e, _ := testExecutor(t)
	resp := e.dispatch(req(cxlpacket.CCIOpcode(0xFFFF), nil))
	if resp.Header.ReturnCode != cxlpacket.RCUnsupported {
		t.Fatalf("return code = %v, want RCUnsupported", resp.Header.ReturnCode)
	}
}

func TestDispatchBindAndUnbindVPPB(t *testing.T) {
	e, _ := testExecutor(t)

	bindPayload := []byte{0, 1, 1, 0, 0} // vcs=0, vppb=1, physical=1, ld_id=0
	resp := e.dispatch(req(cxlpacket.OpBindVPPB, bindPayload))
	if resp.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("bind return code = %v, want RCSuccess", resp.Header.ReturnCode)
	}

	v, _ := e.vcsMgr.VCS(0)
	vp, _ := v.VPPB(1)
	if vp.Status() != 1 { // vcs.Bound
		t.Fatalf("vppb status = %v, want Bound", vp.Status())
	}

	unbindPayload := []byte{0, 1}
	resp = e.dispatch(req(cxlpacket.OpUnbindVPPB, unbindPayload))
	if resp.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("unbind return code = %v, want RCSuccess", resp.Header.ReturnCode)
	}
	if vp.Status() != 2 { // vcs.Unbound
		t.Fatalf("vppb status = %v, want Unbound", vp.Status())
	}
}

func TestDispatchBindInvalidPhysicalPort(t *testing.T) {
	e, _ := testExecutor(t)
	bindPayload := []byte{0, 1, 99, 0, 0}
	resp := e.dispatch(req(cxlpacket.OpBindVPPB, bindPayload))
	if resp.Header.ReturnCode != cxlpacket.RCInvalidInput {
		t.Fatalf("return code = %v, want RCInvalidInput", resp.Header.ReturnCode)
	}
}

func TestBackgroundSetLDAllocationsThenStatus(t *testing.T) {
	e, _ := testExecutor(t)

	setPayload := []byte{1, 0, 5, 0, 0, 0, 7, 0, 0, 0} // port=1, start_ld=0, values=[5,7]
	resp := e.dispatch(req(cxlpacket.OpSetLDAllocations, setPayload))
	if resp.Header.ReturnCode != cxlpacket.RCBackground {
		t.Fatalf("return code = %v, want RCBackground", resp.Header.ReturnCode)
	}

	status := e.dispatch(req(cxlpacket.OpBackgroundOperationStatus, nil))
	if status.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("status return code = %v, want RCSuccess", status.Header.ReturnCode)
	}
	if len(status.Payload) != 5 || status.Payload[0] != 100 || status.Payload[1] != 1 {
		t.Fatalf("unexpected status payload %v", status.Payload)
	}

	getPayload := []byte{1, 0, 2}
	get := e.dispatch(req(cxlpacket.OpGetLDAllocations, getPayload))
	if get.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("get ld allocations return code = %v", get.Header.ReturnCode)
	}
	if len(get.Payload) != 8 || get.Payload[0] != 5 || get.Payload[4] != 7 {
		t.Fatalf("unexpected ld allocations payload %v", get.Payload)
	}
}

func TestGetLDAllocationsRejectsOutOfRangeStart(t *testing.T) {
	e, _ := testExecutor(t)
	getPayload := []byte{1, 2, 1} // port=1 has ld_count=2, start_ld_id=2 is out of range
	resp := e.dispatch(req(cxlpacket.OpGetLDAllocations, getPayload))
	if resp.Header.ReturnCode != cxlpacket.RCInvalidInput {
		t.Fatalf("return code = %v, want RCInvalidInput", resp.Header.ReturnCode)
	}
}

func TestTunnelManagementRoundTrips(t *testing.T) {
	e, sm := testExecutor(t)
	dev, ok := sm.Port(1)
	if !ok {
		t.Fatal("port 1 not found")
	}

	innerReq := cxlpacket.CCI{
		Header: cxlpacket.CCIMessageHeader{Category: cxlpacket.CategoryRequest, CommandOpcode: cxlpacket.OpIdentify},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pkt, ok := dev.Conn.Cci.HostToTarget.Pop()
		if !ok {
			return
		}
		inner, ok := pkt.(cxlpacket.CCI)
		if !ok || inner.Header.CommandOpcode != cxlpacket.OpIdentify {
			return
		}
		reply := cxlpacket.CCI{
			Header: cxlpacket.CCIMessageHeader{
				Category:      cxlpacket.CategoryResponse,
				CommandOpcode: cxlpacket.OpIdentify,
				ReturnCode:    cxlpacket.RCSuccess,
			},
			Payload: []byte{0xAB},
		}
		dev.Conn.Cci.TargetToHost.Push(reply)
	}()

	payload := append([]byte{1, 0}, innerReq.Encode()...)
	resp := e.dispatch(req(cxlpacket.OpTunnelManagementCommand, payload))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tunnel target goroutine did not complete")
	}

	if resp.Header.ReturnCode != cxlpacket.RCSuccess {
		t.Fatalf("tunnel return code = %v, want RCSuccess", resp.Header.ReturnCode)
	}
	if len(resp.Payload) < 2 {
		t.Fatalf("tunnel response payload too short: %v", resp.Payload)
	}
}

func TestNotifyRingOverflowSetsFlag(t *testing.T) {
	ring := newNotifyRing(2)
	seen := make([]bool, 0, 3)
	build := func(overflow bool) cxlpacket.CCI {
		seen = append(seen, overflow)
		return cxlpacket.CCI{}
	}
	ring.push(build)
	ring.push(build)
	ring.push(build) // evicts the first, sets overflowPending

	count := 0
	for {
		if _, ok := ring.pop(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("popped %d items, want 2", count)
	}
	if !seen[0] {
		t.Fatalf("expected the first popped item to carry the overflow flag, got %v", seen)
	}
}
