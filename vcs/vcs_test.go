package vcs

import (
	"testing"
	"time"

	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/port"
)

func startVCS(t *testing.T, indexes []int) *VCS {
	t.Helper()
	vc := New(0, indexes, nil)
	go vc.Run()
	t.Cleanup(vc.Stop)
	select {
	case <-vc.Runnable.Ready():
	case <-time.After(time.Second):
		t.Fatal("vcs did not become ready")
	}
	return vc
}

func TestConfigRouterForwardsToBoundVPPB(t *testing.T) {
	vc := startVCS(t, []int{1})
	phys := port.NewDevice(1, cxlpacket.ComponentDSP)
	if err := vc.BindVPPB(1, phys); err != nil {
		t.Fatal(err)
	}
	vp, ok := vc.VPPB(1)
	if !ok {
		t.Fatal("vppb 1 not found")
	}
	vp.Config.SecondaryBusNumber = 5
	vp.Config.SubordinateBusNumber = 5

	cfgReq := cxlpacket.CxlIo{
		Kind:   cxlpacket.CxlIoCfgRd0,
		CfgReq: cxlpacket.CfgReq{ReqID: 0x100, Tag: 7, DestID: uint16(5) << 8},
	}
	vc.Upstream.Conn.Cfg.HostToTarget.Push(cfgReq)

	select {
	case pkt, ok := <-phys.Conn.Cfg.TargetToHost.Chan():
		if !ok {
			t.Fatal("channel closed")
		}
		io := pkt.(cxlpacket.CxlIo)
		if io.CfgReq.ReqID != uint16(vc.ID) {
			t.Fatalf("ReqID not rewritten to vcs id: got %d", io.CfgReq.ReqID)
		}
		if io.CfgReq.Tag != 7 {
			t.Fatalf("Tag = %d, want 7", io.CfgReq.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the cfg request forwarded to the bound physical device")
	}
}

func TestConfigRouterSynthesizesURForUnmatchedBus(t *testing.T) {
	vc := startVCS(t, []int{1})

	cfgReq := cxlpacket.CxlIo{
		Kind:   cxlpacket.CxlIoCfgRd0,
		CfgReq: cxlpacket.CfgReq{ReqID: 0x100, Tag: 7, DestID: uint16(9) << 8},
	}
	vc.Upstream.Conn.Cfg.HostToTarget.Push(cfgReq)

	select {
	case pkt, ok := <-vc.Upstream.Conn.Cfg.TargetToHost.Chan():
		if !ok {
			t.Fatal("channel closed")
		}
		io := pkt.(cxlpacket.CxlIo)
		if io.Kind != cxlpacket.CxlIoCompletion || io.Completion.Status != cxlpacket.StatusUR {
			t.Fatalf("got %#v, want a StatusUR completion", io)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a synthesized UR completion for an unmatched bus")
	}
}

func TestUnbindVPPBClearsStateAndStopsForwarding(t *testing.T) {
	vc := startVCS(t, []int{1})
	phys := port.NewDevice(1, cxlpacket.ComponentDSP)
	if err := vc.BindVPPB(1, phys); err != nil {
		t.Fatal(err)
	}
	vp, _ := vc.VPPB(1)
	if vp.Status() != Bound {
		t.Fatalf("status = %v, want Bound", vp.Status())
	}

	if err := vc.UnbindVPPB(1); err != nil {
		t.Fatal(err)
	}
	if vp.Status() != Unbound {
		t.Fatalf("status = %v, want Unbound", vp.Status())
	}
	if vp.Physical() != nil {
		t.Fatal("expected the physical reference cleared after unbind")
	}
}

func TestBindVPPBRejectsNonDSPPhysicalPort(t *testing.T) {
	vc := startVCS(t, []int{1})
	phys := port.NewDevice(2, cxlpacket.ComponentUSP)
	if err := vc.BindVPPB(1, phys); err == nil {
		t.Fatal("expected an error binding a non-DSP physical port")
	}
}

func TestBindVPPBRejectsAlreadyBound(t *testing.T) {
	vc := startVCS(t, []int{1})
	phys1 := port.NewDevice(1, cxlpacket.ComponentDSP)
	phys2 := port.NewDevice(2, cxlpacket.ComponentDSP)
	if err := vc.BindVPPB(1, phys1); err != nil {
		t.Fatal(err)
	}
	if err := vc.BindVPPB(1, phys2); err == nil {
		t.Fatal("expected an error re-binding an already-bound vppb")
	}
}

func TestMmioRouterZeroFillsUnmappedRead(t *testing.T) {
	vc := startVCS(t, []int{1})

	req, err := cxlpacket.NewMemReq(0x1234, 0x56, 0xF, 0x0, 0xBAAD0000)
	if err != nil {
		t.Fatal(err)
	}
	vc.Upstream.Conn.Mmio.HostToTarget.Push(cxlpacket.CxlIo{Kind: cxlpacket.CxlIoMemRd, MemReq: req})

	select {
	case pkt, ok := <-vc.Upstream.Conn.Mmio.TargetToHost.Chan():
		if !ok {
			t.Fatal("channel closed")
		}
		io := pkt.(cxlpacket.CxlIo)
		if io.Kind != cxlpacket.CxlIoCompletionData {
			t.Fatalf("kind = %v, want CxlIoCompletionData", io.Kind)
		}
		if io.Completion.ReqID != req.ReqID || io.Completion.Tag != req.Tag {
			t.Fatalf("completion ReqID/Tag = %#x/%#x, want %#x/%#x", io.Completion.ReqID, io.Completion.Tag, req.ReqID, req.Tag)
		}
		for i, b := range io.Data {
			if b != 0 {
				t.Fatalf("data[%d] = %#x, want zero fill", i, b)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected a zero-filled completion for an unmapped MMIO read")
	}
}

func TestMmioRouterDropsUnmappedWrite(t *testing.T) {
	vc := startVCS(t, []int{1})

	req, err := cxlpacket.NewMemReq(1, 2, 0xF, 0xF, 0xBAAD0000)
	if err != nil {
		t.Fatal(err)
	}
	vc.Upstream.Conn.Mmio.HostToTarget.Push(cxlpacket.CxlIo{Kind: cxlpacket.CxlIoMemWr, MemReq: req, Data: make([]byte, 64)})

	select {
	case pkt := <-vc.Upstream.Conn.Mmio.TargetToHost.Chan():
		t.Fatalf("expected no reply for a posted write to an unmapped address, got %+v", pkt)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestBackInvalidationPolicyTable exercises all four cells of the
// bi_enable/bi_forward policy table from §4.7.3 (spec scenario §8.5).
func TestBackInvalidationPolicyTable(t *testing.T) {
	const originalBiID = 0x099

	cases := []struct {
		name        string
		enable      bool
		forward     bool
		biCapable   bool
		wantForward bool
		wantBiID    uint16
	}{
		{name: "disabled_no_forward_drops", enable: false, forward: false, wantForward: false},
		{name: "disabled_forward_passes_through_unchanged", enable: false, forward: true, wantForward: true, wantBiID: originalBiID},
		{name: "enabled_no_forward_rewrites_when_upstream_bi_capable", enable: true, forward: false, biCapable: true, wantForward: true, wantBiID: 5},
		{name: "enabled_no_forward_drops_when_upstream_not_bi_capable", enable: true, forward: false, biCapable: false, wantForward: false},
		{name: "enabled_and_forward_drops", enable: true, forward: true, wantForward: false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			vc := startVCS(t, []int{1})
			phys := port.NewDevice(1, cxlpacket.ComponentDSP)
			if err := vc.BindVPPB(1, phys); err != nil {
				t.Fatal(err)
			}
			vp, _ := vc.VPPB(1)
			vp.Config.SecondaryBusNumber = 5
			vp.Config.SubordinateBusNumber = 5
			vp.BI.Enable = c.enable
			vp.BI.Forward = c.forward
			vc.Upstream.HDM.BICapable = c.biCapable

			snoop := cxlpacket.CxlMem{
				Class:    cxlpacket.MemClassHeader{PortIndex: 1, MsgClass: cxlpacket.S2MBISnp},
				S2MBISnp: cxlpacket.S2MBISnpHeader{Valid: true, BiID: originalBiID, Addr: 0x40},
			}
			vp.Conn.CxlMem.HostToTarget.Push(snoop)

			select {
			case pkt, ok := <-vc.Upstream.Conn.CxlMem.TargetToHost.Chan():
				if !c.wantForward {
					if ok {
						t.Fatalf("expected the snoop dropped, got %+v", pkt)
					}
					return
				}
				if !ok {
					t.Fatal("channel closed")
				}
				mem := pkt.(cxlpacket.CxlMem)
				if mem.S2MBISnp.BiID != c.wantBiID {
					t.Fatalf("bi_id = %#x, want %#x", mem.S2MBISnp.BiID, c.wantBiID)
				}
			case <-time.After(200 * time.Millisecond):
				if c.wantForward {
					t.Fatal("expected the snoop forwarded upstream")
				}
			}
		})
	}
}

func TestOnUpdateCallbackFiresOnBindAndUnbind(t *testing.T) {
	type transition struct {
		vppbIndex int
		status    BindStatus
	}
	events := make(chan transition, 4)
	vc := New(0, []int{1}, func(vppbIndex int, status BindStatus) {
		events <- transition{vppbIndex, status}
	})
	go vc.Run()
	t.Cleanup(vc.Stop)
	<-vc.Runnable.Ready()

	phys := port.NewDevice(1, cxlpacket.ComponentDSP)
	if err := vc.BindVPPB(1, phys); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.vppbIndex != 1 || ev.status != Bound {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a bind callback")
	}

	if err := vc.UnbindVPPB(1); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.vppbIndex != 1 || ev.status != Unbound {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an unbind callback")
	}
}
