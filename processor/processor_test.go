package processor

import (
	"net"
	"testing"
	"time"

	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/queue"
	"github.com/cxlfabric/switchd/transport"
)

func TestInboundClassifiesCfgAndMmio(t *testing.T) {
	switchSide, peerSide := net.Pipe()
	t.Cleanup(func() { switchSide.Close(); peerSide.Close() })

	conn := transport.Wrap(switchSide, nil)
	q := queue.NewConnectionWithCapacity(4)
	portDown := make(chan struct{}, 1)
	p := New(conn, q, 0, SwitchSide, func() { portDown <- struct{}{} })
	go p.Run()

	peer := transport.Wrap(peerSide, nil)
	cfgPkt := cxlpacket.CxlIo{Kind: cxlpacket.CxlIoCfgWr0, CfgReq: cxlpacket.CfgReq{ReqID: 1, Tag: 2}}
	if err := peer.WritePacket(cfgPkt); err != nil {
		t.Fatal(err)
	}
	got, ok := q.Cfg.HostToTarget.Pop()
	if !ok {
		t.Fatal("expected a cfg packet")
	}
	if got.(cxlpacket.CxlIo).Kind != cxlpacket.CxlIoCfgWr0 {
		t.Fatalf("got %#v", got)
	}

	req, err := cxlpacket.NewMemReq(3, 4, 0xF, 0xF, 0x40)
	if err != nil {
		t.Fatal(err)
	}
	mmioPkt := cxlpacket.CxlIo{Kind: cxlpacket.CxlIoMemRd, MemReq: req}
	if err := peer.WritePacket(mmioPkt); err != nil {
		t.Fatal(err)
	}
	got2, ok := q.Mmio.HostToTarget.Pop()
	if !ok {
		t.Fatal("expected an mmio packet")
	}
	if got2.(cxlpacket.CxlIo).Kind != cxlpacket.CxlIoMemRd {
		t.Fatalf("got %#v", got2)
	}

	p.Stop()
	select {
	case <-portDown:
		t.Fatal("did not expect port-down before transport EOF")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOutboundStopsOnSentinel(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := transport.Wrap(a, nil)
	q := queue.NewConnectionWithCapacity(4)
	p := New(conn, q, 0, SwitchSide, nil)

	done := make(chan struct{})
	go func() { p.pumpOutbound(); close(done) }()
	q.Cci.TargetToHost.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumpOutbound did not stop on sentinel")
	}
}

func TestPortIndexMismatchDroppedOnSwitchSide(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := transport.Wrap(a, nil)
	q := queue.NewConnectionWithCapacity(4)
	p := New(conn, q, 0, SwitchSide, nil)
	p.classifyAndEnqueue(cxlpacket.CxlCache{Class: cxlpacket.CacheClassHeader{PortIndex: 9, MsgClass: cxlpacket.D2HReq}})
	select {
	case <-q.CxlCache.HostToTarget.Chan():
		t.Fatal("expected mismatched port_index packet to be dropped")
	default:
	}
}
