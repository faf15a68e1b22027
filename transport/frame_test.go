package transport

import (
	"net"
	"testing"

	"github.com/cxlfabric/switchd/cxlpacket"
)

func pipeConns(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestWritePacketReadPacketRoundTrip(t *testing.T) {
	a, b := pipeConns(t)
	var events []State
	wa := Wrap(a, func(c *Conn, s State) { events = append(events, s) })
	wb := Wrap(b, nil)

	pkt := cxlpacket.Sideband{Type: cxlpacket.ConnectionRequest, PortIndex: 2, ComponentKind: cxlpacket.ComponentType3}

	done := make(chan error, 1)
	go func() { done <- wa.WritePacket(pkt) }()

	got, err := wb.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	sb, ok := got.(cxlpacket.Sideband)
	if !ok || sb.PortIndex != 2 {
		t.Fatalf("got %#v", got)
	}
	if wb.RxPackets != 1 {
		t.Fatalf("RxPackets = %d, want 1", wb.RxPackets)
	}
	if events[0] != Opened {
		t.Fatalf("expected Opened as first event, got %v", events)
	}
}

func TestReadPacketEOF(t *testing.T) {
	a, b := pipeConns(t)
	wb := Wrap(b, nil)
	a.Close()
	if _, err := wb.ReadPacket(); err == nil {
		t.Fatal("expected error on closed peer")
	}
}

func TestCloseFiresClosed(t *testing.T) {
	a, b := pipeConns(t)
	var events []State
	wa := Wrap(a, func(c *Conn, s State) { events = append(events, s) })
	go b.Close()
	if err := wa.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if events[len(events)-1] != Closed {
		t.Fatalf("expected last event Closed, got %v", events)
	}
}
