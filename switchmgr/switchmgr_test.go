package switchmgr

import (
	"net"
	"testing"
	"time"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr: "127.0.0.1:0",
		Ports: []config.PortConfig{
			{Index: 0, Type: cxlpacket.ComponentUSP},
			{Index: 1, Type: cxlpacket.ComponentDSP},
		},
	}
}

func startManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testConfig())
	go m.Run()
	t.Cleanup(m.Stop)
	select {
	case <-m.Runnable.Ready():
	case <-time.After(time.Second):
		t.Fatal("manager did not become ready")
	}
	return m
}

func dialAndHandshake(t *testing.T, addr net.Addr, portIndex int, kind cxlpacket.ComponentKind) *transport.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	tc := transport.Wrap(raw, nil)
	req := cxlpacket.Sideband{Type: cxlpacket.ConnectionRequest, PortIndex: uint8(portIndex), ComponentKind: kind}
	if err := tc.WritePacket(req); err != nil {
		t.Fatal(err)
	}
	return tc
}

func TestHandshakeAcceptsMatchingComponentKind(t *testing.T) {
	m := startManager(t)

	tc := dialAndHandshake(t, m.Addr(), 0, cxlpacket.ComponentUSP)
	defer tc.Close()

	pkt, err := tc.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	sb, ok := pkt.(cxlpacket.Sideband)
	if !ok || sb.Type != cxlpacket.ConnectionAccept {
		t.Fatalf("got %#v, want CONNECTION_ACCEPT", pkt)
	}

	select {
	case ev := <-m.Events():
		if ev.PortIndex != 0 || !ev.Connected {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a port-up event")
	}

	dev, ok := m.Port(0)
	if !ok || !dev.Connected() {
		t.Fatal("port 0 should be marked connected")
	}
}

func TestHandshakeRejectsMismatchedComponentKind(t *testing.T) {
	m := startManager(t)

	tc := dialAndHandshake(t, m.Addr(), 0, cxlpacket.ComponentDSP)
	defer tc.Close()

	pkt, err := tc.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	sb, ok := pkt.(cxlpacket.Sideband)
	if !ok || sb.Type != cxlpacket.ConnectionReject {
		t.Fatalf("got %#v, want CONNECTION_REJECT", pkt)
	}

	dev, ok := m.Port(0)
	if !ok || dev.Connected() {
		t.Fatal("port 0 should remain disconnected after a rejected handshake")
	}
}

func TestHandshakeRejectsOutOfRangePort(t *testing.T) {
	m := startManager(t)

	tc := dialAndHandshake(t, m.Addr(), 99, cxlpacket.ComponentUSP)
	defer tc.Close()

	pkt, err := tc.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if sb, ok := pkt.(cxlpacket.Sideband); !ok || sb.Type != cxlpacket.ConnectionReject {
		t.Fatalf("got %#v, want CONNECTION_REJECT", pkt)
	}
}

func TestPortDownEventOnDisconnect(t *testing.T) {
	m := startManager(t)

	tc := dialAndHandshake(t, m.Addr(), 1, cxlpacket.ComponentDSP)
	if _, err := tc.ReadPacket(); err != nil {
		t.Fatal(err)
	}
	// drain the port-up event before closing
	select {
	case <-m.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a port-up event")
	}

	tc.Close()

	select {
	case ev := <-m.Events():
		if ev.PortIndex != 1 || ev.Connected {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a port-down event after disconnect")
	}
}
