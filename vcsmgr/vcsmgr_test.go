package vcsmgr

import (
	"testing"
	"time"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/port"
	"github.com/cxlfabric/switchd/vcs"
)

type fakePorts struct {
	devices map[int]*port.Device
}

func newFakePorts() *fakePorts { return &fakePorts{devices: make(map[int]*port.Device)} }

func (f *fakePorts) add(index int, kind cxlpacket.ComponentKind) *port.Device {
	d := port.NewDevice(uint8(index), kind)
	f.devices[index] = d
	return d
}

func (f *fakePorts) Port(index int) (*port.Device, bool) {
	d, ok := f.devices[index]
	return d, ok
}

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr: "x",
		Ports: []config.PortConfig{
			{Index: 0, Type: cxlpacket.ComponentUSP},
			{Index: 1, Type: cxlpacket.ComponentDSP},
			{Index: 2, Type: cxlpacket.ComponentDSP},
		},
		VCSs: []config.VCSConfig{
			{ID: 0, UpstreamPort: 0, VPPBs: []config.VPPBConfig{
				{Index: 1, PhysicalPort: -1},
				{Index: 2, PhysicalPort: -1},
			}},
		},
	}
}

func startManager(t *testing.T, ports PortLookup) *Manager {
	t.Helper()
	m := NewManager(testConfig(), ports)
	go m.Run()
	t.Cleanup(m.Stop)
	select {
	case <-m.Runnable.Ready():
	case <-time.After(time.Second):
		t.Fatal("manager did not become ready")
	}
	return m
}

func TestBindAndUnbindEmitEvents(t *testing.T) {
	ports := newFakePorts()
	ports.add(1, cxlpacket.ComponentDSP)
	m := startManager(t, ports)

	if err := m.Bind(0, 1, 1); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	select {
	case ev := <-m.Events():
		if ev.VCSID != 0 || ev.VppbIndex != 1 || ev.BindingStatus != vcs.Bound {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a bind SwitchUpdateEvent")
	}

	v, ok := m.VCS(0)
	if !ok {
		t.Fatal("vcs 0 not found")
	}
	vp, ok := v.VPPB(1)
	if !ok || vp.Status() != vcs.Bound {
		t.Fatalf("vppb 1 status = %v, want Bound", vp.Status())
	}

	if err := m.Unbind(0, 1); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	select {
	case ev := <-m.Events():
		if ev.BindingStatus != vcs.Unbound {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an unbind SwitchUpdateEvent")
	}
}

func TestBindUnknownVCSFails(t *testing.T) {
	ports := newFakePorts()
	m := startManager(t, ports)
	if err := m.Bind(99, 1, 1); err == nil {
		t.Fatal("expected error binding unknown vcs")
	}
}

func TestBindUnknownPhysicalPortFails(t *testing.T) {
	ports := newFakePorts()
	m := startManager(t, ports)
	if err := m.Bind(0, 1, 5); err == nil {
		t.Fatal("expected error binding unknown physical port")
	}
}

func TestInitialStaticBindingApplied(t *testing.T) {
	ports := newFakePorts()
	ports.add(2, cxlpacket.ComponentDSP)
	cfg := testConfig()
	cfg.VCSs[0].VPPBs[1].PhysicalPort = 2
	m := NewManager(cfg, ports)
	v, _ := m.VCS(0)
	vp, ok := v.VPPB(2)
	if !ok || vp.Status() != vcs.Bound {
		t.Fatalf("vppb 2 status = %v, want Bound from static config", vp.Status())
	}
}
