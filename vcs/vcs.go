// Package vcs implements the Virtual CXL Switch of §4.7: one Upstream vPPB
// (vPPB#0), N Downstream vPPBs, the four class routers, and the
// bind/unbind state machine that rewires a vPPB's downstream connection
// while routers keep running.
package vcs

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/port"
	"github.com/cxlfabric/switchd/queue"
	"github.com/cxlfabric/switchd/runlife"
)

// BindStatus is a vPPB's position in the bind/unbind state machine (§3).
type BindStatus int

const (
	Init BindStatus = iota
	Bound
	Unbound
)

func (s BindStatus) String() string {
	switch s {
	case Init:
		return "INIT"
	case Bound:
		return "BOUND"
	case Unbound:
		return "UNBOUND"
	default:
		return "UNKNOWN"
	}
}

// VPPB is a virtual PCI-to-PCI bridge: its own config-space/decoder set
// (programmed by the host/FM) plus, when bound, a forwarder shuttling
// frames to and from a physical DSP's Connection.
type VPPB struct {
	Index  int
	mu     sync.RWMutex
	status BindStatus

	// Conn is the vPPB's own stable queue set; routers hold a reference to
	// it and never need to be told about a rebind (§9: "avoid any
	// long-lived pointer to the previous queue" — routers point at this,
	// never at the physical device's Connection directly).
	Conn *queue.Connection

	Config  *port.ConfigSpace
	HDM     *port.HDMDecoder
	BI      *port.BIControl
	CacheID *port.CacheIDControl

	physical  *port.Device
	forwarder *bindForwarder
}

func newVPPB(index int) *VPPB {
	return &VPPB{
		Index:   index,
		status:  Init,
		Conn:    queue.NewConnection(),
		Config:  port.NewConfigSpace(),
		HDM:     &port.HDMDecoder{},
		BI:      &port.BIControl{},
		CacheID: &port.CacheIDControl{},
	}
}

// Status returns the vPPB's current bind status.
func (v *VPPB) Status() BindStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

// Physical returns the bound physical device, or nil if UNBOUND/INIT.
func (v *VPPB) Physical() *port.Device {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.physical
}

// VCS is a Virtual CXL Switch: one upstream vPPB, N downstream vPPBs, and
// the routing tables the four class routers share.
type VCS struct {
	ID       int
	Runnable *runlife.Runnable

	mu         sync.RWMutex
	Upstream   *VPPB
	downstream map[int]*VPPB // vppb_index -> VPPB, for index 1..N

	BIRoute    *port.BIRouteTable
	CacheRoute *port.CacheRouteTable

	// cfgPending maps an outstanding config-space request's Tag to the
	// original host-assigned ReqID, so the completion path can restore it
	// after the request's ReqID was rewritten to the VCS id on entry
	// (§4.7.1 — downstream bus numbering must not leak back to the host).
	cfgMu      sync.Mutex
	cfgPending map[uint8]uint16

	// onUpdate is invoked with (vppbIndex, status) on every bind/unbind
	// transition, the hook the VCS manager wires to SwitchUpdateEvent
	// emission (§4.7.5).
	onUpdate func(vppbIndex int, status BindStatus)
}

// New constructs a VCS with an upstream vPPB#0 and vPPB slots for each
// downstream index supplied. onUpdate may be nil.
func New(id int, downstreamIndexes []int, onUpdate func(int, BindStatus)) *VCS {
	downstream := make(map[int]*VPPB, len(downstreamIndexes))
	for _, idx := range downstreamIndexes {
		downstream[idx] = newVPPB(idx)
	}
	return &VCS{
		ID:         id,
		Runnable:   runlife.NewRunnable("vcs"),
		Upstream:   newVPPB(0),
		downstream: downstream,
		BIRoute:    port.NewBIRouteTable(),
		CacheRoute: port.NewCacheRouteTable(),
		cfgPending: make(map[uint8]uint16),
		onUpdate:   onUpdate,
	}
}

// Run starts the four class routers and blocks until Stop drains them, per
// the Runnable lifecycle every long-lived component follows.
func (vcs *VCS) Run() {
	vcs.Runnable.MarkStarting()
	var wg sync.WaitGroup
	routers := []func(){vcs.runConfigRouter, vcs.runMmioRouter, vcs.runCxlMemRouter, vcs.runCxlCacheRouter}
	wg.Add(len(routers))
	for _, r := range routers {
		r := r
		go func() {
			defer wg.Done()
			r()
		}()
	}
	vcs.Runnable.MarkReady()
	wg.Wait()
	vcs.Runnable.MarkStopped()
}

// Stop signals every router to drain and exit by stopping the Upstream and
// every downstream vPPB's Connection.
func (vcs *VCS) Stop() {
	vcs.Runnable.MarkStopping()
	vcs.Upstream.Conn.StopAll()
	for _, v := range vcs.DownstreamVPPBs() {
		v.Conn.StopAll()
	}
}

// VPPB returns the downstream vPPB at index, if configured.
func (vcs *VCS) VPPB(index int) (*VPPB, bool) {
	vcs.mu.RLock()
	defer vcs.mu.RUnlock()
	v, ok := vcs.downstream[index]
	return v, ok
}

// DownstreamVPPBs returns a stable-order snapshot of all downstream vPPBs,
// used by the routers' fan-in and by tests asserting routing-table state.
func (vcs *VCS) DownstreamVPPBs() []*VPPB {
	vcs.mu.RLock()
	defer vcs.mu.RUnlock()
	out := make([]*VPPB, 0, len(vcs.downstream))
	for _, v := range vcs.downstream {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// BindVPPB implements §4.7.5's bind_vppb: attach physical (a DSP) to the
// vPPB at vppbIndex, rewiring its routing-table entries and emitting a
// SwitchUpdateEvent. Returns cxlerr.ErrConfigError (wrapped) on any
// precondition failure, which callers surface as a CCI return code.
func (vcs *VCS) BindVPPB(vppbIndex int, physical *port.Device) error {
	v, ok := vcs.VPPB(vppbIndex)
	if !ok {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcs %d: no vppb %d", vcs.ID, vppbIndex)
	}
	if physical.Kind != cxlpacket.ComponentDSP {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcs %d: physical port %d is not a DSP", vcs.ID, physical.Index)
	}
	v.mu.Lock()
	if v.status == Bound {
		v.mu.Unlock()
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcs %d: vppb %d already bound", vcs.ID, vppbIndex)
	}
	if oldFwd := v.forwarder; oldFwd != nil {
		v.mu.Unlock()
		oldFwd.stop() // step 2: tear down the old bind processor first
		v.mu.Lock()
	}
	v.physical = physical
	v.forwarder = newBindForwarder(v.Conn, physical.Conn)
	v.status = Bound
	v.mu.Unlock()

	secondary, _ := v.Config.BusWindow()
	vcs.rewireRouterTables(vppbIndex, v, secondary)

	logrus.WithFields(logrus.Fields{"vcs": vcs.ID, "vppb": vppbIndex, "physical": physical.Index}).Info("vcs: vppb bound")
	if vcs.onUpdate != nil {
		vcs.onUpdate(vppbIndex, Bound)
	}
	return nil
}

// UnbindVPPB implements §4.7.5's unbind_vppb. Any in-flight packets for
// vppbIndex are allowed to drain (the forwarder's teardown pushes sentinels
// and waits, never discarding) before the physical link is detached.
func (vcs *VCS) UnbindVPPB(vppbIndex int) error {
	v, ok := vcs.VPPB(vppbIndex)
	if !ok {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcs %d: no vppb %d", vcs.ID, vppbIndex)
	}
	v.mu.Lock()
	if v.status != Bound {
		v.mu.Unlock()
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcs %d: vppb %d is not bound", vcs.ID, vppbIndex)
	}
	fwd := v.forwarder
	v.mu.Unlock()

	if fwd != nil {
		fwd.stop() // sentinel-before-detach ordering, per original_source/port_binder.py
	}

	v.mu.Lock()
	v.physical = nil
	v.forwarder = nil
	v.status = Unbound
	v.HDM.Reset()
	v.mu.Unlock()

	vcs.unwireRouterTables(vppbIndex)

	logrus.WithFields(logrus.Fields{"vcs": vcs.ID, "vppb": vppbIndex}).Info("vcs: vppb unbound")
	if vcs.onUpdate != nil {
		vcs.onUpdate(vppbIndex, Unbound)
	}
	return nil
}

// rewireRouterTables updates the BI and cache route tables for a newly
// bound vPPB, step 4 of §4.7.5 ("rewiring is idempotent" — calling this
// twice for the same binding is harmless since both tables are keyed maps).
func (vcs *VCS) rewireRouterTables(vppbIndex int, v *VPPB, secondaryBus uint8) {
	vcs.BIRoute.Set(uint16(secondaryBus), vppbIndex)
	vcs.CacheRoute.Set(v.CacheID.LocalCacheID, vppbIndex)
}

func (vcs *VCS) unwireRouterTables(vppbIndex int) {
	v, ok := vcs.VPPB(vppbIndex)
	if !ok {
		return
	}
	secondary, _ := v.Config.BusWindow()
	vcs.BIRoute.Delete(uint16(secondary))
	vcs.CacheRoute.Delete(v.CacheID.LocalCacheID)
}
