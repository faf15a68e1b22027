// Package vcsmgr implements the virtual switch manager of §2/§4.7.5: the
// lifecycle of every configured VCS instance, the Bind/Unbind dispatch
// surface the FM executor calls into, and the SwitchUpdateEvent stream fed
// by each VCS's bind/unbind transitions.
package vcsmgr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/port"
	"github.com/cxlfabric/switchd/runlife"
	"github.com/cxlfabric/switchd/vcs"
)

// SwitchUpdateEvent reports one vPPB's bind/unbind transition, per §4.7.5's
// "Emit SwitchUpdateEvent{vcs_id, vppb_index, binding_status}".
type SwitchUpdateEvent struct {
	VCSID         int
	VppbIndex     int
	BindingStatus vcs.BindStatus
}

const eventBufferSize = 64

// PortLookup resolves a physical port index to its Device, the way the
// switch connection manager's port table is consulted by Bind. Kept as an
// interface so vcsmgr does not import switchmgr (the manager depends on
// ports existing, not on how they were accepted).
type PortLookup interface {
	Port(index int) (*port.Device, bool)
}

// Manager owns every configured VCS for the switch's lifetime.
type Manager struct {
	Runnable *runlife.Runnable

	ports  PortLookup
	events chan SwitchUpdateEvent

	mu   sync.RWMutex
	vcss map[int]*vcs.VCS
}

// NewManager constructs a Manager with one vcs.VCS per cfg.VCSs entry. Each
// VCS's onUpdate hook is wired to publish a SwitchUpdateEvent.
func NewManager(cfg *config.Config, ports PortLookup) *Manager {
	m := &Manager{
		Runnable: runlife.NewRunnable("vcsmgr"),
		ports:    ports,
		events:   make(chan SwitchUpdateEvent, eventBufferSize),
		vcss:     make(map[int]*vcs.VCS, len(cfg.VCSs)),
	}
	for _, vc := range cfg.VCSs {
		indexes := make([]int, len(vc.VPPBs))
		for i, v := range vc.VPPBs {
			indexes[i] = v.Index
		}
		id := vc.ID
		v := vcs.New(id, indexes, func(vppbIndex int, status vcs.BindStatus) {
			m.publish(SwitchUpdateEvent{VCSID: id, VppbIndex: vppbIndex, BindingStatus: status})
		})
		m.vcss[id] = v
	}
	// Apply any statically configured initial bindings after every VCS
	// exists, so a vPPB's physical_port can reference a port declared
	// anywhere in config regardless of declaration order.
	for _, vcCfg := range cfg.VCSs {
		v := m.vcss[vcCfg.ID]
		for _, vppbCfg := range vcCfg.VPPBs {
			if vppbCfg.PhysicalPort < 0 {
				continue
			}
			dev, ok := ports.Port(vppbCfg.PhysicalPort)
			if !ok {
				logrus.WithFields(logrus.Fields{"vcs": vcCfg.ID, "vppb": vppbCfg.Index, "physical": vppbCfg.PhysicalPort}).
					Warn("vcsmgr: initial bind references unknown physical port, leaving unbound")
				continue
			}
			if err := v.BindVPPB(vppbCfg.Index, dev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"vcs": vcCfg.ID, "vppb": vppbCfg.Index}).
					Warn("vcsmgr: initial bind failed, leaving unbound")
			}
		}
	}
	return m
}

// VCS returns the VCS with the given id, if configured.
func (m *Manager) VCS(id int) (*vcs.VCS, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vcss[id]
	return v, ok
}

// VCSs returns every configured VCS, for the FM's Get Virtual CXL Switch
// Info opcode.
func (m *Manager) VCSs() []*vcs.VCS {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*vcs.VCS, 0, len(m.vcss))
	for _, v := range m.vcss {
		out = append(out, v)
	}
	return out
}

// Events returns the SwitchUpdateEvent stream, drained by the FM executor's
// notify bridge.
func (m *Manager) Events() <-chan SwitchUpdateEvent { return m.events }

// Run starts every VCS's routers concurrently and blocks until Stop drains
// all of them, mirroring the parent-awaits-all-readiness-signals pattern of
// §5.
func (m *Manager) Run() {
	m.Runnable.MarkStarting()
	vcss := m.VCSs()
	var wg sync.WaitGroup
	wg.Add(len(vcss))
	for _, v := range vcss {
		v := v
		go func() {
			defer wg.Done()
			v.Run()
		}()
	}
	for _, v := range vcss {
		<-v.Runnable.Ready()
	}
	m.Runnable.MarkReady()
	wg.Wait()
	m.Runnable.MarkStopped()
}

// Stop signals every VCS to drain and exit.
func (m *Manager) Stop() {
	m.Runnable.MarkStopping()
	for _, v := range m.VCSs() {
		v.Stop()
	}
}

// Bind dispatches Bind vPPB (§4.7.5 / CCI opcode 0x5201): look up the VCS
// and the target physical port, then delegate to vcs.VCS.BindVPPB.
func (m *Manager) Bind(vcsID, vppbIndex, physicalPort int) error {
	v, ok := m.VCS(vcsID)
	if !ok {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcsmgr: no vcs %d", vcsID)
	}
	dev, ok := m.ports.Port(physicalPort)
	if !ok {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcsmgr: no physical port %d", physicalPort)
	}
	return v.BindVPPB(vppbIndex, dev)
}

// Unbind dispatches Unbind vPPB (CCI opcode 0x5202).
func (m *Manager) Unbind(vcsID, vppbIndex int) error {
	v, ok := m.VCS(vcsID)
	if !ok {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "vcsmgr: no vcs %d", vcsID)
	}
	return v.UnbindVPPB(vppbIndex)
}

func (m *Manager) publish(ev SwitchUpdateEvent) {
	select {
	case m.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{"vcs": ev.VCSID, "vppb": ev.VppbIndex}).
			Warn("vcsmgr: event channel full, dropping switch-update event")
	}
}
