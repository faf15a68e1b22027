// Package switchmgr implements the switch connection manager of §4.5: a
// TCP listener, the sideband handshake that binds an accepted socket to a
// declared physical port, the port table, and the port-up/port-down event
// stream. It is grounded on the teacher's cmd/exporter_example2/main.go
// accept loop (an http.Server{ConnState: ...} wired to a
// prometheus.Collector) — generalized here from an HTTP ConnState hook
// into a raw net.Listener accept loop that runs an explicit handshake
// before a connection is admitted to the port table.
package switchmgr

import (
	"net"
	"sync"
	"time"

	"github.com/higebu/netfd"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/port"
	"github.com/cxlfabric/switchd/processor"
	"github.com/cxlfabric/switchd/runlife"
	"github.com/cxlfabric/switchd/transport"
)

// PortUpdateEvent reports a port's connected transition, per §4.5's "emit
// PortUpdateEvent{port_id, connected}".
type PortUpdateEvent struct {
	PortIndex int
	Connected bool
}

// eventBufferSize bounds the manager's own event channel. The data plane
// must never stall waiting for the FM to drain events (§9), so Manager
// sends non-blocking and logs an overflow warning rather than letting an
// accept loop or a processor's exit hook block.
const eventBufferSize = 64

// Manager owns the TCP listener, the port table, and the port-event
// stream. One Manager serves every physical port declared in config.
type Manager struct {
	Runnable *runlife.Runnable

	cfg      *config.Config
	listener net.Listener
	events   chan PortUpdateEvent

	mu    sync.RWMutex
	ports map[int]*port.Device

	wg sync.WaitGroup
}

// NewManager constructs a Manager with one port.Device per cfg.Ports entry,
// unconnected, ready to accept.
func NewManager(cfg *config.Config) *Manager {
	ports := make(map[int]*port.Device, len(cfg.Ports))
	for _, pc := range cfg.Ports {
		ports[pc.Index] = port.NewDevice(uint8(pc.Index), pc.Type)
	}
	return &Manager{
		Runnable: runlife.NewRunnable("switchmgr"),
		cfg:      cfg,
		events:   make(chan PortUpdateEvent, eventBufferSize),
		ports:    ports,
	}
}

// Port returns the physical port device at index, if declared.
func (m *Manager) Port(index int) (*port.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.ports[index]
	return d, ok
}

// Ports returns a stable-order snapshot of every physical port, used by the
// FM's Get Physical Port State / Get Connected Devices opcodes.
func (m *Manager) Ports() []*port.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*port.Device, 0, len(m.ports))
	for _, pc := range m.cfg.Ports {
		out = append(out, m.ports[pc.Index])
	}
	return out
}

// Events returns the channel of port connect/disconnect transitions. The FM
// executor's notify bridge is the intended sole consumer.
func (m *Manager) Events() <-chan PortUpdateEvent { return m.events }

// Addr returns the listener's bound address, valid once Runnable.Ready is
// closed. Used by tests that bind to ":0" and need the ephemeral port.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// listenerSnapshot returns the bound listener under the read lock, or nil
// before Run has bound one.
func (m *Manager) listenerSnapshot() net.Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener
}

// Run binds the listener and accepts connections until Stop closes it.
// Each accepted socket runs the §4.5 handshake on its own goroutine so a
// slow or hostile peer on one socket never blocks another's handshake.
func (m *Manager) Run() error {
	m.Runnable.MarkStarting()
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "switchmgr: listen %s: %v", m.cfg.ListenAddr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()
	logrus.WithField("addr", ln.Addr()).Info("switchmgr: listening")
	m.Runnable.MarkReady()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.WithError(err).Info("switchmgr: accept loop exiting")
			break
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveHandshake(conn)
		}()
	}
	m.wg.Wait()
	m.Runnable.MarkStopped()
	return nil
}

// Stop closes the listener, which unblocks Accept, and pushes the stop
// sentinel onto every port's Connection. It does not close accepted
// transports and does not wait for goroutines; Run returns once every
// in-flight handshake/processor goroutine has exited.
func (m *Manager) Stop() {
	m.Runnable.MarkStopping()
	if ln := m.listenerSnapshot(); ln != nil {
		ln.Close()
	}
	for _, d := range m.Ports() {
		d.Conn.StopAll()
	}
}

// serveHandshake implements §4.5 steps 1-3 for one accepted socket: read
// exactly one sideband frame, validate it, accept or reject, and on accept
// spawn a packet processor bound to the port's Connection for the life of
// the transport.
func (m *Manager) serveHandshake(raw net.Conn) {
	corrID := xid.New().String()
	fd := netfd.GetFdFromConn(raw)
	log := logrus.WithFields(logrus.Fields{"corr_id": corrID, "fd": fd, "remote": raw.RemoteAddr()})

	tc := transport.Wrap(raw, nil)
	pkt, err := tc.ReadPacket()
	if err != nil {
		log.WithError(err).Warn("switchmgr: handshake read failed, closing")
		tc.Close()
		return
	}
	sb, ok := pkt.(cxlpacket.Sideband)
	if !ok || sb.Type != cxlpacket.ConnectionRequest {
		log.Warn("switchmgr: expected CONNECTION_REQUEST, rejecting")
		m.reject(tc)
		return
	}

	dev, err := m.admit(int(sb.PortIndex), sb.ComponentKind)
	if err != nil {
		log.WithError(err).WithField("declared_port", sb.PortIndex).Warn("switchmgr: handshake rejected")
		m.reject(tc)
		return
	}

	if err := tc.WritePacket(cxlpacket.Sideband{Type: cxlpacket.ConnectionAccept}); err != nil {
		log.WithError(err).Warn("switchmgr: accept write failed")
		dev.SetConnected(false)
		tc.Close()
		return
	}
	log.WithField("port", dev.Index).Info("switchmgr: port connected")
	m.publish(PortUpdateEvent{PortIndex: int(dev.Index), Connected: true})

	// The switch terminates the connection from the device/host's
	// perspective, so mismatched class-header port_index fields are
	// logged and dropped rather than trusted (§4.4).
	proc := processor.New(tc, dev.Conn, dev.Index, processor.SwitchSide, func() {
		m.onPortDown(dev, corrID)
	})
	proc.Run()
}

// admit implements §4.5 step 2: the declared port index must be in range
// and currently disconnected, and the declared component kind must match
// the configured type of that port.
func (m *Manager) admit(portIndex int, declared cxlpacket.ComponentKind) (*port.Device, error) {
	if portIndex < 0 || portIndex >= m.cfg.PortCount() {
		return nil, cxlerr.Wrapf(cxlerr.ErrProtocolViolation, "switchmgr: port_index %d out of range", portIndex)
	}
	dev, ok := m.Port(portIndex)
	if !ok {
		return nil, cxlerr.Wrapf(cxlerr.ErrProtocolViolation, "switchmgr: port_index %d not configured", portIndex)
	}
	if dev.Connected() {
		return nil, cxlerr.Wrapf(cxlerr.ErrProtocolViolation, "switchmgr: port %d already connected", portIndex)
	}
	if !componentKindMatches(dev.Kind, declared) {
		return nil, cxlerr.Wrapf(cxlerr.ErrProtocolViolation, "switchmgr: port %d expects %v, got %v", portIndex, dev.Kind, declared)
	}
	dev.SetConnected(true)
	return dev, nil
}

// componentKindMatches implements the mask described in §4.5 step 2: a
// USP-configured port only accepts a host declaring itself USP; a
// DSP-configured port accepts any device-side declaration (DSP, Type-2,
// Type-3), since the port's configured kind records the switch port's own
// role while the declared kind records what physically attached to it.
func componentKindMatches(portKind, declared cxlpacket.ComponentKind) bool {
	if portKind == cxlpacket.ComponentUSP {
		return declared == cxlpacket.ComponentUSP
	}
	switch declared {
	case cxlpacket.ComponentDSP, cxlpacket.ComponentType2, cxlpacket.ComponentType3:
		return true
	default:
		return false
	}
}

func (m *Manager) reject(tc *transport.Conn) {
	_ = tc.WritePacket(cxlpacket.Sideband{Type: cxlpacket.ConnectionReject})
	tc.Close()
}

// onPortDown implements §4.5's "on processor exit: emit
// PortUpdateEvent{connected=false} and allow the port to accept a new
// connection."
func (m *Manager) onPortDown(dev *port.Device, corrID string) {
	dev.SetConnected(false)
	logrus.WithFields(logrus.Fields{"corr_id": corrID, "port": dev.Index}).Info("switchmgr: port disconnected")
	m.publish(PortUpdateEvent{PortIndex: int(dev.Index), Connected: false})
}

// publish sends ev without blocking; a full channel means the FM notify
// bridge has fallen behind, which must never stall the accept loop or a
// processor's shutdown path.
func (m *Manager) publish(ev PortUpdateEvent) {
	select {
	case m.events <- ev:
	default:
		logrus.WithField("port", ev.PortIndex).Warn("switchmgr: event channel full, dropping port-update event")
	}
}

// ConnectTimeout implements §5's client-side retry contract: dial addr,
// retrying every second for up to 120s and logging progress every 5s,
// returning cxlerr.ErrConnectTimeout if no attempt succeeds in time. This is
// used by test harnesses and simulated host/device clients, not by the
// switch itself (the switch only ever accepts).
func ConnectTimeout(network, addr string) (net.Conn, error) {
	deadline := time.Now().Add(120 * time.Second)
	lastLog := time.Now()
	for {
		conn, err := net.Dial(network, addr)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, cxlerr.Wrapf(cxlerr.ErrConnectTimeout, "switchmgr: could not connect to %s: %v", addr, err)
		}
		if time.Since(lastLog) >= 5*time.Second {
			logrus.WithField("addr", addr).Info("switchmgr: still retrying connection")
			lastLog = time.Now()
		}
		time.Sleep(1 * time.Second)
	}
}
