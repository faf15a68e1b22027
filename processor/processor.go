// Package processor implements the packet processor of §4.4: binds one
// transport to one queue.Connection and runs an inbound pump (classify each
// frame onto the matching queue) and an outbound pump (round-robin drain
// the five outbound queues onto the transport). It is grounded on the
// teacher's accept-goroutine/read-loop-goroutine pairing in
// cmd/exporter_example2/main.go, generalized from "one goroutine reports
// stats, one goroutine serves HTTP" into "one goroutine pumps inbound, one
// pumps outbound".
package processor

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/queue"
	"github.com/cxlfabric/switchd/runlife"
	"github.com/cxlfabric/switchd/transport"
)

// Side distinguishes which end of the wire this processor runs on, since
// §4.4's port-index-mismatch handling differs by side.
type Side int

const (
	// SwitchSide is the switch's own processor for a port's transport:
	// mismatched port-index fields are logged and dropped.
	SwitchSide Side = iota
	// ClientSide is a simulated host/device endpoint: mismatched
	// port-index fields are accepted verbatim (the client trusts the
	// switch).
	ClientSide
)

// queueKind names one of the five Connection queues, used both for
// classification and for the outbound round-robin order.
type queueKind int

const (
	kindCfg queueKind = iota
	kindMmio
	kindCxlMem
	kindCxlCache
	kindCci
)

// Processor binds one transport.Conn to one queue.Connection and pumps
// frames between them.
type Processor struct {
	Runnable *runlife.Runnable

	conn       *transport.Conn
	q          *queue.Connection
	portIndex  uint8
	side       Side
	onPortDown func()

	mu          sync.Mutex
	pendingKind map[uint16]queueKind // req_id -> origin queue, for CXL.io completions

	portDownOnce sync.Once
}

// New constructs a Processor bound to conn and q for the given port index
// and side. onPortDown is invoked exactly once, when the transport reaches
// EOF or a fatal write error, per §4.4's "on transport EOF the processor
// emits a PORT-DOWN event upward and exits".
func New(conn *transport.Conn, q *queue.Connection, portIndex uint8, side Side, onPortDown func()) *Processor {
	return &Processor{
		Runnable:    runlife.NewRunnable("processor"),
		conn:        conn,
		q:           q,
		portIndex:   portIndex,
		side:        side,
		onPortDown:  onPortDown,
		pendingKind: make(map[uint16]queueKind),
	}
}

// Run starts the inbound and outbound pumps and blocks until both exit.
func (p *Processor) Run() {
	p.Runnable.MarkStarting()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.pumpInbound() }()
	go func() { defer wg.Done(); p.pumpOutbound() }()
	p.Runnable.MarkReady()
	wg.Wait()
	p.Runnable.MarkStopped()
}

// Stop requests shutdown by draining both directions of every queue with
// the "None" sentinel, per §5's cancellation contract.
func (p *Processor) Stop() {
	p.Runnable.MarkStopping()
	p.q.StopAll()
}

// pumpInbound reads frames off the transport and classifies each onto the
// matching queue's host_to_target direction.
func (p *Processor) pumpInbound() {
	for {
		pkt, err := p.conn.ReadPacket()
		if err != nil {
			if err == io.EOF {
				logrus.WithField("port", p.portIndex).Info("processor: transport EOF, port down")
			} else {
				logrus.WithError(err).WithField("port", p.portIndex).Warn("processor: inbound read failed, port down")
			}
			p.emitPortDown()
			return
		}
		p.classifyAndEnqueue(pkt)
	}
}

func (p *Processor) classifyAndEnqueue(pkt cxlpacket.Packet) {
	switch v := pkt.(type) {
	case cxlpacket.CxlIo:
		p.handleCxlIo(v)
	case cxlpacket.CxlCache:
		if p.checkPortIndex(v.Class.PortIndex) {
			p.q.CxlCache.HostToTarget.Push(v)
		}
	case cxlpacket.CxlMem:
		if p.checkPortIndex(v.Class.PortIndex) {
			p.q.CxlMem.HostToTarget.Push(v)
		}
	case cxlpacket.CCI:
		p.q.Cci.HostToTarget.Push(v)
	case cxlpacket.Sideband:
		logrus.WithField("port", p.portIndex).Warn("processor: unexpected post-handshake sideband frame, dropped")
	default:
		logrus.WithField("port", p.portIndex).Warn("processor: unclassifiable frame dropped")
	}
}

func (p *Processor) handleCxlIo(v cxlpacket.CxlIo) {
	switch v.Kind {
	case cxlpacket.CxlIoCfgRd0, cxlpacket.CxlIoCfgRd1, cxlpacket.CxlIoCfgWr0, cxlpacket.CxlIoCfgWr1:
		p.q.Cfg.HostToTarget.Push(v)
	case cxlpacket.CxlIoMemRd, cxlpacket.CxlIoMemWr:
		p.q.Mmio.HostToTarget.Push(v)
	case cxlpacket.CxlIoCompletion, cxlpacket.CxlIoCompletionData:
		kind := p.resolvePendingKind(v.Completion.ReqID)
		if kind == kindCfg {
			p.q.Cfg.HostToTarget.Push(v)
		} else {
			p.q.Mmio.HostToTarget.Push(v)
		}
	}
}

// checkPortIndex enforces §4.4's side-dependent mismatch policy for frames
// that carry an explicit class-header port_index.
func (p *Processor) checkPortIndex(got uint8) bool {
	if got == p.portIndex || p.side == ClientSide {
		return true
	}
	logrus.WithFields(logrus.Fields{"expected": p.portIndex, "got": got}).Warn("processor: port_index mismatch, dropped")
	return false
}

// NotePendingCfgReq records that an outbound CfgReq with this req_id
// originated on the cfg queue, so the completion it elicits can be routed
// back to the same queue instead of guessed at.
func (p *Processor) NotePendingCfgReq(reqID uint16) { p.notePending(reqID, kindCfg) }

// NotePendingMemReq is NotePendingCfgReq's mmio counterpart.
func (p *Processor) NotePendingMemReq(reqID uint16) { p.notePending(reqID, kindMmio) }

func (p *Processor) notePending(reqID uint16, kind queueKind) {
	p.mu.Lock()
	p.pendingKind[reqID] = kind
	p.mu.Unlock()
}

func (p *Processor) resolvePendingKind(reqID uint16) queueKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind, ok := p.pendingKind[reqID]
	if !ok {
		return kindMmio
	}
	delete(p.pendingKind, reqID)
	return kind
}

// pumpOutbound round-robin drains the five outbound (target_to_host)
// queues via a fair select, writing each dequeued packet to the transport,
// and stops as soon as any queue yields the "None" sentinel.
func (p *Processor) pumpOutbound() {
	cfg := p.q.Cfg.TargetToHost.Chan()
	mmio := p.q.Mmio.TargetToHost.Chan()
	cxlMem := p.q.CxlMem.TargetToHost.Chan()
	cxlCache := p.q.CxlCache.TargetToHost.Chan()
	cci := p.q.Cci.TargetToHost.Chan()
	for {
		var pkt cxlpacket.Packet
		select {
		case pkt = <-cfg:
		case pkt = <-mmio:
		case pkt = <-cxlMem:
		case pkt = <-cxlCache:
		case pkt = <-cci:
		}
		if pkt == nil {
			logrus.WithField("port", p.portIndex).Debug("processor: outbound sentinel, stopping")
			return
		}
		if err := p.conn.WritePacket(pkt); err != nil {
			logrus.WithError(err).WithField("port", p.portIndex).Warn("processor: outbound write failed, port down")
			p.emitPortDown()
			return
		}
	}
}

func (p *Processor) emitPortDown() {
	p.portDownOnce.Do(func() {
		if p.onPortDown != nil {
			p.onPortDown()
		}
	})
}
