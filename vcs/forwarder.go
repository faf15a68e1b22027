package vcs

import (
	"sync"

	"github.com/cxlfabric/switchd/queue"
)

// bindForwarder shuttles frames between a vPPB's own stable Connection and
// the physical DSP's Connection for as long as the two are bound, per
// §4.7.5's "bind processor whose only job is to forward both directions
// between vPPB.downstream and DSP.transport queues."
//
// Teardown pushes a sentinel onto every queue a forwardLoop reads from and
// waits for all ten loops to exit before the caller detaches the physical
// reference — sentinel before detach, never the reverse, so a frame already
// in flight is always delivered rather than dropped.
type bindForwarder struct {
	wg       sync.WaitGroup
	vppbConn *queue.Connection
	physConn *queue.Connection
}

type fifoAccessor func(*queue.Connection) *queue.FifoPair

var allFifos = []fifoAccessor{
	func(c *queue.Connection) *queue.FifoPair { return &c.Cfg },
	func(c *queue.Connection) *queue.FifoPair { return &c.Mmio },
	func(c *queue.Connection) *queue.FifoPair { return &c.CxlMem },
	func(c *queue.Connection) *queue.FifoPair { return &c.CxlCache },
	func(c *queue.Connection) *queue.FifoPair { return &c.Cci },
}

// newBindForwarder starts the ten forwarding goroutines: for each of the
// five queue classes, vppbConn's TargetToHost (what a router queued for
// delivery to the device) drains into physConn's TargetToHost (what the
// port's own processor actually writes to the wire), and physConn's
// HostToTarget (what arrived from the device) drains into vppbConn's
// HostToTarget (what a router reads as this vPPB's inbound traffic).
func newBindForwarder(vppbConn, physConn *queue.Connection) *bindForwarder {
	f := &bindForwarder{vppbConn: vppbConn, physConn: physConn}
	for _, get := range allFifos {
		vp := get(vppbConn)
		ph := get(physConn)
		f.wg.Add(2)
		go f.relay(vp.TargetToHost, ph.TargetToHost)
		go f.relay(ph.HostToTarget, vp.HostToTarget)
	}
	return f
}

func (f *bindForwarder) relay(from, to *queue.Queue) {
	defer f.wg.Done()
	for {
		pkt, ok := from.Pop()
		if !ok {
			return
		}
		to.Push(pkt)
	}
}

// stop pushes the stop sentinel onto every queue a relay reads from and
// blocks until all ten goroutines have exited.
func (f *bindForwarder) stop() {
	for _, get := range allFifos {
		get(f.vppbConn).TargetToHost.Stop()
		get(f.physConn).HostToTarget.Stop()
	}
	f.wg.Wait()
}
