package fmcci

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/switchmgr"
	"github.com/cxlfabric/switchd/vcsmgr"
)

// notifyBuilder produces the vendor Notify CCI packet for one queued event,
// given whether the overflow bit should be set on it.
type notifyBuilder func(overflow bool) cxlpacket.CCI

// notifyRing is the bounded ring buffer §9's design note calls for: events
// from the switch connection manager and the VCS manager must never block
// on a slow or absent FM, so they are queued here and the bridge goroutine
// drains them independently. When the ring is full, the oldest pending
// notification is dropped and overflowPending is set; the next
// notification actually delivered carries that overflow bit.
type notifyRing struct {
	mu              sync.Mutex
	capacity        int
	items           []notifyBuilder
	overflowPending bool
	closed          chan struct{}
	closeOnce       sync.Once
}

func newNotifyRing(capacity int) *notifyRing {
	return &notifyRing{capacity: capacity, closed: make(chan struct{})}
}

// push enqueues build, dropping the oldest pending item and setting
// overflowPending if the ring is already at capacity.
func (r *notifyRing) push(build notifyBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
		r.overflowPending = true
	}
	r.items = append(r.items, build)
}

// pop dequeues the oldest pending item and invokes it with the current
// overflowPending bit, clearing that bit.
func (r *notifyRing) pop() (cxlpacket.CCI, bool) {
	r.mu.Lock()
	if len(r.items) == 0 {
		r.mu.Unlock()
		return cxlpacket.CCI{}, false
	}
	build := r.items[0]
	r.items = r.items[1:]
	overflow := r.overflowPending
	r.overflowPending = false
	r.mu.Unlock()
	return build(overflow), true
}

func (r *notifyRing) close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// notifyPollInterval is how often the bridge goroutine checks for pending
// notifications and a connected FM client. A short poll is an explicit
// sleep, one of §5's allowed suspension points.
const notifyPollInterval = 20 * time.Millisecond

// runNotifyBridge drains switchMgr and vcsMgr events into the ring, and
// separately drains the ring to the current FM connection whenever one is
// present, per §9's "single notify channel ... consumed by the CCI
// executor which wraps each event into a vendor-specific request."
func (e *Executor) runNotifyBridge() {
	ticker := time.NewTicker(notifyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-e.switchMgr.Events():
			if !ok {
				return
			}
			e.enqueuePortUpdate(ev)
		case ev, ok := <-e.vcsMgr.Events():
			if !ok {
				return
			}
			e.enqueueSwitchUpdate(ev)
		case <-ticker.C:
			e.drainNotifyRing()
		case <-e.ring.closed:
			return
		}
	}
}

func (e *Executor) drainNotifyRing() {
	conn := e.currentConn()
	if conn == nil {
		return
	}
	for {
		pkt, ok := e.ring.pop()
		if !ok {
			return
		}
		if err := conn.WritePacket(pkt); err != nil {
			logrus.WithError(err).Warn("fmcci: notify send failed")
			return
		}
		e.metrics.NotifySent.Inc()
	}
}

func (e *Executor) enqueuePortUpdate(ev switchmgr.PortUpdateEvent) {
	e.ring.push(func(overflow bool) cxlpacket.CCI {
		return buildNotify(cxlpacket.OpNotifyPortUpdate, overflow, encodePortUpdate(ev))
	})
}

func (e *Executor) enqueueSwitchUpdate(ev vcsmgr.SwitchUpdateEvent) {
	e.ring.push(func(overflow bool) cxlpacket.CCI {
		return buildNotify(cxlpacket.OpNotifySwitchUpdate, overflow, encodeSwitchUpdate(ev))
	})
}

// overflowFlagByte packs the §9 overflow bit into the low bit of the
// vendor Notify payload's first byte, ahead of the event-specific fields.
func overflowFlagByte(overflow bool) byte {
	if overflow {
		return 1
	}
	return 0
}

func buildNotify(opcode cxlpacket.CCIOpcode, overflow bool, body []byte) cxlpacket.CCI {
	payload := append([]byte{overflowFlagByte(overflow)}, body...)
	return cxlpacket.CCI{
		Header: cxlpacket.CCIMessageHeader{
			Category:      cxlpacket.CategoryRequest,
			MessageTag:    nextMessageTag(),
			CommandOpcode: opcode,
		},
		Payload: payload,
	}
}

func encodePortUpdate(ev switchmgr.PortUpdateEvent) []byte {
	connected := byte(0)
	if ev.Connected {
		connected = 1
	}
	return []byte{uint8(ev.PortIndex), connected}
}

func encodeSwitchUpdate(ev vcsmgr.SwitchUpdateEvent) []byte {
	return []byte{uint8(ev.VCSID), uint8(ev.VppbIndex), uint8(ev.BindingStatus)}
}
