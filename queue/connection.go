// Package queue implements the bounded MPSC FifoPair/Connection model of
// §4.3: a Connection is five named FifoPairs (cfg, mmio, cxl_mem, cxl_cache,
// cci), each carrying two directions (host_to_target, target_to_host). It
// plays the role the teacher's mutex-guarded map[net.Conn]entry registry in
// pkg/exporter/exporter.go played — one shared, lock-protected piece of
// per-connection state — but swaps the map for bounded channels, since the
// spec's queues need blocking producer/consumer semantics rather than a
// point-in-time snapshot.
package queue

import "github.com/cxlfabric/switchd/cxlpacket"

// DefaultCapacity is the recommended bound from §4.3.
const DefaultCapacity = 256

// Queue is a bounded MPSC channel of packets. A nil value pushed onto the
// queue is the "None" sentinel: it tells the consumer to drain whatever
// preceded it and stop.
type Queue struct {
	ch chan cxlpacket.Packet
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan cxlpacket.Packet, capacity)}
}

// Push enqueues p, blocking while the queue is full. Any number of producers
// may call Push concurrently.
func (q *Queue) Push(p cxlpacket.Packet) {
	q.ch <- p
}

// Pop dequeues the next value. ok is false when the value is the "None"
// sentinel; the caller must stop consuming after acting on it.
func (q *Queue) Pop() (p cxlpacket.Packet, ok bool) {
	p = <-q.ch
	return p, p != nil
}

// Stop pushes the "None" sentinel. It may be called more than once; extra
// sentinels are harmless since Pop's contract is "stop after seeing one".
func (q *Queue) Stop() {
	q.Push(nil)
}

// Chan exposes the underlying channel for select-based fair multiplexing
// across several queues (the processor's outbound round-robin drain).
func (q *Queue) Chan() chan cxlpacket.Packet { return q.ch }

// FifoPair is one class's pair of directional queues.
type FifoPair struct {
	HostToTarget *Queue
	TargetToHost *Queue
}

func newFifoPair(capacity int) FifoPair {
	return FifoPair{
		HostToTarget: NewQueue(capacity),
		TargetToHost: NewQueue(capacity),
	}
}

// Connection bundles the five class FifoPairs a Port owns for its lifetime.
type Connection struct {
	Cfg      FifoPair
	Mmio     FifoPair
	CxlMem   FifoPair
	CxlCache FifoPair
	Cci      FifoPair
}

// NewConnection allocates a Connection with DefaultCapacity queues.
func NewConnection() *Connection {
	return NewConnectionWithCapacity(DefaultCapacity)
}

// NewConnectionWithCapacity allocates a Connection with the given per-queue
// capacity, mainly for tests that want to exercise backpressure without
// queuing 256 packets first.
func NewConnectionWithCapacity(capacity int) *Connection {
	return &Connection{
		Cfg:      newFifoPair(capacity),
		Mmio:     newFifoPair(capacity),
		CxlMem:   newFifoPair(capacity),
		CxlCache: newFifoPair(capacity),
		Cci:      newFifoPair(capacity),
	}
}

// fifoPairs returns the five pairs in a stable order, used by StopAll to
// stop both directions of every pair.
func (c *Connection) fifoPairs() [5]FifoPair {
	return [5]FifoPair{c.Cfg, c.Mmio, c.CxlMem, c.CxlCache, c.Cci}
}

// StopAll pushes the "None" sentinel onto every queue in both directions,
// the mechanism §5 specifies for initiating shutdown of a component that
// owns this Connection.
func (c *Connection) StopAll() {
	for _, fp := range c.fifoPairs() {
		fp.HostToTarget.Stop()
		fp.TargetToHost.Stop()
	}
}
