// Package runlife implements the Runnable lifecycle contract shared by
// every long-lived component (§5): NEW → STARTING → RUNNING → STOPPING →
// STOPPED, with a readiness signal a parent can wait on before declaring
// itself RUNNING.
package runlife

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is one point in the Runnable lifecycle.
type State int

const (
	New State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Runnable tracks one component's lifecycle state and readiness gate. It is
// held by pointer, as a Runnable field, in components that need the contract;
// callers drive transitions explicitly rather than the type managing its
// own goroutine, since each component's "running" loop has a different
// shape (accept loop, pump loop, CCI loop, ...).
type Runnable struct {
	mu      sync.Mutex
	state   State
	ready   chan struct{}
	stopped chan struct{}
	name    string
}

// NewRunnable constructs a Runnable in state NEW, identified by name for
// log lines.
func NewRunnable(name string) *Runnable {
	return &Runnable{
		state:   New,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
		name:    name,
	}
}

// State returns the current lifecycle state.
func (r *Runnable) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runnable) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	logrus.WithFields(logrus.Fields{"component": r.name, "from": from, "to": to}).Debug("runlife: transition")
}

// MarkStarting transitions NEW → STARTING.
func (r *Runnable) MarkStarting() { r.transition(Starting) }

// MarkReady signals readiness and transitions STARTING → RUNNING. Safe to
// call at most once; a second call panics, since readiness is an edge, not
// a level.
func (r *Runnable) MarkReady() {
	close(r.ready)
	r.transition(Running)
}

// Ready returns a channel closed once MarkReady has been called, the signal
// a parent awaits before declaring itself RUNNING.
func (r *Runnable) Ready() <-chan struct{} { return r.ready }

// MarkStopping transitions into STOPPING. Idempotent: calling it again once
// already STOPPING or STOPPED is a no-op, matching §5's "stopping is
// idempotent".
func (r *Runnable) MarkStopping() {
	r.mu.Lock()
	if r.state == Stopping || r.state == Stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.transition(Stopping)
}

// MarkStopped transitions into STOPPED and signals Stopped. Idempotent.
func (r *Runnable) MarkStopped() {
	r.mu.Lock()
	if r.state == Stopped {
		r.mu.Unlock()
		return
	}
	r.state = Stopped
	r.mu.Unlock()
	close(r.stopped)
	logrus.WithField("component", r.name).Debug("runlife: stopped")
}

// Stopped returns a channel closed once MarkStopped has run.
func (r *Runnable) Stopped() <-chan struct{} { return r.stopped }
