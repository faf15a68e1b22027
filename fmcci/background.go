package fmcci

import (
	"sync"

	"github.com/cxlfabric/switchd/cxlpacket"
)

// backgroundTracker records the single outstanding background command this
// Executor permits at a time (§4.8: background commands "start, report
// status via a polling opcode"; §5 forbids pipelining more than one
// outstanding command per connection, and this emulator extends that to at
// most one in-flight background operation switch-wide, which every
// supported background-capable opcode respects).
type backgroundTracker struct {
	mu      sync.Mutex
	active  bool
	opcode  cxlpacket.CCIOpcode
	percent uint8
	done    bool
	rc      cxlpacket.ReturnCode
}

func newBackgroundTracker() *backgroundTracker {
	return &backgroundTracker{}
}

// start marks opcode as the in-flight background command, runs work, and
// records its outcome for later polling via handleStatus. Every command
// this emulator backs is cheap and purely local (no real link training or
// device I/O), so work runs before start returns rather than on a separate
// goroutine — the FM still sees the start/poll protocol surface (the
// initial response is BACKGROUND_COMMAND_STARTED, per dispatch's
// background-return-code override) and a status poll immediately after
// will reliably observe percent=100/done=true. Returns false if another
// background command is already in flight.
func (t *backgroundTracker) start(opcode cxlpacket.CCIOpcode, work func() cxlpacket.ReturnCode) bool {
	t.mu.Lock()
	if t.active && !t.done {
		t.mu.Unlock()
		return false
	}
	t.active = true
	t.opcode = opcode
	t.percent = 0
	t.done = false
	t.mu.Unlock()

	rc := work()

	t.mu.Lock()
	t.percent = 100
	t.done = true
	t.rc = rc
	t.mu.Unlock()
	return true
}

// handleStatus implements CCI opcode 0x0002, Background Operation Status:
// reports the in-flight (or most recently completed) command's opcode,
// percent complete, and return code once done.
func (t *backgroundTracker) handleStatus(req cxlpacket.CCI) ([]byte, cxlpacket.ReturnCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return []byte{0, 0, 0, 0, 0}, cxlpacket.RCInvalidInput, false
	}
	buf := make([]byte, 5)
	buf[0] = t.percent
	doneByte := uint8(0)
	if t.done {
		doneByte = 1
	}
	buf[1] = doneByte
	buf[2] = uint8(t.opcode)
	buf[3] = uint8(t.opcode >> 8)
	buf[4] = uint8(t.rc)
	return buf, cxlpacket.RCSuccess, false
}
