// Package cxlerr defines the sentinel error taxonomy shared across the
// switch. Callers classify an error with errors.Is/errors.Cause against one
// of the sentinels below; the wrapping preserves the originating cause for
// logs.
package cxlerr

import "github.com/pkg/errors"

// Sentinel errors, per spec §7's taxonomy.
var (
	// ErrMalformedPacket: decode failed (bad length, unknown type, invalid bit).
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrShortRead: transport closed mid-frame.
	ErrShortRead = errors.New("short read")
	// ErrProtocolViolation: sideband handshake received something other than
	// what the protocol allows at that point.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrConnectTimeout: a client exhausted its 120s retry budget.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrMisalignedAddress: a CXL.mem address is not a multiple of 0x40.
	ErrMisalignedAddress = errors.New("misaligned address")
	// ErrRoutingMiss: no vPPB claims the destination; caller decides the
	// per-class fallback (UR completion, zero-fill, drop).
	ErrRoutingMiss = errors.New("routing miss")
	// ErrConfigError: a Bind/Unbind or decoder-commit request is invalid.
	ErrConfigError = errors.New("configuration error")
)

// Wrap annotates err with msg while keeping it classifiable as sentinel via
// errors.Is (errors.Wrap wraps, it does not replace).
func Wrap(sentinel error, msg string) error {
	return errors.Wrap(sentinel, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(sentinel error, format string, args ...any) error {
	return errors.Wrapf(sentinel, format, args...)
}

// Is reports whether err is, or wraps, sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
