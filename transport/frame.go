// Package transport frames a net.Conn into whole cxlpacket.Packet values.
// It plays the role the teacher's wrap.go decorator played around net.Conn
// (read/write bookkeeping, a reporting hook fired on state transitions) but
// frames packets instead of tracking raw byte counts.
package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/cxlpacket"
)

// State mirrors the teacher's Opened/Closed state pair, extended with the
// transport-level events the switch's connection manager needs to report.
type State int

const (
	Opened State = iota
	Closed
	ReadError
	WriteError
)

func (s State) String() string {
	switch s {
	case Opened:
		return "open"
	case Closed:
		return "close"
	case ReadError:
		return "read-error"
	case WriteError:
		return "write-error"
	default:
		return "unknown"
	}
}

// ReportFn is invoked on every state transition, mirroring the teacher's
// ReportStatsFn callback shape.
type ReportFn func(c *Conn, state State)

// Conn wraps a net.Conn, framing reads/writes into cxlpacket.Packet values
// and reporting byte/packet counters through an optional callback.
type Conn struct {
	net.Conn

	report ReportFn

	mu        sync.Mutex
	OpenedAt  time.Time
	ClosedAt  time.Time
	RxPackets int64
	TxPackets int64
	RxBytes   int64
	TxBytes   int64
	RxErr     error
	TxErr     error
}

// Wrap decorates ncon for packet framing and immediately reports Opened.
func Wrap(ncon net.Conn, report ReportFn) *Conn {
	c := &Conn{Conn: ncon, report: report, OpenedAt: time.Now()}
	c.fire(Opened)
	return c
}

func (c *Conn) fire(state State) {
	if c.report == nil {
		return
	}
	c.report(c, state)
}

// ReadPacket reads exactly one framed cxlpacket.Packet: the 3-byte envelope,
// then payload_length-EnvelopeSize more bytes, handing the whole frame to
// the codec. Per §4.2, a short read on the envelope or body is reported as
// cxlerr.ErrShortRead rather than propagated as a bare io.EOF/io.ErrUnexpectedEOF,
// so callers can distinguish "peer hung up cleanly" from "peer sent garbage".
func (c *Conn) ReadPacket() (cxlpacket.Packet, error) {
	envBuf := make([]byte, cxlpacket.EnvelopeSize)
	if _, err := io.ReadFull(c.Conn, envBuf); err != nil {
		c.recordReadErr(err)
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, cxlerr.Wrapf(cxlerr.ErrShortRead, "transport: envelope read: %v", err)
	}
	env, err := cxlpacket.DecodeEnvelope(envBuf)
	if err != nil {
		c.recordReadErr(err)
		return nil, err
	}
	bodyLen := int(env.PayloadLength) - cxlpacket.EnvelopeSize
	frame := make([]byte, cxlpacket.EnvelopeSize+bodyLen)
	copy(frame, envBuf)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.Conn, frame[cxlpacket.EnvelopeSize:]); err != nil {
			c.recordReadErr(err)
			return nil, cxlerr.Wrapf(cxlerr.ErrShortRead, "transport: body read: %v", err)
		}
	}
	p, err := cxlpacket.Decode(frame)
	if err != nil {
		c.recordReadErr(err)
		logrus.WithError(err).Warn("transport: malformed frame dropped")
		return nil, err
	}
	c.mu.Lock()
	c.RxPackets++
	c.RxBytes += int64(len(frame))
	c.mu.Unlock()
	return p, nil
}

// WritePacket encodes and writes a single packet, recording byte/packet
// counters on success and firing WriteError on failure.
func (c *Conn) WritePacket(p cxlpacket.Packet) error {
	buf := p.Encode()
	n, err := c.Conn.Write(buf)
	if err != nil {
		c.mu.Lock()
		c.TxErr = err
		c.mu.Unlock()
		c.fire(WriteError)
		return cxlerr.Wrapf(cxlerr.ErrProtocolViolation, "transport: write: %v", err)
	}
	c.mu.Lock()
	c.TxPackets++
	c.TxBytes += int64(n)
	c.mu.Unlock()
	return nil
}

func (c *Conn) recordReadErr(err error) {
	c.mu.Lock()
	c.RxErr = err
	c.mu.Unlock()
	if err != io.EOF {
		c.fire(ReadError)
	}
}

// Close closes the underlying connection and reports Closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.ClosedAt = time.Now()
	c.mu.Unlock()
	err := c.Conn.Close()
	c.fire(Closed)
	return err
}
