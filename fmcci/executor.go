// Package fmcci implements the Fabric Manager CCI executor of §4.8: a
// long-lived MCTP-over-TCP request/response loop that owns an opcode
// registry, dispatches Bind/Unbind and state-query commands, reports
// background-command progress, and bridges PortUpdate/SwitchUpdate events
// to the FM as vendor-specific Notify requests. Grounded on the teacher's
// prometheus.Collector wiring in pkg/exporter/exporter.go (metrics.go) and
// on cmd/exporter_example2/main.go's accept-loop-feeding-a-collector shape
// (executor.go's Run).
package fmcci

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/config"
	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/runlife"
	"github.com/cxlfabric/switchd/switchmgr"
	"github.com/cxlfabric/switchd/transport"
	"github.com/cxlfabric/switchd/vcsmgr"
)

// Handler implements one CCI opcode: given the decoded request, it returns
// the response payload, return code, and whether the command was
// dispatched to run in the background (in which case dispatch reports
// BACKGROUND_COMMAND_STARTED and the command's eventual result is read
// through Background Operation Status, not from payload).
type Handler func(req cxlpacket.CCI) (payload []byte, rc cxlpacket.ReturnCode, background bool)

// tunnelTimeout bounds how long Tunnel Management Command waits for the
// targeted port's CCI queue to produce a reply before failing the tunnel
// with RCInternalErr, so one unresponsive device can never wedge the FM
// channel open forever (§5's "no mutex held across a suspension point" —
// time.After is the suspension point here).
const tunnelTimeout = 5 * time.Second

// Executor is the Fabric Manager's out-of-band command channel.
type Executor struct {
	Runnable *runlife.Runnable

	cfg       *config.Config
	switchMgr *switchmgr.Manager
	vcsMgr    *vcsmgr.Manager
	metrics   *Metrics
	registry  map[cxlpacket.CCIOpcode]Handler

	listener net.Listener
	wg       sync.WaitGroup

	connMu sync.Mutex
	conn   *transport.Conn

	ring *notifyRing
	ld   *ldAllocations
	bg   *backgroundTracker
}

// NewExecutor constructs an Executor wired to switchMgr and vcsMgr for
// state queries and Bind/Unbind dispatch.
func NewExecutor(cfg *config.Config, switchMgr *switchmgr.Manager, vcsMgr *vcsmgr.Manager) *Executor {
	e := &Executor{
		Runnable:  runlife.NewRunnable("fmcci"),
		cfg:       cfg,
		switchMgr: switchMgr,
		vcsMgr:    vcsMgr,
		metrics:   NewMetrics(),
		ring:      newNotifyRing(256),
		ld:        newLDAllocations(cfg),
		bg:        newBackgroundTracker(),
	}
	e.registry = e.buildRegistry()
	return e
}

// Metrics exposes the Executor's prometheus collectors for registration by
// the process's metrics registry.
func (e *Executor) Metrics() *Metrics { return e.metrics }

func (e *Executor) buildRegistry() map[cxlpacket.CCIOpcode]Handler {
	return map[cxlpacket.CCIOpcode]Handler{
		cxlpacket.OpIdentify:                  e.handleIdentify,
		cxlpacket.OpBackgroundOperationStatus:  e.bg.handleStatus,
		cxlpacket.OpIdentifySwitchDevice:       e.handleIdentifySwitchDevice,
		cxlpacket.OpGetPhysicalPortState:       e.handleGetPhysicalPortState,
		cxlpacket.OpGetVirtualSwitchInfo:       e.handleGetVirtualSwitchInfo,
		cxlpacket.OpBindVPPB:                   e.handleBindVPPB,
		cxlpacket.OpUnbindVPPB:                 e.handleUnbindVPPB,
		cxlpacket.OpTunnelManagementCommand:    e.handleTunnelManagement,
		cxlpacket.OpGetLDInfo:                  e.handleGetLDInfo,
		cxlpacket.OpGetLDAllocations:           e.handleGetLDAllocations,
		cxlpacket.OpSetLDAllocations:           e.handleSetLDAllocations,
		cxlpacket.OpGetConnectedDevices:        e.handleGetConnectedDevices,
	}
}

// Run binds the FM listener, starts the notify bridge, and accepts FM
// connections until Stop closes the listener.
func (e *Executor) Run() error {
	e.Runnable.MarkStarting()
	ln, err := net.Listen("tcp", e.cfg.FMListenAddr)
	if err != nil {
		return cxlerr.Wrapf(cxlerr.ErrConfigError, "fmcci: listen %s: %v", e.cfg.FMListenAddr, err)
	}
	e.listener = ln
	logrus.WithField("addr", e.cfg.FMListenAddr).Info("fmcci: listening")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runNotifyBridge()
	}()
	e.Runnable.MarkReady()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.WithError(err).Info("fmcci: accept loop exiting")
			break
		}
		e.setConn(transport.Wrap(conn, nil))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serveConn()
		}()
	}
	e.wg.Wait()
	e.Runnable.MarkStopped()
	return nil
}

// Stop closes the listener and the current FM connection, unblocking the
// accept loop and the active serve/notify goroutines.
func (e *Executor) Stop() {
	e.Runnable.MarkStopping()
	if e.listener != nil {
		e.listener.Close()
	}
	e.connMu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.connMu.Unlock()
	e.ring.close()
}

func (e *Executor) setConn(tc *transport.Conn) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = tc
}

func (e *Executor) currentConn() *transport.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.conn
}

// serveConn runs the request/response loop of §4.8/§5: one outstanding
// request/response at a time, no pipelining.
func (e *Executor) serveConn() {
	tc := e.currentConn()
	for {
		pkt, err := tc.ReadPacket()
		if err != nil {
			logrus.WithError(err).Info("fmcci: connection closed")
			return
		}
		req, ok := pkt.(cxlpacket.CCI)
		if !ok {
			logrus.Warn("fmcci: non-CCI frame on FM channel, dropped")
			continue
		}
		resp := e.dispatch(req)
		if err := tc.WritePacket(resp); err != nil {
			logrus.WithError(err).Warn("fmcci: response write failed")
			return
		}
	}
}

func (e *Executor) dispatch(req cxlpacket.CCI) cxlpacket.CCI {
	start := time.Now()
	handler, ok := e.registry[req.Header.CommandOpcode]
	var payload []byte
	var rc cxlpacket.ReturnCode
	if !ok {
		logrus.WithField("opcode", req.Header.CommandOpcode).Warn("fmcci: unsupported opcode")
		rc = cxlpacket.RCUnsupported
	} else {
		var background bool
		payload, rc, background = handler(req)
		if background {
			rc = cxlpacket.RCBackground
		}
	}
	e.metrics.ObserveCommand(req.Header.CommandOpcode, rc, time.Since(start))
	return cxlpacket.CCI{
		Header: cxlpacket.CCIMessageHeader{
			Category:      cxlpacket.CategoryResponse,
			MessageTag:    req.Header.MessageTag,
			CommandOpcode: req.Header.CommandOpcode,
			ReturnCode:    rc,
		},
		Payload: payload,
	}
}

// nextMessageTag mints a correlation tag for switch-initiated (Notify)
// requests; xid gives a collision-resistant id without a shared counter,
// the same generator the teacher uses for per-connection correlation ids.
func nextMessageTag() uint8 {
	id := xid.New()
	b := id.Bytes()
	return b[len(b)-1]
}
