package vcs

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cxlfabric/switchd/cxlpacket"
)

// taggedPacket carries a packet alongside the downstream vPPB it arrived
// from, for the device-to-host fan-in every router performs.
type taggedPacket struct {
	origin *VPPB
	pkt    cxlpacket.Packet
}

// mergeFromDownstream fans in HostToTarget (device-to-host-direction)
// traffic from every downstream vPPB's given FifoPair into one channel. The
// channel closes once every vPPB's queue has delivered its stop sentinel,
// which is how a router's downstream-to-upstream goroutine knows to exit.
func mergeFromDownstream(get fifoAccessor, vppbs []*VPPB) <-chan taggedPacket {
	merged := make(chan taggedPacket, 64)
	var wg sync.WaitGroup
	wg.Add(len(vppbs))
	for _, v := range vppbs {
		v := v
		go func() {
			defer wg.Done()
			fifo := get(v.Conn)
			for {
				pkt, ok := fifo.HostToTarget.Pop()
				if !ok {
					return
				}
				merged <- taggedPacket{origin: v, pkt: pkt}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

func (vcs *VCS) forwardToVPPB(v *VPPB, get fifoAccessor, pkt cxlpacket.Packet) {
	if v.Status() != Bound {
		logrus.WithFields(logrus.Fields{"vcs": vcs.ID, "vppb": v.Index}).Warn("vcs: dropped packet for unbound vppb")
		return
	}
	get(v.Conn).TargetToHost.Push(pkt)
}

func (vcs *VCS) forwardToUpstream(get fifoAccessor, pkt cxlpacket.Packet) {
	get(vcs.Upstream.Conn).TargetToHost.Push(pkt)
}

// busMatch finds the bound downstream vPPB whose [Secondary, Subordinate]
// bus window contains destBus, per §4.7.1.
func (vcs *VCS) busMatch(destBus uint8) (*VPPB, bool) {
	for _, v := range vcs.DownstreamVPPBs() {
		if v.Status() != Bound {
			continue
		}
		secondary, subordinate := v.Config.BusWindow()
		if destBus >= secondary && destBus <= subordinate {
			return v, true
		}
	}
	return nil, false
}

// hdmMatch finds the bound downstream vPPB whose committed HDM decoder
// covers addr, per §4.7.2/§4.7.3.
func (vcs *VCS) hdmMatch(addr uint64) (*VPPB, bool) {
	for _, v := range vcs.DownstreamVPPBs() {
		if v.Status() != Bound || !v.HDM.Committed {
			continue
		}
		if v.HDM.Window.Contains(addr) {
			return v, true
		}
	}
	return nil, false
}

// runConfigRouter implements §4.7.1: route CfgRd/CfgWr by destination bus
// number to the owning vPPB, rewriting ReqID to the VCS id so downstream bus
// numbering never collides with another VCS; synthesize a UR completion
// immediately when no vPPB's bus window matches. Completions flowing back
// have their original ReqID restored from cfgPending, keyed by Tag.
func (vcs *VCS) runConfigRouter() {
	downstream := vcs.DownstreamVPPBs()
	cfgGet := allFifos[0]
	merged := mergeFromDownstream(cfgGet, downstream)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			pkt, ok := cfgGet(vcs.Upstream.Conn).HostToTarget.Pop()
			if !ok {
				return
			}
			vcs.routeConfigDownstream(pkt)
		}
	}()
	go func() {
		defer wg.Done()
		for tp := range merged {
			vcs.routeConfigUpstream(tp.pkt)
		}
	}()
	wg.Wait()
}

func (vcs *VCS) routeConfigDownstream(pkt cxlpacket.Packet) {
	io, ok := pkt.(cxlpacket.CxlIo)
	if !ok {
		logrus.Warn("vcs: config router received non-CXL.io packet")
		return
	}
	destBus := uint8(io.CfgReq.DestID >> 8)
	target, matched := vcs.busMatch(destBus)
	if !matched {
		vcs.forwardToUpstream(allFifos[0], vcs.synthesizeUR(io))
		return
	}
	vcs.cfgMu.Lock()
	vcs.cfgPending[io.CfgReq.Tag] = io.CfgReq.ReqID
	vcs.cfgMu.Unlock()
	io.CfgReq.ReqID = uint16(vcs.ID)
	vcs.forwardToVPPB(target, allFifos[0], io)
}

func (vcs *VCS) routeConfigUpstream(pkt cxlpacket.Packet) {
	io, ok := pkt.(cxlpacket.CxlIo)
	if !ok {
		logrus.Warn("vcs: config router received non-CXL.io completion")
		return
	}
	if io.Kind == cxlpacket.CxlIoCompletion || io.Kind == cxlpacket.CxlIoCompletionData {
		vcs.cfgMu.Lock()
		if orig, ok := vcs.cfgPending[io.Completion.Tag]; ok {
			io.Completion.ReqID = orig
			delete(vcs.cfgPending, io.Completion.Tag)
		}
		vcs.cfgMu.Unlock()
	}
	vcs.forwardToUpstream(allFifos[0], io)
}

// synthesizeUR builds the Unsupported Request completion §4.7.1 requires
// when a config request's destination bus matches no bound vPPB.
func (vcs *VCS) synthesizeUR(req cxlpacket.CxlIo) cxlpacket.CxlIo {
	kind := cxlpacket.CxlIoCompletion
	return cxlpacket.CxlIo{
		Kind: kind,
		Completion: cxlpacket.Completion{
			Status: cxlpacket.StatusUR,
			ReqID:  req.CfgReq.ReqID,
			Tag:    req.CfgReq.Tag,
		},
	}
}

// runMmioRouter implements §4.7.2: route CXL.io MemRd/MemWr by HDM decoder
// address match; an unroutable read gets a zero-filled completion-with-data,
// an unroutable write is silently dropped (it is posted, per §4.7.2).
func (vcs *VCS) runMmioRouter() {
	downstream := vcs.DownstreamVPPBs()
	mmioGet := allFifos[1]
	merged := mergeFromDownstream(mmioGet, downstream)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			pkt, ok := mmioGet(vcs.Upstream.Conn).HostToTarget.Pop()
			if !ok {
				return
			}
			vcs.routeMmioDownstream(pkt)
		}
	}()
	go func() {
		defer wg.Done()
		for tp := range merged {
			vcs.forwardToUpstream(mmioGet, tp.pkt)
		}
	}()
	wg.Wait()
}

func (vcs *VCS) routeMmioDownstream(pkt cxlpacket.Packet) {
	io, ok := pkt.(cxlpacket.CxlIo)
	if !ok {
		logrus.Warn("vcs: mmio router received non-CXL.io packet")
		return
	}
	target, matched := vcs.hdmMatch(io.MemReq.Addr)
	if !matched {
		if io.Kind == cxlpacket.CxlIoMemRd {
			vcs.forwardToUpstream(allFifos[1], cxlpacket.CxlIo{
				Kind: cxlpacket.CxlIoCompletionData,
				Completion: cxlpacket.Completion{
					Status: cxlpacket.StatusSC,
					ReqID:  io.MemReq.ReqID,
					Tag:    io.MemReq.Tag,
				},
				Data: make([]byte, 64),
			})
		}
		// MemWr to an unmapped address is posted: drop silently.
		return
	}
	vcs.forwardToVPPB(target, allFifos[1], pkt)
}

// runCxlMemRouter implements §4.7.3: M2S_REQ/M2S_RWD routed by HDM decoder
// match; M2S_BIRSP routed back to the snoop's origin vPPB via the BI route
// table; S2M_BISNP passed through, rewritten and forwarded upstream, or
// dropped per the bi_enable/bi_forward policy; S2M_NDR/S2M_DRS pass through
// upstream unchanged.
func (vcs *VCS) runCxlMemRouter() {
	downstream := vcs.DownstreamVPPBs()
	memGet := allFifos[2]
	merged := mergeFromDownstream(memGet, downstream)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			pkt, ok := memGet(vcs.Upstream.Conn).HostToTarget.Pop()
			if !ok {
				return
			}
			vcs.routeMemDownstream(pkt)
		}
	}()
	go func() {
		defer wg.Done()
		for tp := range merged {
			vcs.routeMemUpstream(tp)
		}
	}()
	wg.Wait()
}

func (vcs *VCS) routeMemDownstream(pkt cxlpacket.Packet) {
	mem, ok := pkt.(cxlpacket.CxlMem)
	if !ok {
		logrus.Warn("vcs: cxl.mem router received non-CXL.mem packet")
		return
	}
	switch mem.Class.MsgClass {
	case cxlpacket.M2SReq:
		if target, matched := vcs.hdmMatch(mem.M2SReq.Addr); matched {
			vcs.forwardToVPPB(target, allFifos[2], mem)
		}
	case cxlpacket.M2SRwd:
		if target, matched := vcs.hdmMatch(mem.M2SRwd.Addr); matched {
			vcs.forwardToVPPB(target, allFifos[2], mem)
		}
	case cxlpacket.M2SBIRsp:
		if vppbIndex, found := vcs.BIRoute.Lookup(mem.M2SBIRsp.BiID); found {
			if target, ok := vcs.VPPB(vppbIndex); ok {
				vcs.forwardToVPPB(target, allFifos[2], mem)
			}
		}
	default:
		logrus.WithField("msg_class", mem.Class.MsgClass).Warn("vcs: unexpected host-to-device cxl.mem msg_class")
	}
}

func (vcs *VCS) routeMemUpstream(tp taggedPacket) {
	mem, ok := tp.pkt.(cxlpacket.CxlMem)
	if !ok {
		logrus.Warn("vcs: cxl.mem router received non-CXL.mem packet")
		return
	}
	if mem.Class.MsgClass != cxlpacket.S2MBISnp {
		vcs.forwardToUpstream(allFifos[2], mem)
		return
	}
	vcs.routeBackInvalidation(tp.origin, mem)
}

// routeBackInvalidation implements the §4.7.3 policy table exactly:
//
//	bi_enable=0, bi_forward=0: drop
//	bi_enable=0, bi_forward=1: pass through unchanged
//	bi_enable=1, bi_forward=0: rewrite bi_id to the origin's Secondary Bus
//	                           Number; forward upstream only if the
//	                           upstream HDM decoder is BI-capable, else drop
//	bi_enable=1, bi_forward=1: drop
func (vcs *VCS) routeBackInvalidation(origin *VPPB, mem cxlpacket.CxlMem) {
	switch {
	case !origin.BI.Enable && !origin.BI.Forward:
		return
	case !origin.BI.Enable && origin.BI.Forward:
		vcs.forwardToUpstream(allFifos[2], mem)
	case origin.BI.Enable && !origin.BI.Forward:
		if !vcs.Upstream.HDM.BICapable {
			return
		}
		secondary, _ := origin.Config.BusWindow()
		mem.S2MBISnp.BiID = uint16(secondary)
		vcs.forwardToUpstream(allFifos[2], mem)
	default: // bi_enable=1, bi_forward=1
		return
	}
}

// runCxlCacheRouter implements §4.7.4: H2D* routed to the vPPB the cache
// route table names for the message's cache_id; D2H* from a vPPB stamped or
// passed through to the host per that vPPB's CacheIDControl policy.
func (vcs *VCS) runCxlCacheRouter() {
	downstream := vcs.DownstreamVPPBs()
	cacheGet := allFifos[3]
	merged := mergeFromDownstream(cacheGet, downstream)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			pkt, ok := cacheGet(vcs.Upstream.Conn).HostToTarget.Pop()
			if !ok {
				return
			}
			vcs.routeCacheDownstream(pkt)
		}
	}()
	go func() {
		defer wg.Done()
		for tp := range merged {
			vcs.routeCacheUpstream(tp)
		}
	}()
	wg.Wait()
}

func (vcs *VCS) routeCacheDownstream(pkt cxlpacket.Packet) {
	cache, ok := pkt.(cxlpacket.CxlCache)
	if !ok {
		logrus.Warn("vcs: cxl.cache router received non-CXL.cache packet")
		return
	}
	cacheID := h2dCacheID(cache)
	vppbIndex, found := vcs.CacheRoute.Lookup(cacheID)
	if !found {
		logrus.WithField("cache_id", cacheID).Warn("vcs: no vppb owns cache_id, dropping H2D message")
		return
	}
	target, ok := vcs.VPPB(vppbIndex)
	if !ok {
		return
	}
	vcs.forwardToVPPB(target, allFifos[3], cache)
}

func h2dCacheID(cache cxlpacket.CxlCache) uint8 {
	switch cache.Class.MsgClass {
	case cxlpacket.H2DReq:
		return cache.H2DReq.CacheID
	case cxlpacket.H2DRsp:
		return cache.H2DRsp.CacheID
	case cxlpacket.H2DData:
		return cache.H2DData.CacheID
	default:
		return 0
	}
}

func (vcs *VCS) routeCacheUpstream(tp taggedPacket) {
	cache, ok := tp.pkt.(cxlpacket.CxlCache)
	if !ok {
		logrus.Warn("vcs: cxl.cache router received non-CXL.cache packet")
		return
	}
	policy := tp.origin.CacheID
	switch {
	case !policy.AssignCacheID && !policy.ForwardCacheID:
		return // D2H traffic disabled for this vPPB
	case !policy.AssignCacheID && policy.ForwardCacheID:
		vcs.forwardToUpstream(allFifos[3], cache)
	case policy.AssignCacheID && !policy.ForwardCacheID:
		stampD2HCacheID(&cache, policy.LocalCacheID)
		vcs.forwardToUpstream(allFifos[3], cache)
	default:
		logrus.WithField("vppb", tp.origin.Index).Warn("vcs: assign_cache_id and forward_cache_id both set, dropping")
	}
}

func stampD2HCacheID(cache *cxlpacket.CxlCache, id uint8) {
	if cache.Class.MsgClass == cxlpacket.D2HReq {
		cache.D2HReq.CacheID = id
	}
}
