// Package port implements the physical/virtual port device of §4.6: a PCI
// configuration-space register image plus the CXL capability structures
// (HDM Decoder, BI Route Table, BI Decoder, Cache ID Decoder, Cache Route
// Table) that the routers in package vcs read. The one-shot commit-bit
// protocol is implemented once, on Decoder, and shared by every decoder
// kind, mirroring the teacher's preference for one small reusable type
// over parallel near-duplicate ones (bitfield.Field serving every header
// the same way).
package port

import (
	"sync"

	"github.com/cxlfabric/switchd/cxlpacket"
	"github.com/cxlfabric/switchd/queue"
)

// configSpaceSize is the full 4 KB PCIe extended configuration space a USP
// exposes; a DSP only ever touches the bridge registers at the low end of
// the same image.
const configSpaceSize = 4096

// Decoder is the shared "one-shot commit bit" state machine of §9: writing
// commit flips committed/error_not_committed after validation, and never
// again until explicitly reset (e.g. by an unbind).
type Decoder struct {
	Committed         bool
	ErrorNotCommitted bool
}

// Commit runs validate and sets exactly one of Committed/ErrorNotCommitted.
// Once either flag is set, further calls are ignored until Reset.
// Validation is the decoder's responsibility, not the caller's (§9).
func (d *Decoder) Commit(validate func() bool) {
	if d.Committed || d.ErrorNotCommitted {
		return
	}
	if validate() {
		d.Committed = true
		d.ErrorNotCommitted = false
	} else {
		d.Committed = false
		d.ErrorNotCommitted = true
	}
}

// Reset clears both commit flags, used when a vPPB is unbound and its
// decoders must be reprogrammed from scratch.
func (d *Decoder) Reset() {
	d.Committed = false
	d.ErrorNotCommitted = false
}

// Window is a half-open [Base, Base+Size) range decoder, used by the HDM
// decoder for MMIO/CXL.mem addresses. The config-space router's bus window
// check compares the Secondary/Subordinate bus numbers directly instead.
type Window struct {
	Base uint64
	Size uint64
}

// Contains reports whether addr falls in [Base, Base+Size).
func (w Window) Contains(addr uint64) bool {
	return w.Size > 0 && addr >= w.Base && addr < w.Base+w.Size
}

// HDMDecoder is the Host-managed Device Memory range decoder a vPPB
// advertises for MMIO and CXL.mem routing. BICapable marks whether this
// decoder's port may receive a forwarded Back-Invalidation snoop, per the
// bi_enable/bi_forward policy table in §4.7.3.
type HDMDecoder struct {
	Decoder
	Window     Window
	Interleave uint8
	BICapable  bool
}

// BIControl is the per-port Back-Invalidation control register referenced
// by §4.7.3's policy table. It is distinct from a BI Route Table entry: the
// control bits decide *whether* a snoop is forwarded/rewritten, while the
// route table (below) decides *which* vPPB a bi_id belongs to — the two
// serve different steps of the same BI pipeline (see
// original_source/bi_decoder.py, which keeps them as separate objects
// rather than folding the route lookup into the control register).
type BIControl struct {
	Enable  bool
	Forward bool
}

// BIRouteTable maps a bi_id (derived from a vPPB's Secondary Bus Number) to
// the vPPB index owning it, so S2M_BISNP and M2S_BIRSP can be matched back
// to a vPPB without re-deriving the mapping on every packet.
type BIRouteTable struct {
	mu      sync.RWMutex
	entries map[uint16]int
}

// NewBIRouteTable allocates an empty table.
func NewBIRouteTable() *BIRouteTable {
	return &BIRouteTable{entries: make(map[uint16]int)}
}

// Set records that biID belongs to vppbIndex.
func (t *BIRouteTable) Set(biID uint16, vppbIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[biID] = vppbIndex
}

// Lookup returns the vPPB index bound to biID, if any.
func (t *BIRouteTable) Lookup(biID uint16) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[biID]
	return v, ok
}

// Delete removes biID's entry, used when its vPPB is unbound.
func (t *BIRouteTable) Delete(biID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, biID)
}

// CacheIDControl is the per-vPPB outbound D2H request policy of §4.7.4:
// (AssignCacheID, ForwardCacheID) ∈ {(0,0) drop, (0,1) passthrough,
// (1,0) stamp cache_id ← LocalCacheID, (1,1) invalid}.
type CacheIDControl struct {
	AssignCacheID   bool
	ForwardCacheID  bool
	LocalCacheID    uint8
}

// CacheRouteTable maps an inbound cache_id to the vPPB that owns it, used
// by the CXL.cache router's inbound lookup (§4.7.4). It is a distinct
// object from CacheIDControl: the control register governs outbound
// stamping policy for one vPPB, the route table governs inbound dispatch
// across all vPPBs of the VCS (see original_source/routers.py, which keeps
// `cache_route_table` on the VCS rather than per-port).
type CacheRouteTable struct {
	mu      sync.RWMutex
	entries map[uint8]int
}

// NewCacheRouteTable allocates an empty table.
func NewCacheRouteTable() *CacheRouteTable {
	return &CacheRouteTable{entries: make(map[uint8]int)}
}

// Set records that cacheID belongs to vppbIndex.
func (t *CacheRouteTable) Set(cacheID uint8, vppbIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[cacheID] = vppbIndex
}

// Lookup returns the vPPB index owning cacheID, if any.
func (t *CacheRouteTable) Lookup(cacheID uint8) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[cacheID]
	return v, ok
}

// Delete removes cacheID's entry.
func (t *CacheRouteTable) Delete(cacheID uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, cacheID)
}

// ConfigSpace is the PCI configuration-space register image §4.6 requires:
// class code, BARs, and the Secondary/Subordinate Bus Number pair the
// config-space router matches destination bus numbers against. The
// remainder of the 4 KB image is a flat byte array so that arbitrary
// DWORD-granularity config reads/writes round-trip, even to registers this
// emulator never interprets.
type ConfigSpace struct {
	mu                   sync.RWMutex
	ClassCode            uint32
	BAR                  [6]uint32
	SecondaryBusNumber   uint8
	SubordinateBusNumber uint8
	raw                  [configSpaceSize]byte
}

// NewConfigSpace allocates a zeroed configuration space.
func NewConfigSpace() *ConfigSpace { return &ConfigSpace{} }

// BusWindow reports the inclusive [Secondary, Subordinate] bus-number
// window this config space's Secondary/Subordinate registers describe.
func (c *ConfigSpace) BusWindow() (secondary, subordinate uint8) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SecondaryBusNumber, c.SubordinateBusNumber
}

// ReadDWord reads the 4-byte register at byteOffset.
func (c *ConfigSpace) ReadDWord(byteOffset uint16) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o := int(byteOffset)
	if o+4 > configSpaceSize {
		return 0
	}
	return uint32(c.raw[o]) | uint32(c.raw[o+1])<<8 | uint32(c.raw[o+2])<<16 | uint32(c.raw[o+3])<<24
}

// WriteDWord writes the 4-byte register at byteOffset.
func (c *ConfigSpace) WriteDWord(byteOffset uint16, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := int(byteOffset)
	if o+4 > configSpaceSize {
		return
	}
	c.raw[o] = byte(value)
	c.raw[o+1] = byte(value >> 8)
	c.raw[o+2] = byte(value >> 16)
	c.raw[o+3] = byte(value >> 24)
}

// Device is one physical port: its identity, connection state, and the
// decoder/register set routers and the FM read.
type Device struct {
	Index uint8
	Kind  cxlpacket.ComponentKind // ComponentUSP or ComponentDSP

	mu        sync.RWMutex
	connected bool

	Config  *ConfigSpace
	HDM     *HDMDecoder
	BI      *BIControl
	CacheID *CacheIDControl

	// Conn is the bounded queue.Connection the port's packet processor
	// pumps frames through; a vPPB that binds to this Device forwards its
	// own queues to/from Conn (§4.7.5).
	Conn *queue.Connection
}

// NewDevice constructs an unconnected physical port of the given kind with
// a fresh Connection.
func NewDevice(index uint8, kind cxlpacket.ComponentKind) *Device {
	return &Device{
		Index:   index,
		Kind:    kind,
		Config:  NewConfigSpace(),
		HDM:     &HDMDecoder{},
		BI:      &BIControl{},
		CacheID: &CacheIDControl{},
		Conn:    queue.NewConnection(),
	}
}

// Connected reports whether a transport is currently bound to this port.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// SetConnected mutates the connected flag. The switch connection manager is
// the sole mutator (§5); routers and the FM only ever call Connected.
func (d *Device) SetConnected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = v
}
