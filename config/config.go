// Package config loads the switch's static topology: port count and
// types, VCS-to-port bindings, and listen addresses. Process launching and
// flag parsing are out of scope (§1); this package only turns a JSON
// document into validated Go values, the way jangala-dev-devicecode-go's
// config service turns a device tree file into a typed device list.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cxlfabric/switchd/cxlerr"
	"github.com/cxlfabric/switchd/cxlpacket"
)

// PortConfig describes one statically configured physical port. LDCount is
// the number of Logical Devices this port's device is partitioned into for
// the FM's Get/Set LD Allocations opcodes (§6.2); it defaults to 1 (a
// single-headed device) when omitted.
type PortConfig struct {
	Index   int                     `json:"index"`
	Type    cxlpacket.ComponentKind `json:"type"`
	LDCount int                     `json:"ld_count,omitempty"`
}

// VPPBConfig describes one vPPB slot within a VCS at startup. PhysicalPort
// is -1 when the vPPB starts UNBOUND.
type VPPBConfig struct {
	Index        int `json:"index"`
	PhysicalPort int `json:"physical_port"`
}

// VCSConfig describes one Virtual CXL Switch.
type VCSConfig struct {
	ID           int          `json:"id"`
	UpstreamPort int          `json:"upstream_port"`
	VPPBs        []VPPBConfig `json:"vppbs"`
}

// Config is the switch's complete static topology.
type Config struct {
	ListenAddr   string       `json:"listen_addr"`
	FMListenAddr string       `json:"fm_listen_addr"`
	Ports        []PortConfig `json:"ports"`
	VCSs         []VCSConfig  `json:"vcss"`
	QueueCapacity int         `json:"queue_capacity,omitempty"`
}

// Load reads and validates a Config from r.
func Load(r io.Reader) (*Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, cxlerr.Wrapf(cxlerr.ErrConfigError, "config: decode: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile opens path and loads a Config from it.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cxlerr.Wrapf(cxlerr.ErrConfigError, "config: open %s: %v", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return cxlerr.Wrap(cxlerr.ErrConfigError, "config: listen_addr is required")
	}
	if len(c.Ports) == 0 {
		return cxlerr.Wrap(cxlerr.ErrConfigError, "config: at least one port is required")
	}
	seen := make(map[int]bool, len(c.Ports))
	for i, pc := range c.Ports {
		if pc.Index < 0 {
			return cxlerr.Wrapf(cxlerr.ErrConfigError, "config: port index %d is negative", pc.Index)
		}
		if seen[pc.Index] {
			return cxlerr.Wrapf(cxlerr.ErrConfigError, "config: duplicate port index %d", pc.Index)
		}
		seen[pc.Index] = true
		if pc.LDCount == 0 {
			c.Ports[i].LDCount = 1
		}
	}
	for _, vcs := range c.VCSs {
		if !seen[vcs.UpstreamPort] {
			return cxlerr.Wrapf(cxlerr.ErrConfigError, "config: vcs %d upstream_port %d not declared", vcs.ID, vcs.UpstreamPort)
		}
		for _, vppb := range vcs.VPPBs {
			if vppb.PhysicalPort >= 0 && !seen[vppb.PhysicalPort] {
				return cxlerr.Wrapf(cxlerr.ErrConfigError, "config: vcs %d vppb %d physical_port %d not declared", vcs.ID, vppb.Index, vppb.PhysicalPort)
			}
		}
	}
	return nil
}

// PortCount returns the number of configured ports, the bound §8 "port_index
// >= configured port count" rejection checks against.
func (c *Config) PortCount() int { return len(c.Ports) }

// LDCountForPort returns the configured LDCount for portIndex, or 1 if the
// port is not declared (callers are expected to have already validated the
// index against PortCount).
func (c *Config) LDCountForPort(portIndex int) int {
	for _, pc := range c.Ports {
		if pc.Index == portIndex {
			return pc.LDCount
		}
	}
	return 1
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{listen=%s, ports=%d, vcss=%d}", c.ListenAddr, len(c.Ports), len(c.VCSs))
}
