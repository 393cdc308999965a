// Package config loads and validates the node-level configuration that
// cmd/sheep wires into every other package, following the teacher's
// "load once, validate, hand out an immutable snapshot" shape (aistore's
// cmn.GCO) scoped to what this daemon actually needs.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/sheepd/sheepd/sderr"
)

// WriteDurability selects the gateway's partial-failure write policy
// (SPEC_FULL.md §9 open question resolution).
type WriteDurability string

const (
	DurabilityHalt     WriteDurability = "halt"
	DurabilityDegraded WriteDurability = "degraded"
)

// Cluster is the validated, immutable configuration for one sheep node.
// Built once at startup from flags in cmd/sheep and never mutated after
// (spec §2.C).
type Cluster struct {
	// Copies is the replication factor N (spec §3 "copies").
	Copies int
	// Zone is this node's failure domain (spec §3/§4.1 zone diversity).
	Zone uint32
	// Vnodes is the virtual-node count per physical node fed into
	// ring.BuildRing (spec §4.1).
	Vnodes int

	// ListenAddr is the host:port this node accepts peer/client
	// connections on (spec §4.6).
	ListenAddr string

	// BaseDir is the root directory for object data, the epoch log, and
	// the VDI index (spec §4.2/§4.3/§4.10).
	BaseDir string

	// DiskCapBytes is the local object-storage cap in bytes; 0 means no
	// cap (spec §4.3 "no-space"). It is the argument Store.NoSpace takes;
	// the server does not check it on the write path.
	DiskCapBytes uint64

	// WriteDurability selects the gateway partial-failure policy.
	WriteDurability WriteDurability

	// RecoveryCompression gates LZ4 framing of recovery push/pull
	// payloads (SPEC_FULL.md §2.D).
	RecoveryCompression bool

	// MetricsAddr is the Prometheus HTTP exporter's listen address; empty
	// disables the exporter.
	MetricsAddr string
}

// Addr and Port split ListenAddr for callers that need a ring.NodeID.
func (c *Cluster) Addr() (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return nil, 0, sderr.Wrap(sderr.InvalidParams, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, sderr.Wrapf(sderr.InvalidParams, "config: cannot resolve listen host %q", host)
		}
		ip = ips[0]
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, sderr.Wrap(sderr.InvalidParams, err)
	}
	return ip, uint16(port), nil
}

// Validate checks the invariants spec.md assumes every node enforces
// before it starts serving (copies >= 1, a usable listen address, and a
// recognized durability mode).
func (c *Cluster) Validate() error {
	if c.Copies < 1 {
		return sderr.Wrapf(sderr.InvalidParams, "config: copies must be >= 1, got %d", c.Copies)
	}
	if c.Vnodes < 1 {
		return sderr.Wrapf(sderr.InvalidParams, "config: vnodes must be >= 1, got %d", c.Vnodes)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return sderr.Wrapf(sderr.InvalidParams, "config: listen address is required")
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		return sderr.Wrapf(sderr.InvalidParams, "config: base dir is required")
	}
	switch c.WriteDurability {
	case DurabilityHalt, DurabilityDegraded:
	case "":
		c.WriteDurability = DurabilityHalt
	default:
		return sderr.Wrapf(sderr.InvalidParams, "config: unknown write-durability %q", c.WriteDurability)
	}
	if _, _, err := c.Addr(); err != nil {
		return err
	}
	return nil
}

// Default returns a Cluster with the spec's documented defaults (N=3,
// single zone, 128 vnodes per node, halt durability) for use by tests and
// as the cmd/sheep flag baseline.
func Default() *Cluster {
	return &Cluster{
		Copies:          3,
		Zone:            0,
		Vnodes:          128,
		ListenAddr:      "0.0.0.0:7000",
		BaseDir:         "/var/lib/sheepd",
		WriteDurability: DurabilityHalt,
		MetricsAddr:     ":8001",
	}
}
