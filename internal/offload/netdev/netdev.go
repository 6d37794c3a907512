// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netdev defines the contract the offload engine consumes from
// the netdev abstraction: port lookup, flow install/delete/stat, and port
// classification. The engine treats this as an external collaborator; it
// never reaches into a netdev's own internals.
package netdev

import "github.com/grimmhw/vtpoffload/internal/offload/core"

// Handle identifies a concrete netdev the engine can install flows on. It
// must be comparable: implementations back it with a pointer or an
// interned value so it can key TnlAux registries and merge bookkeeping.
type Handle interface {
	Name() string
}

// Stats are the hardware counters FlowGet reports for one installed flow.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// TunnelConfig describes a vport's tunnel type, as reported by
// GetTunnelConfig.
type TunnelConfig struct {
	Type string // "vxlan", "geneve", ...
}

// Backend is the netdev contract: port resolution, per-flow hardware
// mutation, and the classification helpers the action classifier and
// cross-product merger need (spec.md §6, "Netdev backend contract
// (consumed)").
type Backend interface {
	// PortsGet resolves a datapath port number to a netdev handle. ok is
	// false if the port is unknown to this backend.
	PortsGet(odpPort core.PortNo) (nd Handle, ok bool)

	// FlowPut installs match+actions on nd keyed by ufid. info carries
	// classifier-derived flags and MarkSet in, and ActionsOffloaded out.
	FlowPut(nd Handle, match core.Match, actions []core.Action, ufid core.MegaUFID, info *core.OffloadInfo) error

	// FlowDel removes the flow keyed by ufid from nd. Deleting an absent
	// flow is not an error.
	FlowDel(nd Handle, ufid core.MegaUFID) error

	// FlowGet reads hardware counters for the flow keyed by ufid on nd.
	FlowGet(nd Handle, ufid core.MegaUFID) (Stats, error)

	// IsVportClass reports whether nd is a virtual tunnel port rather
	// than a physical netdev.
	IsVportClass(nd Handle) bool

	// GetTunnelConfig returns nd's tunnel configuration. ok is false for
	// non-tunnel netdevs.
	GetTunnelConfig(nd Handle) (TunnelConfig, bool)

	// GetType returns a short type tag for nd, e.g. "vxlan" or "tap". An
	// empty string means an ordinary physical netdev.
	GetType(nd Handle) string
}
