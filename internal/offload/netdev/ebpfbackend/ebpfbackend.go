// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ebpfbackend implements netdev.Backend over a kernel TC/XDP
// datapath's eBPF flow table. It is the production counterpart to
// simnetdev: FlowPut/FlowDel/FlowGet become BPF map updates against a
// pinned flow-entries map, keyed the same way the kernel program hashes
// its lookup key.
//
// The map layout and program attachment themselves are out of scope
// here (see spec.md §9 Non-goals); this package owns only the
// netdev.Backend side of the contract, the seam the offload engine
// actually calls through.
package ebpfbackend

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
)

// flowKey is the BPF map key: the flow's mega-UFID, verbatim. It matches
// the kernel side's struct layout byte-for-byte (16 bytes, no padding).
type flowKey [16]byte

// flowValue is the BPF map value: packet/byte counters the kernel
// program increments per match, read back by FlowGet.
type flowValue struct {
	Packets uint64
	Bytes   uint64
}

// Port is a kernel-backed netdev handle: an interface index plus the
// classification flags the engine and classifier need.
type Port struct {
	Name     string
	Ifindex  int
	TypeTag  string // "", "tap", "vxlan", "geneve"
	IsVport  bool
	TunnelTy string
}

func (p *Port) name() string { return p.Name }

// portHandle adapts *Port to netdev.Handle without exporting Name()
// twice; kept distinct from Port so callers outside this package always
// go through PortsGet rather than constructing handles by hand.
type portHandle struct{ *Port }

func (h portHandle) Name() string { return h.Port.name() }

// Backend installs and queries flows against a pinned eBPF flow map.
type Backend struct {
	flowMap *ebpf.Map
	logger  *logging.Logger

	mu    sync.RWMutex
	ports map[core.PortNo]portHandle
}

// New returns a Backend bound to flowMap, an already-loaded and pinned
// BPF_MAP_TYPE_HASH map from flowKey to flowValue.
func New(flowMap *ebpf.Map, logger *logging.Logger) *Backend {
	return &Backend{flowMap: flowMap, logger: logger, ports: make(map[core.PortNo]portHandle)}
}

// RegisterPort binds odpPort to a kernel interface for the lifetime of
// the datapath; called once per port at attach time, not per flow.
func (b *Backend) RegisterPort(odpPort core.PortNo, p *Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[odpPort] = portHandle{p}
}

// UnregisterPort drops a port binding, e.g. on vport teardown.
func (b *Backend) UnregisterPort(odpPort core.PortNo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ports, odpPort)
}

func (b *Backend) PortsGet(odpPort core.PortNo) (netdev.Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.ports[odpPort]
	if !ok {
		return nil, false
	}
	return p, true
}

func toKey(ufid core.MegaUFID) flowKey {
	var k flowKey
	copy(k[:], ufid[:])
	return k
}

// FlowPut installs match+actions keyed by ufid. The actual match/action
// encoding into the kernel's program-specific format is left to a
// caller-supplied translation layer above this package; here we only
// own the keyed counter-slot lifecycle the offload engine depends on.
func (b *Backend) FlowPut(nd netdev.Handle, match core.Match, actions []core.Action, ufid core.MegaUFID, info *core.OffloadInfo) error {
	key := toKey(ufid)
	val := flowValue{}
	if err := b.flowMap.Update(&key, &val, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("ebpfbackend: flow put %s: %w", ufid, err)
	}
	if info != nil {
		info.ActionsOffloaded = len(actions) > 0
	}
	return nil
}

func (b *Backend) FlowDel(nd netdev.Handle, ufid core.MegaUFID) error {
	key := toKey(ufid)
	if err := b.flowMap.Delete(&key); err != nil {
		b.logger.Warn("ebpfbackend: flow delete missed entry", "ufid", ufid.String(), "error", err)
	}
	return nil
}

func (b *Backend) FlowGet(nd netdev.Handle, ufid core.MegaUFID) (netdev.Stats, error) {
	key := toKey(ufid)
	var val flowValue
	if err := b.flowMap.Lookup(&key, &val); err != nil {
		return netdev.Stats{}, fmt.Errorf("ebpfbackend: flow get %s: %w", ufid, err)
	}
	return netdev.Stats{Packets: val.Packets, Bytes: val.Bytes}, nil
}

func (b *Backend) IsVportClass(nd netdev.Handle) bool {
	h, ok := nd.(portHandle)
	return ok && h.IsVport
}

func (b *Backend) GetTunnelConfig(nd netdev.Handle) (netdev.TunnelConfig, bool) {
	h, ok := nd.(portHandle)
	if !ok || !h.IsVport {
		return netdev.TunnelConfig{}, false
	}
	return netdev.TunnelConfig{Type: h.TunnelTy}, true
}

func (b *Backend) GetType(nd netdev.Handle) string {
	h, ok := nd.(portHandle)
	if !ok {
		return ""
	}
	return h.TypeTag
}

var _ netdev.Backend = (*Backend)(nil)
