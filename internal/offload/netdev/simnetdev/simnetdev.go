// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package simnetdev is an in-memory netdev.Backend used by tests and the
// offloadsim demo binary. It tracks installed flows, per-port
// classification, and synthetic hardware counters without touching any
// real device.
package simnetdev

import (
	"fmt"
	"sync"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
)

// Port is a simulated netdev handle. Port identity is the pointer value,
// so two Ports with the same fields are still distinct handles.
type Port struct {
	name   string
	typ    string // "", "tap", "vxlan", ...
	vport  bool
	tunnel netdev.TunnelConfig
}

func (p *Port) Name() string { return p.name }

// installedFlow is one hardware-resident flow entry.
type installedFlow struct {
	match   core.Match
	actions []core.Action
	info    core.OffloadInfo
	stats   netdev.Stats
}

// Backend is a RWMutex-guarded in-memory flow table, one per simulated
// switch instance: a registry of ports and their installed flows guarded
// by a single lock, plus per-entry mutation methods.
type Backend struct {
	mu    sync.RWMutex
	ports map[core.PortNo]*Port
	flows map[*Port]map[core.MegaUFID]*installedFlow

	// RejectUFIDs forces FlowPut to fail for the listed keys, used to
	// drive the rollback scenarios in spec.md §8 scenario 5.
	rejectUFIDs map[core.MegaUFID]bool
}

// NewBackend returns an empty simulated backend.
func NewBackend() *Backend {
	return &Backend{
		ports:       make(map[core.PortNo]*Port),
		flows:       make(map[*Port]map[core.MegaUFID]*installedFlow),
		rejectUFIDs: make(map[core.MegaUFID]bool),
	}
}

// AddPort registers a physical netdev at odpPort and returns its handle.
func (b *Backend) AddPort(odpPort core.PortNo, name string) *Port {
	return b.addPort(odpPort, name, "", false, netdev.TunnelConfig{})
}

// AddTapPort registers a software-only tap netdev: OUTPUT to it is never
// offloadable (spec.md §4.2).
func (b *Backend) AddTapPort(odpPort core.PortNo, name string) *Port {
	return b.addPort(odpPort, name, "tap", false, netdev.TunnelConfig{})
}

// AddVxlanPort registers a vxlan tunnel vport.
func (b *Backend) AddVxlanPort(odpPort core.PortNo, name string) *Port {
	return b.addPort(odpPort, name, "vxlan", true, netdev.TunnelConfig{Type: "vxlan"})
}

func (b *Backend) addPort(odpPort core.PortNo, name, typ string, vport bool, tc netdev.TunnelConfig) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &Port{name: name, typ: typ, vport: vport, tunnel: tc}
	b.ports[odpPort] = p
	b.flows[p] = make(map[core.MegaUFID]*installedFlow)
	return p
}

// RejectInstall makes the next and all subsequent FlowPut calls for ufid
// fail, simulating a hardware reject.
func (b *Backend) RejectInstall(ufid core.MegaUFID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectUFIDs[ufid] = true
}

// FlowCount returns the number of installed flows on nd, for assertions.
func (b *Backend) FlowCount(nd netdev.Handle) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := nd.(*Port)
	if !ok {
		return 0
	}
	return len(b.flows[p])
}

// HasFlow reports whether ufid is installed on nd.
func (b *Backend) HasFlow(nd netdev.Handle, ufid core.MegaUFID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := nd.(*Port)
	if !ok {
		return false
	}
	_, present := b.flows[p][ufid]
	return present
}

// ActionsFor returns the action list last installed for ufid on nd, for
// assertions that a modify actually replaced the hardware binding.
func (b *Backend) ActionsFor(nd netdev.Handle, ufid core.MegaUFID) ([]core.Action, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := nd.(*Port)
	if !ok {
		return nil, false
	}
	f, present := b.flows[p][ufid]
	if !present {
		return nil, false
	}
	return f.actions, true
}

// SetStats seeds hardware counters for an installed flow, used to drive
// the stats-aggregation scenarios.
func (b *Backend) SetStats(nd netdev.Handle, ufid core.MegaUFID, stats netdev.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := nd.(*Port)
	if !ok {
		return
	}
	if f, present := b.flows[p][ufid]; present {
		f.stats = stats
	}
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

func (b *Backend) FlowPut(nd netdev.Handle, match core.Match, actions []core.Action, ufid core.MegaUFID, info *core.OffloadInfo) error {
	p, ok := nd.(*Port)
	if !ok {
		return fmt.Errorf("simnetdev: not a simnetdev handle")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejectUFIDs[ufid] {
		return fmt.Errorf("simnetdev: hardware rejected install of %s", ufid)
	}

	table, ok := b.flows[p]
	if !ok {
		return fmt.Errorf("simnetdev: unknown netdev %s", p.name)
	}

	if info != nil {
		info.ActionsOffloaded = len(actions) > 0
	}

	table[ufid] = &installedFlow{match: match, actions: actions, info: *info}
	return nil
}

func (b *Backend) FlowDel(nd netdev.Handle, ufid core.MegaUFID) error {
	p, ok := nd.(*Port)
	if !ok {
		return fmt.Errorf("simnetdev: not a simnetdev handle")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flows[p], ufid)
	return nil
}

func (b *Backend) FlowGet(nd netdev.Handle, ufid core.MegaUFID) (netdev.Stats, error) {
	p, ok := nd.(*Port)
	if !ok {
		return netdev.Stats{}, fmt.Errorf("simnetdev: not a simnetdev handle")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, present := b.flows[p][ufid]
	if !present {
		return netdev.Stats{}, fmt.Errorf("simnetdev: flow %s not found", ufid)
	}
	return f.stats, nil
}

func (b *Backend) IsVportClass(nd netdev.Handle) bool {
	p, ok := nd.(*Port)
	return ok && p.vport
}

func (b *Backend) GetTunnelConfig(nd netdev.Handle) (netdev.TunnelConfig, bool) {
	p, ok := nd.(*Port)
	if !ok || !p.vport {
		return netdev.TunnelConfig{}, false
	}
	return p.tunnel, true
}

func (b *Backend) GetType(nd netdev.Handle) string {
	p, ok := nd.(*Port)
	if !ok {
		return ""
	}
	return p.typ
}

var _ netdev.Backend = (*Backend)(nil)
