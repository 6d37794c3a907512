// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tnlaux implements the tunnel auxiliary (spec.md §4.3): the
// per-tunnel-vport pair of UFID-keyed collections the cross-product
// merger operates on, and the registry that binds one TnlAux to each
// tunnel vport for its lifetime.
package tnlaux

import (
	"sync"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
)

// IngressFlow represents a physical flow that terminates in
// TUNNEL_POP(port=T), stored in TnlAux.ingress keyed by its SourceFlow's
// mega-UFID.
type IngressFlow struct {
	UFID   core.MegaUFID
	Source *core.SourceFlow
	Netdev netdev.Handle // physical port the encapsulated packet arrives on
	Info   core.OffloadInfo
}

// InnerFlow represents a logical flow matched on the post-decap packet
// arriving on tunnel port T, stored in TnlAux.inner keyed by its
// SourceFlow's mega-UFID.
type InnerFlow struct {
	UFID        core.MegaUFID
	Source      *core.SourceFlow
	Info        core.OffloadInfo
	RefCount    int
	MergeStatus core.Status // transient: None, Full, or Failed during a merge attempt
}

// TnlAux is a per-tunnel-virtual-port container: two UFID-keyed maps
// guarded by a single reader-writer lock (spec.md §4.3). Callers that
// need to mutate both maps as one atomic cross-product step take the
// exclusive lock directly via Lock/Unlock and use the *Locked accessors;
// simple lookups use the exported, self-locking methods.
type TnlAux struct {
	mu      sync.RWMutex
	Port    netdev.Handle
	ingress map[core.MegaUFID]*IngressFlow
	inner   map[core.MegaUFID]*InnerFlow
}

// New creates an empty TnlAux bound to port. Lifecycle is owned by the
// tunnel port: it is created when the port is constructed and flushed on
// teardown.
func New(port netdev.Handle) *TnlAux {
	return &TnlAux{
		Port:    port,
		ingress: make(map[core.MegaUFID]*IngressFlow),
		inner:   make(map[core.MegaUFID]*InnerFlow),
	}
}

func (t *TnlAux) Lock()    { t.mu.Lock() }
func (t *TnlAux) Unlock()  { t.mu.Unlock() }
func (t *TnlAux) RLock()   { t.mu.RLock() }
func (t *TnlAux) RUnlock() { t.mu.RUnlock() }

// GetIngress finds an IngressFlow by mega-UFID under a shared lock.
func (t *TnlAux) GetIngress(ufid core.MegaUFID) (*IngressFlow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.ingress[ufid]
	return i, ok
}

// GetInner finds an InnerFlow by mega-UFID under a shared lock.
func (t *TnlAux) GetInner(ufid core.MegaUFID) (*InnerFlow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.inner[ufid]
	return j, ok
}

// IngressLocked and InnerLocked are the unlocked accessors used by the
// cross-product merger, which already holds the exclusive lock while it
// walks both maps together.

func (t *TnlAux) IngressLocked(ufid core.MegaUFID) (*IngressFlow, bool) {
	i, ok := t.ingress[ufid]
	return i, ok
}

func (t *TnlAux) InnerLocked(ufid core.MegaUFID) (*InnerFlow, bool) {
	j, ok := t.inner[ufid]
	return j, ok
}

func (t *TnlAux) PutIngressLocked(i *IngressFlow) { t.ingress[i.UFID] = i }
func (t *TnlAux) PutInnerLocked(j *InnerFlow)      { t.inner[j.UFID] = j }

func (t *TnlAux) DeleteIngressLocked(ufid core.MegaUFID) { delete(t.ingress, ufid) }
func (t *TnlAux) DeleteInnerLocked(ufid core.MegaUFID)   { delete(t.inner, ufid) }

// IngressFlowsLocked returns a snapshot slice of every IngressFlow. Must
// be called while holding at least a shared lock.
func (t *TnlAux) IngressFlowsLocked() []*IngressFlow {
	out := make([]*IngressFlow, 0, len(t.ingress))
	for _, i := range t.ingress {
		out = append(out, i)
	}
	return out
}

// InnerFlowsLocked returns a snapshot slice of every InnerFlow. Must be
// called while holding at least a shared lock.
func (t *TnlAux) InnerFlowsLocked() []*InnerFlow {
	out := make([]*InnerFlow, 0, len(t.inner))
	for _, j := range t.inner {
		out = append(out, j)
	}
	return out
}

// IngressCount and InnerCount report map sizes under a shared lock, for
// diagnostics and tests.
func (t *TnlAux) IngressCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ingress)
}

func (t *TnlAux) InnerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.inner)
}

// FlushAll frees every entry without issuing hardware deletes. Used only
// when the parent tunnel port is being destroyed, where hardware state is
// assumed gone with it.
func (t *TnlAux) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ingress = make(map[core.MegaUFID]*IngressFlow)
	t.inner = make(map[core.MegaUFID]*InnerFlow)
}

// Registry binds one TnlAux to each tunnel vport for that port's
// lifetime: a map from netdev handle to TnlAux under one RWMutex.
type Registry struct {
	mu  sync.RWMutex
	aux map[netdev.Handle]*TnlAux
}

// NewRegistry returns an empty tunnel-port registry.
func NewRegistry() *Registry {
	return &Registry{aux: make(map[netdev.Handle]*TnlAux)}
}

// GetOrCreate returns the TnlAux bound to port, creating it if this is
// the port's first use as a tunnel vport.
func (r *Registry) GetOrCreate(port netdev.Handle) *TnlAux {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.aux[port]; ok {
		return t
	}
	t := New(port)
	r.aux[port] = t
	return t
}

// Get returns the TnlAux bound to port, if any.
func (r *Registry) Get(port netdev.Handle) (*TnlAux, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.aux[port]
	return t, ok
}

// All returns a snapshot of every registered tunnel netdev and its
// TnlAux, used by the stats aggregator when it must search for a flow's
// owning tunnel port rather than being told it directly.
func (r *Registry) All() map[netdev.Handle]*TnlAux {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[netdev.Handle]*TnlAux, len(r.aux))
	for k, v := range r.aux {
		out[k] = v
	}
	return out
}

// Free flushes and unbinds the TnlAux for port (vport teardown, spec.md
// §6 "Tunnel vport contract").
func (r *Registry) Free(port netdev.Handle) {
	r.mu.Lock()
	t, ok := r.aux[port]
	delete(r.aux, port)
	r.mu.Unlock()
	if ok {
		t.FlushAll()
	}
}
