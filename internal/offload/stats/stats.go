// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats implements the stats aggregator (spec.md §4.6): it
// reassembles the per-pair hardware counters of a merged flow back onto
// the single logical SourceFlow the datapath holds.
package stats

import (
	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/tnlaux"
)

// Aggregator implements used_probe (spec.md §4.6).
type Aggregator struct {
	backend   netdev.Backend
	registry  *tnlaux.Registry
	resolve   func(core.PortNo) (netdev.Handle, bool)
	logger    *logging.Logger
}

// New returns an Aggregator. resolve looks up a netdev handle by port
// number, the same resolution the dispatcher performs.
func New(backend netdev.Backend, registry *tnlaux.Registry, resolve func(core.PortNo) (netdev.Handle, bool), logger *logging.Logger) *Aggregator {
	return &Aggregator{backend: backend, registry: registry, resolve: resolve, logger: logger}
}

// Used implements used_probe(flow, now, &stats): it tries ingress-side
// aggregation, then inner-side, then a direct FlowGet, and folds
// whichever path produced nonzero packets back onto flow.
func (a *Aggregator) Used(flow *core.SourceFlow, nowUnixSec int64) {
	ingressNetdev, ok := a.resolve(flow.InPort)
	if !ok {
		return
	}

	if tunnelPort, ok := tunnelPopTarget(flow.Actions); ok {
		if tunnelNetdev, ok := a.resolve(tunnelPort); ok {
			if aux, ok := a.registry.Get(tunnelNetdev); ok {
				if i, ok := aux.GetIngress(flow.UFID); ok {
					if a.aggregateIngressSide(flow, aux, i, nowUnixSec) {
						return
					}
				}
			}
		}
	}

	if flow.Match.HasTunnelDst() {
		for _, aux := range a.registry.All() {
			if j, ok := aux.GetInner(flow.UFID); ok {
				if a.aggregateInnerSide(flow, aux, j, nowUnixSec) {
					return
				}
			}
		}
	}

	if st, err := a.backend.FlowGet(ingressNetdev, flow.UFID); err == nil && st.Packets > 0 {
		a.fold(flow, st.Packets, st.Bytes, nowUnixSec)
	}
}

func tunnelPopTarget(actions []core.Action) (core.PortNo, bool) {
	for _, act := range actions {
		if act.Kind == core.ActionTunnelPop {
			return act.Port, true
		}
	}
	return 0, false
}

// UsedOnTunnel is Used, but for inner flows the caller already knows the
// tunnel vport of (avoiding Used's scan over every registry.All entry).
func (a *Aggregator) UsedOnTunnel(flow *core.SourceFlow, tunnelNetdev netdev.Handle, nowUnixSec int64) {
	aux, ok := a.registry.Get(tunnelNetdev)
	if !ok {
		return
	}

	if i, ok := aux.GetIngress(flow.UFID); ok {
		if a.aggregateIngressSide(flow, aux, i, nowUnixSec) {
			return
		}
	}

	if j, ok := aux.GetInner(flow.UFID); ok {
		if a.aggregateInnerSide(flow, aux, j, nowUnixSec) {
			return
		}
	}

	if nd, ok := a.resolve(flow.InPort); ok {
		if st, err := a.backend.FlowGet(nd, flow.UFID); err == nil && st.Packets > 0 {
			a.fold(flow, st.Packets, st.Bytes, nowUnixSec)
		}
	}
}

func (a *Aggregator) aggregateIngressSide(flow *core.SourceFlow, aux *tnlaux.TnlAux, i *tnlaux.IngressFlow, nowUnixSec int64) bool {
	aux.RLock()
	defer aux.RUnlock()

	var packets, bytes uint64
	for _, j := range aux.InnerFlowsLocked() {
		key := i.UFID.Xor(j.UFID)
		st, err := a.backend.FlowGet(i.Netdev, key)
		if err != nil {
			continue // stats fetch failure: contribute zero, per spec.md §7
		}
		packets += st.Packets
		bytes += st.Bytes
	}

	if packets == 0 {
		return false
	}
	a.fold(flow, packets, bytes, nowUnixSec)
	return true
}

func (a *Aggregator) aggregateInnerSide(flow *core.SourceFlow, aux *tnlaux.TnlAux, j *tnlaux.InnerFlow, nowUnixSec int64) bool {
	aux.RLock()
	defer aux.RUnlock()

	var packets, bytes uint64
	for _, i := range aux.IngressFlowsLocked() {
		key := i.UFID.Xor(j.UFID)
		st, err := a.backend.FlowGet(i.Netdev, key)
		if err != nil {
			continue
		}
		packets += st.Packets
		bytes += st.Bytes
	}

	if packets == 0 {
		return false
	}
	a.fold(flow, packets, bytes, nowUnixSec)
	return true
}

func (a *Aggregator) fold(flow *core.SourceFlow, packets, bytes uint64, nowUnixSec int64) {
	flow.AddStats(packets, bytes, nowUnixSec)
}
