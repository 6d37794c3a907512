// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package merge implements the cross-product merger (spec.md §4.4): it
// installs, removes, and queries the Cartesian product of a TnlAux's
// ingress and inner flows on hardware, keyed by the XOR of their
// mega-UFIDs, and enforces the rollback protocol on partial failure.
package merge

import (
	"fmt"

	"github.com/grimmhw/vtpoffload/internal/errors"
	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/tnlaux"
)

// Merger drives one tunnel port's TnlAux against a netdev.Backend.
type Merger struct {
	backend  netdev.Backend
	registry *tnlaux.Registry
	logger   *logging.Logger
}

// New returns a Merger bound to backend and registry.
func New(backend netdev.Backend, registry *tnlaux.Registry, logger *logging.Logger) *Merger {
	return &Merger{backend: backend, registry: registry, logger: logger}
}

func pairMatch(j *tnlaux.InnerFlow) core.Match {
	return j.Source.Match.WithoutTunnelMetadata()
}

func pairActions(j *tnlaux.InnerFlow) []core.Action {
	return j.Source.Actions
}

func pairInfo(i *tnlaux.IngressFlow, j *tnlaux.InnerFlow) core.OffloadInfo {
	info := j.Info
	info.TpDstPort = i.Info.TpDstPort
	info.TunDlDst = i.Info.TunDlDst
	info.TunDst = i.Info.TunDst
	if i.Info.VxlanDecap {
		info.VxlanDecap = true
	}
	if i.Info.VlanPush {
		info.VlanPush = true
	}
	return info
}

// installPair installs the merged flow for (i, j) on i.Netdev, keyed by
// mega(I) XOR mega(J).
func (m *Merger) installPair(i *tnlaux.IngressFlow, j *tnlaux.InnerFlow) error {
	key := i.UFID.Xor(j.UFID)
	info := pairInfo(i, j)
	return m.backend.FlowPut(i.Netdev, pairMatch(j), pairActions(j), key, &info)
}

func (m *Merger) installPairDel(i *tnlaux.IngressFlow, j *tnlaux.InnerFlow) error {
	key := i.UFID.Xor(j.UFID)
	return m.backend.FlowDel(i.Netdev, key)
}

// probe installs the ingress match alone, with no actions, mark_set=1,
// and immediately deletes it again (spec.md §4.4.1 step 3). A probe
// failure means the ingress flow cannot be offloaded at all.
func (m *Merger) probe(ufid core.MegaUFID, ingressNetdev netdev.Handle, match core.Match) error {
	info := core.OffloadInfo{MarkSet: true}
	if err := m.backend.FlowPut(ingressNetdev, match, nil, ufid, &info); err != nil {
		return err
	}
	return m.backend.FlowDel(ingressNetdev, ufid)
}

// TryAddIngress implements spec.md §4.4.1. handled is false when T has no
// TnlAux yet, signaling the dispatcher to treat this as an ordinary
// offload instead.
func (m *Merger) TryAddIngress(flow *core.SourceFlow, ufid core.MegaUFID, tunnelNetdev, ingressNetdev netdev.Handle, match core.Match, info core.OffloadInfo) (handled bool, status core.Status) {
	aux, ok := m.registry.Get(tunnelNetdev)
	if !ok {
		return false, core.StatusNone
	}

	aux.Lock()
	defer aux.Unlock()

	if _, dup := aux.IngressLocked(ufid); dup {
		err := errors.Errorf(errors.KindDuplicateFlow, "merge: ufid %s already bound to an ingress flow on this tunnel port", ufid)
		m.logger.Warn("offload: duplicate ingress ufid", "ufid", ufid.String(), "error", err)
		return true, core.StatusFailed
	}

	if err := m.probe(ufid, ingressNetdev, match); err != nil {
		wrapped := errors.Wrap(err, errors.KindHardwareReject, "ingress validation probe failed")
		m.logger.Warn("offload: ingress validation probe failed", "ufid", ufid.String(), "error", wrapped)
		return true, core.StatusFailed
	}

	ing := &tnlaux.IngressFlow{UFID: ufid, Source: flow, Netdev: ingressNetdev, Info: info}

	var installed []*tnlaux.InnerFlow
	var failedJ *tnlaux.InnerFlow
	for _, j := range aux.InnerFlowsLocked() {
		j.MergeStatus = core.StatusNone
		if err := m.installPair(ing, j); err != nil {
			j.MergeStatus = core.StatusFailed
			failedJ = j
			break
		}
		j.MergeStatus = core.StatusFull
		j.RefCount++
		installed = append(installed, j)
	}

	if failedJ == nil {
		aux.PutIngressLocked(ing)
		return true, core.StatusFull
	}

	// Rollback: undo every pair this attempt installed.
	for _, j := range installed {
		if err := m.installPairDel(ing, j); err != nil {
			m.logger.Error("offload: rollback delete failed", "ufid", j.UFID.String(), "error", err)
		}
		j.RefCount--
		j.MergeStatus = core.StatusNone
	}

	if failedJ.RefCount == 0 {
		failedJ.Source.SetStatus(core.StatusFailed)
		aux.DeleteInnerLocked(failedJ.UFID)
	} else {
		hint := fmt.Sprintf("inner flow %s failed merge with ref_count=%d", failedJ.UFID, failedJ.RefCount)
		err := errors.Errorf(errors.KindInconsistent, "merge: %s", hint)
		m.logger.Warn("offload: inconsistent inner flow state after rollback", "ufid", failedJ.UFID.String(), "ref_count", failedJ.RefCount, "error", err)
		flow.SetHint(hint)
	}

	return true, core.StatusFailed
}

// TryAddInner implements spec.md §4.4.2, symmetric to TryAddIngress.
// modify indicates J already existed (this Add is really a re-install);
// on rollback a modify also removes J rather than leaving a zero-ref
// stub.
func (m *Merger) TryAddInner(flow *core.SourceFlow, ufid core.MegaUFID, tunnelNetdev netdev.Handle, info core.OffloadInfo) (status core.Status) {
	aux := m.registry.GetOrCreate(tunnelNetdev)

	aux.Lock()
	defer aux.Unlock()

	existing, modify := aux.InnerLocked(ufid)
	var j *tnlaux.InnerFlow
	if modify {
		if existing.Source != flow {
			return core.StatusFailed
		}
		j = existing
		j.Info = info
	} else {
		j = &tnlaux.InnerFlow{UFID: ufid, Source: flow, Info: info}
	}

	var installed []*tnlaux.IngressFlow
	failed := false
	for _, i := range aux.IngressFlowsLocked() {
		if err := m.installPair(i, j); err != nil {
			wrapped := errors.Wrapf(err, errors.KindHardwareReject, "merge: inner install rejected for ufid %s", ufid)
			m.logger.Warn("offload: inner merge install failed", "ufid", ufid.String(), "error", wrapped)
			failed = true
			break
		}
		j.RefCount++
		installed = append(installed, i)
	}

	if !failed {
		aux.PutInnerLocked(j)
		return core.StatusFull
	}

	for _, i := range installed {
		if err := m.installPairDel(i, j); err != nil {
			m.logger.Error("offload: rollback delete failed", "ufid", i.UFID.String(), "error", err)
		}
		j.RefCount--
	}

	if modify {
		aux.DeleteInnerLocked(ufid)
	}

	return core.StatusFailed
}

// DeleteIngress implements spec.md §4.4.3: for every InnerFlow J, delete
// the merged pair, then remove and free I. found is false if no matching
// ingress flow was bound to flow.
func (m *Merger) DeleteIngress(tunnelNetdev netdev.Handle, ufid core.MegaUFID, flow *core.SourceFlow) (found bool) {
	aux, ok := m.registry.Get(tunnelNetdev)
	if !ok {
		return false
	}

	aux.Lock()
	defer aux.Unlock()

	i, ok := aux.IngressLocked(ufid)
	if !ok || i.Source != flow {
		return false
	}

	for _, j := range aux.InnerFlowsLocked() {
		if err := m.installPairDel(i, j); err != nil {
			m.logger.Error("offload: delete-ingress pair cleanup failed", "ufid", j.UFID.String(), "error", err)
		}
		if j.RefCount > 0 {
			j.RefCount--
		}
	}

	flow.SetStatus(core.StatusNone)
	aux.DeleteIngressLocked(ufid)
	return true
}

// DeleteInner implements spec.md §4.4.4, symmetric to DeleteIngress.
func (m *Merger) DeleteInner(tunnelNetdev netdev.Handle, ufid core.MegaUFID, flow *core.SourceFlow) (found bool) {
	aux, ok := m.registry.Get(tunnelNetdev)
	if !ok {
		return false
	}

	aux.Lock()
	defer aux.Unlock()

	j, ok := aux.InnerLocked(ufid)
	if !ok || j.Source != flow {
		return false
	}

	for _, i := range aux.IngressFlowsLocked() {
		if err := m.installPairDel(i, j); err != nil {
			m.logger.Error("offload: delete-inner pair cleanup failed", "ufid", i.UFID.String(), "error", err)
		}
	}

	flow.SetStatus(core.StatusNone)
	aux.DeleteInnerLocked(ufid)
	return true
}
