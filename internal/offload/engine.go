// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload wires the offload-engine components together: the
// request queue, action classifier, tunnel auxiliary registry,
// cross-product merger, and stats aggregator. It re-exports the shared
// data model from the core subpackage so callers only need one import.
package offload

import (
	"sync"

	"github.com/grimmhw/vtpoffload/internal/clock"
	"github.com/grimmhw/vtpoffload/internal/errors"
	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/classify"
	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/merge"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/queue"
	"github.com/grimmhw/vtpoffload/internal/offload/stats"
	"github.com/grimmhw/vtpoffload/internal/offload/tnlaux"
)

// Re-exported data model: the rest of this codebase imports only
// "offload", not "offload/core".
type (
	Status      = core.Status
	Op          = core.Op
	PortNo      = core.PortNo
	Action      = core.Action
	ActionKind  = core.ActionKind
	Match       = core.Match
	MegaUFID    = core.MegaUFID
	OffloadInfo = core.OffloadInfo
	FlowStats   = core.FlowStats
	SourceFlow  = core.SourceFlow
	WorkItem    = core.WorkItem
)

const (
	StatusNone       = core.StatusNone
	StatusInProgress = core.StatusInProgress
	StatusMask       = core.StatusMask
	StatusFull       = core.StatusFull
	StatusFailed     = core.StatusFailed

	OpAdd = core.OpAdd
	OpMod = core.OpMod
	OpDel = core.OpDel

	ActionOutput    = core.ActionOutput
	ActionTunnelPop = core.ActionTunnelPop
	ActionPushVlan  = core.ActionPushVlan
	ActionClone     = core.ActionClone
)

var (
	NewSourceFlow      = core.NewSourceFlow
	NewMegaUFID        = core.NewMegaUFID
	MegaUFIDFromHalves = core.MegaUFIDFromHalves
)

// Config bounds the engine's own tunables. ProbeRetries is stored on the
// Engine but not consulted: the ingress validation probe runs exactly
// once, and a probe failure marks the add Failed whatever its value.
type Config struct {
	ProbeRetries int
}

// DefaultConfig matches the original's behavior: no retry.
func DefaultConfig() Config {
	return Config{ProbeRetries: 0}
}

// Engine is the offload dispatcher (spec.md §4.5, C5): for each queued
// item it classifies, drives the cross-product merger or the direct
// path, and records the resulting status on the SourceFlow.
type Engine struct {
	cfg      Config
	backend  netdev.Backend
	registry *tnlaux.Registry
	merger   *merge.Merger
	aggr     *stats.Aggregator
	queue    *queue.RequestQueue
	logger   *logging.Logger
	clock    clock.Clock

	hintMu   sync.Mutex
	lastHint string
}

// New constructs an Engine bound to backend. The queue is not started;
// call Start to spawn its worker goroutine.
func New(backend netdev.Backend, logger *logging.Logger, cfg Config) *Engine {
	registry := tnlaux.NewRegistry()
	e := &Engine{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		merger:   merge.New(backend, registry, logger),
		logger:   logger,
		clock:    clock.Real(),
	}
	e.aggr = stats.New(backend, registry, e.resolvePort, logger)
	e.queue = queue.New(logger)
	return e
}

// SetClock overrides the engine's time source, for deterministic tests.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

func (e *Engine) resolvePort(port core.PortNo) (netdev.Handle, bool) {
	return e.backend.PortsGet(port)
}

// Start spawns the worker goroutine (spec.md §4.1 worker loop).
func (e *Engine) Start() { e.queue.Restart(e.dispatch) }

// Join stops the worker: it signals exit, lets it finish its current
// item, then drains the remaining queue (spec.md §5 "Cancellation").
func (e *Engine) Join() { e.queue.Join() }

// Restart re-spawns the worker after Join, following the restart-capable
// Start/Stop pattern this codebase uses elsewhere.
func (e *Engine) Restart() { e.queue.Restart(e.dispatch) }

// Pause denies new Add/Mod enqueues and waits for the queue to drain;
// Deletes still enqueue underneath it (spec.md §5 "Pause/drain").
func (e *Engine) Pause() bool { return e.queue.Pause() }

// Resume restores the accept-requests state pause returned.
func (e *Engine) Resume(prev bool) { e.queue.Resume(prev) }

// Put enqueues an Add or Mod for flow.
func (e *Engine) Put(flow *core.SourceFlow, op core.Op, newActions, oldActions []core.Action) bool {
	return e.queue.Put(flow, op, newActions, oldActions)
}

// Delete enqueues a Del for flow, bypassing the pause gate.
func (e *Engine) Delete(flow *core.SourceFlow) bool {
	return e.queue.Delete(flow)
}

// QueueDepth reports the current backlog, for metrics.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// TnlAuxFor returns the TnlAux bound to a tunnel vport, for the
// diagnostic dump and admin channel.
func (e *Engine) TnlAuxFor(tunnelNetdev netdev.Handle) (*tnlaux.TnlAux, bool) {
	return e.registry.Get(tunnelNetdev)
}

// RegisterTunnelPort binds an empty TnlAux to a tunnel vport. Call it
// when the vport is constructed, mirroring the original's "TnlAux
// lifecycle is owned by the tunnel port" rule: a popped port with no
// TnlAux yet is not a tunnel vport as far as the merger is concerned,
// and an ingress-add on it falls through to an ordinary direct offload.
func (e *Engine) RegisterTunnelPort(tunnelNetdev netdev.Handle) {
	e.registry.GetOrCreate(tunnelNetdev)
}

// FreeTunnelPort flushes and unbinds a tunnel vport's TnlAux on
// teardown.
func (e *Engine) FreeTunnelPort(tunnelNetdev netdev.Handle) {
	e.registry.Free(tunnelNetdev)
}

// Used implements offload_used/used_probe (spec.md §4.6, C6).
func (e *Engine) Used(flow *core.SourceFlow) {
	e.aggr.Used(flow, e.clock.Now().Unix())
}

// LastMergeHint returns the most recent non-fatal inconsistency hint
// recorded by the cross-product merger (spec.md §9 open question 1).
func (e *Engine) LastMergeHint() string {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()
	return e.lastHint
}

func (e *Engine) recordHint(h string) {
	if h == "" {
		return
	}
	e.hintMu.Lock()
	e.lastHint = h
	e.hintMu.Unlock()
}

// dispatch implements spec.md §4.5, steps 1-7. It is called by the
// queue's worker goroutine; it never holds the queue mutex.
func (e *Engine) dispatch(item *core.WorkItem) {
	flow := item.Flow
	defer func() { flow.SetHint("") }()

	if flow.Dead() {
		flow.SetStatus(core.StatusNone)
		return
	}

	ingressNetdev, ok := e.backend.PortsGet(flow.InPort)
	if !ok {
		err := errors.Errorf(errors.KindResourceMissing, "offload: ingress port %d unknown to backend", flow.InPort)
		e.logger.Warn("offload: dispatch failed", "ufid", flow.UFID.String(), "error", err)
		flow.SetStatus(core.StatusFailed)
		return
	}

	if item.Op == core.OpDel {
		e.dispatchDelete(flow, ingressNetdev, item.PrevStatus)
		return
	}

	e.dispatchAddOrMod(item, flow, ingressNetdev)
}

func (e *Engine) dispatchAddOrMod(item *core.WorkItem, flow *core.SourceFlow, ingressNetdev netdev.Handle) {
	wasOffloaded := item.PrevStatus == core.StatusFull || item.PrevStatus == core.StatusMask

	if item.Op == core.OpMod && len(item.OldActions) > 0 {
		e.unwindOldBinding(flow, item.OldActions, ingressNetdev)
	}

	ingressType := e.backend.GetType(ingressNetdev)
	offloadable, info := classify.Classify(e.resolveType, ingressType, item.NewActions)

	if !offloadable {
		err := errors.Errorf(errors.KindNotOffloadable, "offload: action list rejected by classifier for ufid %s", flow.UFID.String())
		e.logger.Debug("offload: flow not offloadable", "ufid", flow.UFID.String(), "error", err)
		if item.Op == core.OpAdd || !wasOffloaded {
			flow.SetStatus(core.StatusFailed)
			return
		}
		e.dispatchDelete(flow, ingressNetdev, item.PrevStatus)
		flow.SetStatus(core.StatusFailed)
		return
	}

	if info.HasTunnelPop {
		if tunnelNetdev, ok := e.backend.PortsGet(info.TunnelPort); ok {
			handled, status := e.merger.TryAddIngress(flow, flow.UFID, tunnelNetdev, ingressNetdev, flow.Match, info)
			if handled {
				e.recordHint(flow.Hint())
				e.finishAdd(flow, status, wasOffloaded)
				return
			}
		}
	}

	if e.backend.IsVportClass(ingressNetdev) && flow.Match.HasTunnelDst() {
		status := e.merger.TryAddInner(flow, flow.UFID, ingressNetdev, info)
		e.finishAdd(flow, status, wasOffloaded)
		return
	}

	// Direct path: install keyed by the flow's own mega-UFID, no merging.
	if item.Op == core.OpMod {
		e.logger.Debug("offload: modifying ingress binding", "ufid", flow.UFID.String(), "actions", item.NewActions)
	}
	if err := e.backend.FlowPut(ingressNetdev, flow.Match, item.NewActions, flow.UFID, &info); err != nil {
		wrapped := errors.Wrapf(err, errors.KindHardwareReject, "offload: direct flow install rejected for ufid %s", flow.UFID.String())
		e.logger.Warn("offload: direct offload failed", "ufid", flow.UFID.String(), "error", wrapped)
		flow.SetStatus(core.StatusFailed)
		return
	}
	status := core.StatusMask
	if info.ActionsOffloaded {
		status = core.StatusFull
	}
	e.finishAdd(flow, status, wasOffloaded)
}

func (e *Engine) finishAdd(flow *core.SourceFlow, status core.Status, wasOffloaded bool) {
	flow.SetStatus(status)
	nowOffloaded := status == core.StatusFull || status == core.StatusMask
	if nowOffloaded && !wasOffloaded {
		flow.Ref()
	}
}

func (e *Engine) dispatchDelete(flow *core.SourceFlow, ingressNetdev netdev.Handle, prevStatus core.Status) {
	wasOffloaded := prevStatus == core.StatusFull || prevStatus == core.StatusMask

	handledByCascade := false
	for tunnelNetdev, aux := range e.registry.All() {
		if _, ok := aux.GetIngress(flow.UFID); ok {
			if e.merger.DeleteIngress(tunnelNetdev, flow.UFID, flow) {
				handledByCascade = true
			}
		}
		if _, ok := aux.GetInner(flow.UFID); ok {
			if e.merger.DeleteInner(tunnelNetdev, flow.UFID, flow) {
				handledByCascade = true
			}
		}
	}

	if !handledByCascade {
		if err := e.backend.FlowDel(ingressNetdev, flow.UFID); err != nil {
			wrapped := errors.Wrapf(err, errors.KindHardwareReject, "offload: direct flow delete rejected for ufid %s", flow.UFID.String())
			e.logger.Warn("offload: delete failed", "ufid", flow.UFID.String(), "error", wrapped)
		}
		flow.SetStatus(core.StatusNone)
	}

	if wasOffloaded {
		flow.Unref()
	}
}

// unwindOldBinding removes whatever cross-product or direct binding the
// old action list implies, ahead of installing the new one (spec.md
// §4.4.5 "Modify").
func (e *Engine) unwindOldBinding(flow *core.SourceFlow, oldActions []core.Action, ingressNetdev netdev.Handle) {
	for _, act := range oldActions {
		if act.Kind == core.ActionTunnelPop {
			if tunnelNetdev, ok := e.backend.PortsGet(act.Port); ok {
				e.merger.DeleteIngress(tunnelNetdev, flow.UFID, flow)
			}
			return
		}
	}
	if e.backend.IsVportClass(ingressNetdev) {
		e.merger.DeleteInner(ingressNetdev, flow.UFID, flow)
		return
	}
	if err := e.backend.FlowDel(ingressNetdev, flow.UFID); err != nil {
		wrapped := errors.Wrapf(err, errors.KindHardwareReject, "offload: unwind of old binding failed for ufid %s", flow.UFID.String())
		e.logger.Warn("offload: unwind failed", "ufid", flow.UFID.String(), "error", wrapped)
	}
}

func (e *Engine) resolveType(port core.PortNo) string {
	nd, ok := e.backend.PortsGet(port)
	if !ok {
		return ""
	}
	return e.backend.GetType(nd)
}
