// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queue implements the request queue (spec.md §4.1): a
// mutex-guarded FIFO of offload WorkItems drained by a single worker
// goroutine, with pause/drain/resume/restart control.
//
// The single-worker design is deliberate: hardware offload calls can
// block or retry internally and must observe a consistent per-flow
// order. Serializing them removes the need for per-flow locks and
// guarantees at most one install/uninstall in flight per SourceFlow.
package queue

import (
	"sync"
	"time"

	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/core"
)

// Dispatch processes one WorkItem. It is supplied by the engine and
// never called while the queue's own mutex is held.
type Dispatch func(*core.WorkItem)

// RequestQueue is the OffloadCtx of spec.md §3/§4.1.
type RequestQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items []*core.WorkItem

	exit    bool
	req     bool // accept requests?
	process bool // worker currently running an item?

	dispatch Dispatch
	logger   *logging.Logger

	wg sync.WaitGroup
}

// New returns a RequestQueue that accepts requests but has no worker
// running yet; call Restart to start one.
func New(logger *logging.Logger) *RequestQueue {
	q := &RequestQueue{req: true, logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put implements queue_put: if accept-requests is enabled and flow is
// not already InProgress, enqueue op for flow and mark it InProgress
// under the queue mutex (spec.md invariant 1). Returns false if the item
// was not accepted.
func (q *RequestQueue) Put(flow *core.SourceFlow, op core.Op, newActions, oldActions []core.Action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.req {
		return false
	}
	return q.enqueueLocked(flow, op, newActions, oldActions)
}

// Delete implements queue_del: same as Put with op=Del, but ignores the
// req flag because deletes must always drain (spec.md §4.1, and §9 open
// question 2 — documented policy, not accident).
func (q *RequestQueue) Delete(flow *core.SourceFlow) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(flow, core.OpDel, nil, nil)
}

func (q *RequestQueue) enqueueLocked(flow *core.SourceFlow, op core.Op, newActions, oldActions []core.Action) bool {
	prev := flow.Status()
	if prev == core.StatusInProgress {
		return false
	}

	flow.SetStatus(core.StatusInProgress)
	q.items = append(q.items, &core.WorkItem{
		Flow:       flow,
		Op:         op,
		NewActions: newActions,
		OldActions: oldActions,
		PrevStatus: prev,
	})

	if !q.process {
		q.cond.Signal()
	}
	return true
}

// Pause implements pause(): if req is currently true, set it false and
// wait for the queue to drain. Returns the prior value, to be passed to
// Resume later (spec.md P6: the pause/resume round trip is idempotent on
// req).
func (q *RequestQueue) Pause() bool {
	q.mu.Lock()
	prev := q.req
	if q.req {
		q.req = false
	}
	q.mu.Unlock()

	q.WaitDrained()
	return prev
}

// Resume implements resume(prev): restore req to its pre-pause value.
func (q *RequestQueue) Resume(prev bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.req = prev
}

// WaitDrained busy-polls until the queue is idle and empty, re-signaling
// the worker if items remain but it isn't currently processing (this can
// happen if the worker hasn't woken from its condvar wait yet).
func (q *RequestQueue) WaitDrained() {
	for {
		q.mu.Lock()
		switch {
		case !q.process && len(q.items) == 0:
			q.mu.Unlock()
			return
		case !q.process:
			q.cond.Signal()
		}
		q.mu.Unlock()
		time.Sleep(time.Microsecond)
	}
}

// Join implements join(): signal the worker to exit, and wait for it to
// finish draining the remaining queue.
func (q *RequestQueue) Join() {
	q.mu.Lock()
	q.exit = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

// Restart implements restart(): clear exit and spawn a new worker bound
// to dispatch. The mutex, condition variable and item list are reused as
// they are, so the same *RequestQueue can be stopped with Join and
// started again repeatedly.
func (q *RequestQueue) Restart(dispatch Dispatch) {
	q.mu.Lock()
	q.exit = false
	q.dispatch = dispatch
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
}

// Depth reports the current queue length, for metrics.
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RequestQueue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.exit {
			q.process = false
			q.cond.Wait()
		}

		if q.exit {
			q.drainLocked()
			q.mu.Unlock()
			return
		}

		item := q.items[0]
		q.items = q.items[1:]
		q.process = true
		q.mu.Unlock()

		q.dispatch(item)
	}
}

// drainLocked marks every remaining queued item's SourceFlow back to
// None and discards the item, run while holding q.mu during Join's
// final pass.
func (q *RequestQueue) drainLocked() {
	if len(q.items) > 0 && q.logger != nil {
		q.logger.Info("offload: draining queue on exit", "items", len(q.items))
	}
	for _, item := range q.items {
		item.Flow.SetStatus(core.StatusNone)
	}
	q.items = nil
	q.process = false
}
