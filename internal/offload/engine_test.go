// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev/simnetdev"
)

func testEngine(t *testing.T) (*Engine, *simnetdev.Backend) {
	t.Helper()
	backend := simnetdev.NewBackend()
	eng := New(backend, logging.New(logging.DefaultConfig()), DefaultConfig())
	eng.Start()
	t.Cleanup(eng.Join)
	return eng, backend
}

func putAndDrain(t *testing.T, eng *Engine, flow *SourceFlow, op Op, newActions, oldActions []Action) {
	t.Helper()
	require.True(t, eng.Put(flow, op, newActions, oldActions))
	waitForStatus(t, flow)
}

func waitForStatus(t *testing.T, flow *SourceFlow) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if flow.Status() != StatusInProgress {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("flow %s never left InProgress", flow.UFID)
}

// Scenario 1: single direct offload.
func TestEngine_SingleDirectOffload(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	p2 := backend.AddPort(2, "p2")

	flow := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionOutput, Port: PortNo(2)}}, 0)
	putAndDrain(t, eng, flow, OpAdd, flow.Actions, nil)

	status := flow.Status()
	assert.True(t, status == StatusFull || status == StatusMask)
	assert.True(t, backend.HasFlow(p1, flow.UFID))
	_ = p2
}

// Modify (OpMod) replaces a flow's hardware binding in place: the old
// actions are unwound (direct FlowDel here, since neither end is a
// vport) before the new actions are installed.
func TestEngine_ModifyReplacesBinding(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	backend.AddPort(2, "p2")
	backend.AddPort(3, "p3")

	oldActions := []Action{{Kind: ActionOutput, Port: PortNo(2)}}
	flow := NewSourceFlow(NewMegaUFID(), 1, Match{}, oldActions, 0)
	putAndDrain(t, eng, flow, OpAdd, flow.Actions, nil)
	require.True(t, flow.Status() == StatusFull || flow.Status() == StatusMask)

	newActions := []Action{{Kind: ActionOutput, Port: PortNo(3)}}
	putAndDrain(t, eng, flow, OpMod, newActions, oldActions)

	assert.True(t, flow.Status() == StatusFull || flow.Status() == StatusMask)
	assert.True(t, backend.HasFlow(p1, flow.UFID))

	installed, ok := backend.ActionsFor(p1, flow.UFID)
	require.True(t, ok)
	assert.Equal(t, newActions, installed)
}

// Scenario 2: tap rejection.
func TestEngine_TapRejection(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	tap := backend.AddTapPort(2, "tap0")
	_ = tap

	flow := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionOutput, Port: PortNo(2)}}, 0)
	putAndDrain(t, eng, flow, OpAdd, flow.Actions, nil)

	assert.Equal(t, StatusFailed, flow.Status())
	assert.False(t, backend.HasFlow(p1, flow.UFID))
}

// Scenario 3: ingress-add without an inner flow present.
func TestEngine_IngressAddWithoutInner(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	tunnel := backend.AddVxlanPort(10, "vxlan0")
	eng.RegisterTunnelPort(tunnel)

	flowA := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionTunnelPop, Port: PortNo(10)}}, 0)
	putAndDrain(t, eng, flowA, OpAdd, flowA.Actions, nil)

	assert.Equal(t, StatusFull, flowA.Status())
	aux, ok := eng.TnlAuxFor(tunnel)
	require.True(t, ok)
	_, ok = aux.GetIngress(flowA.UFID)
	assert.True(t, ok)
	assert.Equal(t, 0, backend.FlowCount(p1))
}

// Scenario 4: add ingress then add inner.
func TestEngine_AddIngressThenAddInner(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	p3 := backend.AddPort(3, "p3")
	tunnel := backend.AddVxlanPort(10, "vxlan0")
	eng.RegisterTunnelPort(tunnel)
	_ = p3

	flowA := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionTunnelPop, Port: PortNo(10)}}, 0)
	putAndDrain(t, eng, flowA, OpAdd, flowA.Actions, nil)
	require.Equal(t, StatusFull, flowA.Status())

	flowB := NewSourceFlow(NewMegaUFID(), 10, Match{TunnelDst: net4()}, []Action{{Kind: ActionOutput, Port: PortNo(3)}}, 0)
	putAndDrain(t, eng, flowB, OpAdd, flowB.Actions, nil)

	assert.Equal(t, StatusFull, flowB.Status())
	aux, ok := eng.TnlAuxFor(tunnel)
	require.True(t, ok)
	j, ok := aux.GetInner(flowB.UFID)
	require.True(t, ok)
	assert.Equal(t, 1, j.RefCount)

	mergedKey := flowA.UFID.Xor(flowB.UFID)
	assert.True(t, backend.HasFlow(p1, mergedKey))
}

// Scenario 5: rollback on partial failure.
func TestEngine_RollbackOnPartialFailure(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	tunnel := backend.AddVxlanPort(10, "vxlan0")
	eng.RegisterTunnelPort(tunnel)

	b1 := NewSourceFlow(NewMegaUFID(), 10, Match{TunnelDst: net4()}, []Action{{Kind: ActionOutput, Port: PortNo(1)}}, 0)
	putAndDrain(t, eng, b1, OpAdd, b1.Actions, nil)

	// B2 is enqueued the same way as B1. No ingress flow exists yet, so
	// its pre-rollback ref_count is deterministically 0: it isn't merged
	// with anything until A arrives.
	b2 := NewSourceFlow(NewMegaUFID(), 10, Match{TunnelDst: net4()}, []Action{{Kind: ActionOutput, Port: PortNo(1)}}, 0)
	putAndDrain(t, eng, b2, OpAdd, b2.Actions, nil)

	a := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionTunnelPop, Port: PortNo(10)}}, 0)
	backend.RejectInstall(a.UFID.Xor(b2.UFID))

	preCount := backend.FlowCount(p1)
	putAndDrain(t, eng, a, OpAdd, a.Actions, nil)

	assert.Equal(t, StatusFailed, a.Status())
	assert.Equal(t, preCount, backend.FlowCount(p1))
	aux, ok := eng.TnlAuxFor(tunnel)
	require.True(t, ok)
	_, ok = aux.GetIngress(a.UFID)
	assert.False(t, ok)
}

// Scenario 6: delete cascade.
func TestEngine_DeleteCascade(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	tunnel := backend.AddVxlanPort(10, "vxlan0")
	eng.RegisterTunnelPort(tunnel)

	a := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionTunnelPop, Port: PortNo(10)}}, 0)
	putAndDrain(t, eng, a, OpAdd, a.Actions, nil)

	b := NewSourceFlow(NewMegaUFID(), 10, Match{TunnelDst: net4()}, []Action{{Kind: ActionOutput, Port: PortNo(1)}}, 0)
	putAndDrain(t, eng, b, OpAdd, b.Actions, nil)
	require.Equal(t, StatusFull, b.Status())

	require.True(t, eng.Delete(a))
	waitForStatus(t, a)

	aux, ok := eng.TnlAuxFor(tunnel)
	require.True(t, ok)
	_, ok = aux.GetIngress(a.UFID)
	assert.False(t, ok)

	mergedKey := a.UFID.Xor(b.UFID)
	assert.False(t, backend.HasFlow(p1, mergedKey))

	j, ok := aux.GetInner(b.UFID)
	require.True(t, ok)
	assert.Equal(t, 0, j.RefCount)
	assert.Equal(t, StatusNone, a.Status())
}

// Scenario 7: stats aggregation.
func TestEngine_StatsAggregation(t *testing.T) {
	eng, backend := testEngine(t)
	p1 := backend.AddPort(1, "p1")
	tunnel := backend.AddVxlanPort(10, "vxlan0")
	eng.RegisterTunnelPort(tunnel)

	a := NewSourceFlow(NewMegaUFID(), 1, Match{}, []Action{{Kind: ActionTunnelPop, Port: PortNo(10)}}, 0)
	putAndDrain(t, eng, a, OpAdd, a.Actions, nil)

	b := NewSourceFlow(NewMegaUFID(), 10, Match{TunnelDst: net4()}, []Action{{Kind: ActionOutput, Port: PortNo(1)}}, 0)
	putAndDrain(t, eng, b, OpAdd, b.Actions, nil)
	require.Equal(t, StatusFull, b.Status())

	mergedKey := a.UFID.Xor(b.UFID)
	backend.SetStats(p1, mergedKey, netdev.Stats{Packets: 17, Bytes: 2000})

	clk := &fixedClock{now: time.Unix(5000, 0)}
	eng.SetClock(clk)
	eng.Used(a)

	st := a.Stats()
	assert.Equal(t, uint64(17), st.PacketCount)
	assert.Equal(t, uint64(2000), st.ByteCount)
	assert.Equal(t, int64(5000), st.UsedUnixSec)
}

func net4() []byte { return []byte{10, 0, 0, 1} }

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }
