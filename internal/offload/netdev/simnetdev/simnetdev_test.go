// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package simnetdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
)

func TestBackend_PutGetDelete(t *testing.T) {
	b := NewBackend()
	port := b.AddPort(1, "eth0")
	ufid := core.NewMegaUFID()

	info := core.OffloadInfo{}
	err := b.FlowPut(port, core.Match{}, []core.Action{{Kind: core.ActionOutput}}, ufid, &info)
	require.NoError(t, err)
	assert.True(t, info.ActionsOffloaded)
	assert.True(t, b.HasFlow(port, ufid))

	b.SetStats(port, ufid, netdev.Stats{Packets: 5, Bytes: 500})
	st, err := b.FlowGet(port, ufid)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Packets)

	require.NoError(t, b.FlowDel(port, ufid))
	assert.False(t, b.HasFlow(port, ufid))
}

func TestBackend_RejectInstall(t *testing.T) {
	b := NewBackend()
	port := b.AddPort(1, "eth0")
	ufid := core.NewMegaUFID()
	b.RejectInstall(ufid)

	err := b.FlowPut(port, core.Match{}, nil, ufid, &core.OffloadInfo{})
	assert.Error(t, err)
	assert.False(t, b.HasFlow(port, ufid))
}

func TestBackend_PortClassification(t *testing.T) {
	b := NewBackend()
	tap := b.AddTapPort(2, "tap0")
	vxlan := b.AddVxlanPort(3, "vxlan0")
	phys := b.AddPort(1, "eth0")

	assert.Equal(t, "tap", b.GetType(tap))
	assert.Equal(t, "vxlan", b.GetType(vxlan))
	assert.Equal(t, "", b.GetType(phys))

	assert.True(t, b.IsVportClass(vxlan))
	assert.False(t, b.IsVportClass(phys))

	tc, ok := b.GetTunnelConfig(vxlan)
	assert.True(t, ok)
	assert.Equal(t, "vxlan", tc.Type)

	_, ok = b.GetTunnelConfig(phys)
	assert.False(t, ok)
}

func TestBackend_PortsGetUnknown(t *testing.T) {
	b := NewBackend()
	_, ok := b.PortsGet(99)
	assert.False(t, ok)
}

func TestBackend_FlowGetMissing(t *testing.T) {
	b := NewBackend()
	port := b.AddPort(1, "eth0")
	_, err := b.FlowGet(port, core.NewMegaUFID())
	assert.Error(t, err)
}
