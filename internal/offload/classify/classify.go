// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classify implements the action classifier (spec.md §4.2): it
// decides whether an action list is offloadable and extracts the flag
// side-channel the netdev backend contract consumes.
package classify

import "github.com/grimmhw/vtpoffload/internal/offload/core"

// Classify walks actions, evaluated on a flow ingressing on ingressType
// (as returned by the backend's GetType), and reports whether the list is
// offloadable plus the populated OffloadInfo flags.
//
// Clone descent is exactly one level (spec.md §9 design note); a Clone
// nested inside another Clone is unaligned and makes the whole list
// unoffloadable.
func Classify(resolveType func(core.PortNo) string, ingressType string, actions []core.Action) (bool, core.OffloadInfo) {
	info := core.OffloadInfo{
		VxlanDecap: ingressType == "vxlan",
	}

	ok, hasOutput := walk(resolveType, actions, 0, &info)
	if !ok {
		return false, info
	}
	if !hasOutput {
		info.Drop = true
	}
	return true, info
}

func walk(resolveType func(core.PortNo) string, actions []core.Action, depth int, info *core.OffloadInfo) (offloadable bool, hasOutput bool) {
	for _, a := range actions {
		switch a.Kind {
		case core.ActionOutput:
			if resolveType(a.Port) == "tap" {
				return false, hasOutput
			}
			hasOutput = true

		case core.ActionTunnelPop:
			hasOutput = true
			info.HasTunnelPop = true
			info.TunnelPort = a.Port
			if resolveType(a.Port) == "vxlan" {
				info.VxlanDecap = true
			}

		case core.ActionPushVlan:
			info.VlanPush = true

		case core.ActionClone:
			if depth > 0 {
				return false, hasOutput
			}
			nestedOK, nestedOutput := walk(resolveType, a.Nest, depth+1, info)
			if !nestedOK {
				return false, hasOutput
			}
			hasOutput = hasOutput || nestedOutput

		default:
			return false, hasOutput
		}
	}
	return true, hasOutput
}
