// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dump implements the diagnostic dump (spec.md §4.7): a
// read-only rendering of a TnlAux over the admin channel.
package dump

import "github.com/grimmhw/vtpoffload/internal/offload/tnlaux"

// IngressEntry is one reported IngressFlow.
type IngressEntry struct {
	UFID   string `json:"ufid"`
	Netdev string `json:"netdev"`
}

// InnerEntry is one reported InnerFlow.
type InnerEntry struct {
	UFID     string `json:"ufid"`
	RefCount int    `json:"ref_count"`
}

// Report is the C7 rendering of one TnlAux.
type Report struct {
	Port     string         `json:"port"`
	Ingress  []IngressEntry `json:"ingress"`
	Inner    []InnerEntry   `json:"inner"`
	Merged   []string       `json:"merged"` // MegaUFID strings for every installed pair
}

// Dump renders aux under its read lock: the ingress list, the inner list
// with ref counts, and the full cross-product of merged-flow keys.
func Dump(aux *tnlaux.TnlAux) Report {
	aux.RLock()
	defer aux.RUnlock()

	ingress := aux.IngressFlowsLocked()
	inner := aux.InnerFlowsLocked()

	r := Report{
		Port:    aux.Port.Name(),
		Ingress: make([]IngressEntry, 0, len(ingress)),
		Inner:   make([]InnerEntry, 0, len(inner)),
		Merged:  make([]string, 0, len(ingress)*len(inner)),
	}

	for _, i := range ingress {
		r.Ingress = append(r.Ingress, IngressEntry{UFID: i.UFID.String(), Netdev: i.Netdev.Name()})
	}
	for _, j := range inner {
		r.Inner = append(r.Inner, InnerEntry{UFID: j.UFID.String(), RefCount: j.RefCount})
	}
	for _, i := range ingress {
		for _, j := range inner {
			r.Merged = append(r.Merged, i.UFID.Xor(j.UFID).String())
		}
	}

	return r
}
