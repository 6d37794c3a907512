// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package admin exposes the diagnostic dump channel over HTTP (spec.md
// §6.2, C7).
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/dump"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/tnlaux"
)

// Engine is the subset of *offload.Engine the dump handler needs.
type Engine interface {
	TnlAuxFor(nd netdev.Handle) (*tnlaux.TnlAux, bool)
}

// Handlers serves the offload engine's admin endpoints.
type Handlers struct {
	engine  Engine
	backend netdev.Backend
}

// NewHandlers returns a Handlers bound to engine and backend. backend is
// needed only to resolve the {port} path parameter to a netdev handle.
func NewHandlers(engine Engine, backend netdev.Backend) *Handlers {
	return &Handlers{engine: engine, backend: backend}
}

// RegisterRoutes registers the admin routes on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/offload/dump-vtp/{port}", h.handleDumpVtp).Methods("GET")
}

// handleDumpVtp implements GET /offload/dump-vtp/{port}: 400 if the port
// isn't a number or isn't a vport, 404 if the port is unknown to the
// backend, 200 with an empty report if it's a vport with no TnlAux yet,
// else the JSON dump report.
func (h *Handlers) handleDumpVtp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	portNum, err := strconv.ParseUint(vars["port"], 10, 32)
	if err != nil {
		http.Error(w, "invalid port number", http.StatusBadRequest)
		return
	}

	nd, ok := h.backend.PortsGet(core.PortNo(portNum))
	if !ok {
		http.Error(w, "unknown port", http.StatusNotFound)
		return
	}

	if !h.backend.IsVportClass(nd) {
		http.Error(w, "port is not a tunnel vport", http.StatusBadRequest)
		return
	}

	aux, ok := h.engine.TnlAuxFor(nd)
	if !ok {
		respondWithJSON(w, http.StatusOK, dump.Report{})
		return
	}

	respondWithJSON(w, http.StatusOK, dump.Dump(aux))
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
