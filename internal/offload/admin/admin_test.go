// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev/simnetdev"
	"github.com/grimmhw/vtpoffload/internal/offload/tnlaux"
)

type fakeEngine struct {
	registry *tnlaux.Registry
}

func (e *fakeEngine) TnlAuxFor(nd netdev.Handle) (*tnlaux.TnlAux, bool) {
	return e.registry.Get(nd)
}

func newTestRouter(engine Engine, backend *simnetdev.Backend) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(engine, backend).RegisterRoutes(router)
	return router
}

func doGet(t *testing.T, router *mux.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleDumpVtp_UnknownPortIs404(t *testing.T) {
	backend := simnetdev.NewBackend()
	registry := tnlaux.NewRegistry()
	router := newTestRouter(&fakeEngine{registry: registry}, backend)

	rec := doGet(t, router, "/offload/dump-vtp/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDumpVtp_NonVportPortIs400(t *testing.T) {
	backend := simnetdev.NewBackend()
	backend.AddPort(1, "eth0")
	registry := tnlaux.NewRegistry()
	router := newTestRouter(&fakeEngine{registry: registry}, backend)

	rec := doGet(t, router, "/offload/dump-vtp/1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDumpVtp_VportWithoutTnlAuxIsEmpty200(t *testing.T) {
	backend := simnetdev.NewBackend()
	backend.AddVxlanPort(10, "vxlan0")
	registry := tnlaux.NewRegistry()
	router := newTestRouter(&fakeEngine{registry: registry}, backend)

	rec := doGet(t, router, "/offload/dump-vtp/10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"port":"","ingress":null,"inner":null,"merged":null}`, rec.Body.String())
}

func TestHandleDumpVtp_VportWithTnlAuxReturnsReport(t *testing.T) {
	backend := simnetdev.NewBackend()
	vport := backend.AddVxlanPort(10, "vxlan0")
	registry := tnlaux.NewRegistry()
	registry.GetOrCreate(vport)
	router := newTestRouter(&fakeEngine{registry: registry}, backend)

	rec := doGet(t, router, "/offload/dump-vtp/10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"port":"vxlan0"`)
}

func TestHandleDumpVtp_InvalidPortNumberIs400(t *testing.T) {
	backend := simnetdev.NewBackend()
	registry := tnlaux.NewRegistry()
	router := newTestRouter(&fakeEngine{registry: registry}, backend)

	rec := doGet(t, router, "/offload/dump-vtp/not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
