// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command offloadsim runs the flow-offload engine against an in-memory
// simulated netdev backend, serving the admin dump and Prometheus
// metrics endpoints so the dispatch, merge, and stats-aggregation paths
// can be exercised without real hardware.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/grimmhw/vtpoffload/internal/logging"
	"github.com/grimmhw/vtpoffload/internal/offload"
	"github.com/grimmhw/vtpoffload/internal/offload/admin"
	offconfig "github.com/grimmhw/vtpoffload/internal/offload/config"
	"github.com/grimmhw/vtpoffload/internal/offload/metrics"
	"github.com/grimmhw/vtpoffload/internal/offload/netdev/simnetdev"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	cfg := offconfig.Default()
	if *configPath != "" {
		loaded, err := offconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	logger := logging.New(logging.DefaultConfig())

	backend := simnetdev.NewBackend()
	eng := offload.New(backend, logger, offload.Config{ProbeRetries: cfg.Engine.ProbeRetries})

	for _, tp := range cfg.Engine.TunnelPorts {
		switch tp.Type {
		case "", "vxlan":
			vport := backend.AddVxlanPort(offload.PortNo(tp.Port), tp.Name)
			eng.RegisterTunnelPort(vport)
		default:
			backend.AddPort(offload.PortNo(tp.Port), tp.Name)
		}
	}

	eng.Start()
	defer eng.Join()

	exporter := metrics.New(eng, metrics.Config{ListenAddr: cfg.Engine.MetricsAddr})
	ctx := context.Background()
	if err := exporter.Start(ctx); err != nil {
		log.Fatalf("failed to start metrics exporter: %v", err)
	}
	defer exporter.Stop()

	router := mux.NewRouter()
	admin.NewHandlers(eng, backend).RegisterRoutes(router)

	logger.Info("offloadsim: admin server starting", "addr", cfg.Engine.AdminAddr)
	if err := http.ListenAndServe(cfg.Engine.AdminAddr, router); err != nil {
		log.Fatalf("admin server failed: %v", err)
	}
}
