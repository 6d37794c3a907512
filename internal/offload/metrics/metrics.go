// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports offload-engine counters and gauges over
// Prometheus (spec.md §6.3).
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grimmhw/vtpoffload/internal/offload/core"
)

// Source is whatever the exporter polls for current state, such as the
// Engine.
type Source interface {
	QueueDepth() int
}

// Exporter registers and periodically refreshes the offload engine's
// Prometheus series, and optionally serves them over HTTP.
type Exporter struct {
	source Source
	config Config

	statusTotal      *prometheus.GaugeVec
	mergeTotal       prometheus.Counter
	mergeFailedTotal prometheus.Counter
	tnlauxPairs      *prometheus.GaugeVec
	queueDepth       prometheus.Gauge

	server *http.Server
}

// Config controls the exporter's HTTP server and polling interval.
type Config struct {
	ListenAddr   string
	RefreshEvery time.Duration
}

// DefaultConfig matches the sidecar port convention used elsewhere in
// this codebase for metrics endpoints.
func DefaultConfig() Config {
	return Config{ListenAddr: ":9108", RefreshEvery: 5 * time.Second}
}

// New constructs an Exporter. Call Start to begin serving /metrics.
func New(source Source, cfg Config) *Exporter {
	e := &Exporter{
		source: source,
		config: cfg,
		statusTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vtpoffload_status_total",
			Help: "Number of source flows currently in each offload status",
		}, []string{"status"}),
		mergeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtpoffload_merge_total",
			Help: "Total number of cross-product merge attempts that succeeded",
		}),
		mergeFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtpoffload_merge_failed_total",
			Help: "Total number of cross-product merge attempts that rolled back",
		}),
		tnlauxPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vtpoffload_tnlaux_pairs",
			Help: "Ingress x inner flow pairs currently installed per tunnel port",
		}, []string{"port"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vtpoffload_queue_depth",
			Help: "Current depth of the offload request queue",
		}),
	}
	return e
}

// ObserveStatus sets the flow-count gauge for a single status value.
func (e *Exporter) ObserveStatus(status core.Status, count int) {
	e.statusTotal.WithLabelValues(status.String()).Set(float64(count))
}

// ObserveMerge records one merge attempt's outcome.
func (e *Exporter) ObserveMerge(ok bool) {
	if ok {
		e.mergeTotal.Inc()
	} else {
		e.mergeFailedTotal.Inc()
	}
}

// ObserveTnlAuxPairs sets the pair-count gauge for one tunnel port.
func (e *Exporter) ObserveTnlAuxPairs(port string, pairs int) {
	e.tnlauxPairs.WithLabelValues(port).Set(float64(pairs))
}

// Start registers the collectors and, if ListenAddr is non-empty, begins
// serving /metrics; it also starts the periodic queue-depth refresh.
func (e *Exporter) Start(ctx context.Context) error {
	prometheus.MustRegister(e.statusTotal, e.mergeTotal, e.mergeFailedTotal, e.tnlauxPairs, e.queueDepth)

	if e.config.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		e.server = &http.Server{Addr: e.config.ListenAddr, Handler: mux}
		go func() {
			if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("vtpoffload metrics server error: %v", err)
			}
		}()
	}

	go e.periodicRefresh(ctx)
	return nil
}

func (e *Exporter) periodicRefresh(ctx context.Context) {
	interval := e.config.RefreshEvery
	if interval <= 0 {
		interval = DefaultConfig().RefreshEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.queueDepth.Set(float64(e.source.QueueDepth()))
		}
	}
}

// Stop shuts down the HTTP server, if one was started, and unregisters
// every collector.
func (e *Exporter) Stop() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			log.Printf("vtpoffload metrics server shutdown error: %v", err)
		}
	}
	prometheus.Unregister(e.statusTotal)
	prometheus.Unregister(e.mergeTotal)
	prometheus.Unregister(e.mergeFailedTotal)
	prometheus.Unregister(e.tnlauxPairs)
	prometheus.Unregister(e.queueDepth)
}
