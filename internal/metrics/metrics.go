// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Manager holds the process metrics. All fields are safe for concurrent use.
type Manager struct {
	registry *prometheus.Registry

	PassesTotal              *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	DispatchedURLsTotal      prometheus.Counter
	DispatchUnavailableTotal prometheus.Counter
	WatchedJobs              prometheus.Gauge
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	m := &Manager{
		registry: registry,
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlwatch_reconcile_passes_total",
			Help: "Reconcile passes by result",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlwatch_terminal_transitions_total",
			Help: "Watched jobs removed, by terminal state",
		}, []string{"state"}),
		DispatchedURLsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlwatch_dispatched_urls_total",
			Help: "Resolved URLs handed to the download device",
		}),
		DispatchUnavailableTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlwatch_dispatch_unavailable_total",
			Help: "Dispatches that returned empty because the device was unreachable",
		}),
		WatchedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlwatch_watched_jobs",
			Help: "Current watch list size",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PassesTotal,
		m.TransitionsTotal,
		m.DispatchedURLsTotal,
		m.DispatchUnavailableTotal,
		m.WatchedJobs,
	)

	return m
}

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on its own listener, separate from the API port.
type Server struct {
	manager *Manager
	host    string
	port    int
}

func NewServer(manager *Manager, host string, port int) *Server {
	return &Server{manager: manager, host: host, port: port}
}

func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.manager.Handler())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return server.ListenAndServe()
}
