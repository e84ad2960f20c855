// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides the optional metrics and tracing sinks.
// Both are allowed to be no-op; a nil *Metrics is safe to call.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanibalsk/orchestrate/pkg/config"
)

// Metrics is the Prometheus recorder for the orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	// Event metrics
	eventsIngested  *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	eventRetries    prometheus.Counter

	// Agent metrics
	agentSpawns   *prometheus.CounterVec
	agentTerminal *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec

	// Queue / PR metrics
	queueDepth      prometheus.Gauge
	activeShepherds prometheus.Gauge
	prOutcomes      *prometheus.CounterVec
}

// NewMetrics creates a recorder from configuration. Returns nil when metrics
// are disabled; every method tolerates the nil receiver.
func NewMetrics(cfg *config.MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}
	ns := cfg.Namespace

	m.eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "ingested_total",
			Help: "Webhook deliveries durably recorded",
		},
		[]string{"event_type"},
	)
	m.eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "processed_total",
			Help: "Webhook events by final status",
		},
		[]string{"event_type", "status"},
	)
	m.eventRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "events", Name: "retries_total",
			Help: "Webhook handler retries scheduled",
		},
	)

	m.agentSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "agent", Name: "spawns_total",
			Help: "Agents spawned",
		},
		[]string{"kind"},
	)
	m.agentTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "agent", Name: "terminal_total",
			Help: "Agents reaching a terminal state",
		},
		[]string{"kind", "state"},
	)
	m.turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "agent", Name: "turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"kind"},
	)

	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "queue", Name: "depth",
			Help: "Workspaces awaiting review",
		},
	)
	m.activeShepherds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "shepherd", Name: "active",
			Help: "Shepherds currently attached",
		},
	)
	m.prOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pr", Name: "outcomes_total",
			Help: "Active PRs by terminal status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.eventsIngested, m.eventsProcessed, m.eventRetries,
		m.agentSpawns, m.agentTerminal, m.turnDuration,
		m.queueDepth, m.activeShepherds, m.prOutcomes)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventIngested(eventType string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventProcessed(eventType, status string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) EventRetry() {
	if m == nil {
		return
	}
	m.eventRetries.Inc()
}

func (m *Metrics) AgentSpawned(kind string) {
	if m == nil {
		return
	}
	m.agentSpawns.WithLabelValues(kind).Inc()
}

func (m *Metrics) AgentTerminal(kind, state string) {
	if m == nil {
		return
	}
	m.agentTerminal.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) TurnObserved(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetActiveShepherds(n int) {
	if m == nil {
		return
	}
	m.activeShepherds.Set(float64(n))
}

func (m *Metrics) PROutcome(status string) {
	if m == nil {
		return
	}
	m.prOutcomes.WithLabelValues(status).Inc()
}
