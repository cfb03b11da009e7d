package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exported Prometheus collectors.
//
//   - grokrelay_requests_total{status}
//   - grokrelay_generation_latency_seconds
//   - grokrelay_active_sessions{status}
//   - grokrelay_session_rotations_total{reason}
//   - grokrelay_attempts_total{outcome}
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	generationLatency prometheus.Histogram
	activeSessions    *prometheus.GaugeVec
	sessionRotations  *prometheus.CounterVec
	attemptsTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "grokrelay",
				Name:      "requests_total",
				Help:      "Total inbound chat requests by terminal status",
			},
			[]string{"status"},
		),
		generationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "grokrelay",
				Name:      "generation_latency_seconds",
				Help:      "End-to-end latency of inbound chat requests",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "grokrelay",
				Name:      "active_sessions",
				Help:      "Sessions in the pool by effective status",
			},
			[]string{"status"},
		),
		sessionRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "grokrelay",
				Name:      "session_rotations_total",
				Help:      "Session demotions by reason",
			},
			[]string{"reason"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "grokrelay",
				Name:      "attempts_total",
				Help:      "Upstream attempts by outcome class",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.generationLatency,
		m.activeSessions,
		m.sessionRotations,
		m.attemptsTotal,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(status string, latencySeconds float64) {
	m.requestsTotal.WithLabelValues(status).Inc()
	m.generationLatency.Observe(latencySeconds)
}

func (m *Metrics) RecordAttempt(outcome string) {
	m.attemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRotation(reason string) {
	m.sessionRotations.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(counts map[string]int) {
	for status, n := range counts {
		m.activeSessions.WithLabelValues(status).Set(float64(n))
	}
}
