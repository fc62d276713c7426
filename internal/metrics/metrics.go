// Package metrics exposes Prometheus counters, gauges, and histograms for
// the double-buffer proxy: connection counts, per-phase conversation
// occupancy, checkpoint/swap outcomes, and request latency, served on
// /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbproxy_active_conversations",
		Help: "Number of conversation managers currently tracked by the proxy.",
	})

	PhaseOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbproxy_phase_occupancy",
		Help: "Number of conversation managers currently in each phase.",
	}, []string{"phase"})

	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbproxy_phase_transitions_total",
		Help: "Total phase transitions, labeled by origin and destination phase.",
	}, []string{"from", "to"})

	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbproxy_checkpoints_total",
		Help: "Total checkpoint calls, labeled by outcome (success, failure).",
	}, []string{"outcome"})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbproxy_checkpoint_duration_seconds",
		Help:    "Duration of background checkpoint calls to the upstream.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
	})

	SwapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbproxy_swaps_total",
		Help: "Total number of completed double-buffer swaps.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbproxy_request_duration_seconds",
		Help:    "Duration of proxied HTTP requests, labeled by route and status class.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"route", "status_class"})

	UpstreamForwardErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbproxy_upstream_forward_errors_total",
		Help: "Total forwarding errors reaching the upstream, labeled by route.",
	}, []string{"route"})

	DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbproxy_dashboard_clients",
		Help: "Number of connected dashboard websocket clients.",
	})
)

// RecordTransition increments the transition counter and moves the phase
// occupancy gauge from one phase to another.
func RecordTransition(from, to string) {
	PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
	if from != "" {
		PhaseOccupancy.WithLabelValues(from).Dec()
	}
	PhaseOccupancy.WithLabelValues(to).Inc()
}

// RecordCheckpoint records a checkpoint call's outcome and duration.
func RecordCheckpoint(outcome string, duration time.Duration) {
	CheckpointsTotal.WithLabelValues(outcome).Inc()
	CheckpointDuration.Observe(duration.Seconds())
}

// RecordSwap increments the swap counter.
func RecordSwap() {
	SwapsTotal.Inc()
}

// RecordRequest records a completed request's duration bucketed by status class.
func RecordRequest(route string, status int, duration time.Duration) {
	RequestDuration.WithLabelValues(route, statusClass(status)).Observe(duration.Seconds())
}

// RecordForwardError increments the upstream forwarding error counter for a route.
func RecordForwardError(route string) {
	UpstreamForwardErrorsTotal.WithLabelValues(route).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
