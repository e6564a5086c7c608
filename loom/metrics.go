package loom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine execution metrics for Prometheus scraping.
//
// Expose via HTTP:
//
//	registry := prometheus.NewRegistry()
//	metrics := loom.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: prometheus collectors handle concurrent updates.
type Metrics struct {
	checkoutLatency *prometheus.HistogramVec
	guardDecisions  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	zombieReclaims  prometheus.Counter
	memoryDecayed   prometheus.Counter
	telemetryDrops  prometheus.Counter
	activeUOWs      prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics with the given
// registry. A nil registry falls back to prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		checkoutLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "checkout_latency_ms",
			Help:      "Checkout duration in milliseconds, from request to lock or empty result",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"role_type", "outcome"}), // outcome: locked, empty, error

		guardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "guard_decisions_total",
			Help:      "Guard evaluations by guard type and decision",
		}, []string{"guard_type", "decision"}), // decision: allow, reject, error

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "state_transitions_total",
			Help:      "UOW status transitions by target status",
		}, []string{"status"}),

		zombieReclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "zombie_reclaims_total",
			Help:      "Stale ACTIVE UOWs reclaimed by the zombie sweeper",
		}),

		memoryDecayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "memory_decayed_total",
			Help:      "Role-attribute memory records deleted by the decay sweeper",
		}),

		telemetryDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "telemetry_drops_total",
			Help:      "Telemetry entries dropped by the bounded buffer under backpressure",
		}),

		activeUOWs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "active_uows",
			Help:      "UOWs currently in ACTIVE status",
		}),
	}
}

// ObserveCheckout records one checkout attempt.
func (m *Metrics) ObserveCheckout(roleType string, latency time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.checkoutLatency.WithLabelValues(roleType, outcome).Observe(float64(latency.Milliseconds()))
}

// CountGuardDecision records one guard evaluation outcome.
func (m *Metrics) CountGuardDecision(guardType, decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(guardType, decision).Inc()
}

// CountTransition records one status transition.
func (m *Metrics) CountTransition(prev, next Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(next)).Inc()
	if next == StatusActive && prev != StatusActive {
		m.activeUOWs.Inc()
	}
	if prev == StatusActive && next != StatusActive {
		m.activeUOWs.Dec()
	}
}

// CountZombieReclaims adds n reclaimed zombies.
func (m *Metrics) CountZombieReclaims(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.zombieReclaims.Add(float64(n))
}

// CountMemoryDecayed adds n decayed memory records.
func (m *Metrics) CountMemoryDecayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.memoryDecayed.Add(float64(n))
}

// CountTelemetryDrop records one dropped telemetry entry.
func (m *Metrics) CountTelemetryDrop() {
	if m == nil {
		return
	}
	m.telemetryDrops.Inc()
}
