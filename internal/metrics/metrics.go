// Package metrics exposes Prometheus instrumentation for the guard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision labels.
const (
	DecisionAllowed   = "allowed"
	DecisionRejected  = "rejected"
	DecisionFailOpen  = "fail_open"
	DecisionStoreFail = "store_error"
	DecisionForbidden = "forbidden"
)

// Metrics holds the guard's collectors. Each instance owns its registry so
// tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	CheckDuration     *prometheus.HistogramVec
	StoreErrorsTotal  *prometheus.CounterVec
	PoliciesLoaded    prometheus.Gauge
	EventsDropped     prometheus.Counter
	StreamSubscribers prometheus.Gauge
}

// New registers all collectors on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consoleguard_decisions_total",
				Help: "Rate limit decisions by scope and outcome",
			},
			[]string{"scope", "decision"},
		),
		CheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consoleguard_check_duration_seconds",
				Help:    "Time spent checking one scope against the bucket store",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consoleguard_store_errors_total",
				Help: "Bucket store failures by operation",
			},
			[]string{"operation"},
		),
		PoliciesLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "consoleguard_policies_loaded",
				Help: "Number of policies currently enforced",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consoleguard_events_dropped_total",
				Help: "Analytics events dropped because the buffer was full",
			},
		),
		StreamSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "consoleguard_stream_subscribers",
				Help: "Open live stats stream connections",
			},
		),
	}
}

// ObserveDecision records one decision for scope.
func (m *Metrics) ObserveDecision(scope, decision string, took time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(scope, decision).Inc()
	m.CheckDuration.WithLabelValues(scope).Observe(took.Seconds())
}

// ObserveStoreError counts a failed store operation.
func (m *Metrics) ObserveStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(operation).Inc()
}

// SetPolicies updates the loaded policy gauge.
func (m *Metrics) SetPolicies(n int) {
	if m == nil {
		return
	}
	m.PoliciesLoaded.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
