package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors the orchestrator exposes for
// its hot paths: sessions in flight, cache hit/miss, run duration.
type Metrics struct {
	SessionsInFlight prometheus.Gauge
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunErrors        *prometheus.CounterVec
}

// NewMetrics constructs and registers the collectors against reg. Passing
// a fresh prometheus.NewRegistry() is recommended for tests so collector
// registration does not collide across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Name:      "sessions_in_flight",
			Help:      "Number of sessions currently coalesced and executing.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "cache_hits_total",
			Help:      "Cache lookups that found a value.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "cache_misses_total",
			Help:      "Cache lookups that found no value.",
		}, []string{"cache"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a worker execution, by runner.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"runner", "agent"}),
		RunErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "run_errors_total",
			Help:      "Runner executions that ended in an error, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsInFlight, m.CacheHits, m.CacheMisses, m.RunDuration, m.RunErrors)
	}
	return m
}
