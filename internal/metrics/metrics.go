// Package metrics exposes broker counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acctbroker"

type Metrics struct {
	registry *prometheus.Registry

	swaps           *prometheus.CounterVec
	claims          *prometheus.CounterVec
	removed         *prometheus.CounterVec
	verifierCalls   *prometheus.CounterVec
	verifierLatency *prometheus.HistogramVec
	pool            *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Account swap requests by outcome.",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Account claim attempts by outcome.",
		}, []string{"outcome"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_removed_total",
			Help:      "Pool accounts deleted or taken out of rotation, by reason.",
		}, []string{"reason"}),
		verifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifier_calls_total",
			Help:      "Eligibility verifier calls by kind and result.",
		}, []string{"kind", "result"}),
		verifierLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verifier_call_duration_seconds",
			Help:      "Eligibility verifier call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_accounts",
			Help:      "Pool accounts by state, as of the last sweep.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.swaps, m.claims, m.removed, m.verifierCalls, m.verifierLatency, m.pool,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// A nil *Metrics is valid and records nothing.

func (m *Metrics) Swap(outcome string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(reason).Inc()
}

func (m *Metrics) VerifierCall(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.verifierCalls.WithLabelValues(kind, result).Inc()
	m.verifierLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Pool(total, available, occupied, quotaFull int) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues("total").Set(float64(total))
	m.pool.WithLabelValues("available").Set(float64(available))
	m.pool.WithLabelValues("occupied").Set(float64(occupied))
	m.pool.WithLabelValues("quota_full").Set(float64(quotaFull))
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
