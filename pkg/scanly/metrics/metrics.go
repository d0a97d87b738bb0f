// Package metrics exposes Prometheus counters for the redirect engine.
// Each Metrics owns its registry so several instances can coexist in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanly"

// Metrics holds all service Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Redirect engine
	Redirects   *prometheus.CounterVec
	RateLimited prometheus.Counter

	// Scan recorder
	ScansRecorded       prometheus.Counter
	ScansDropped        prometheus.Counter
	ScanRecordFailures  prometheus.Counter
	EventPublishFailure prometheus.Counter

	// Domain verification
	DomainChecks *prometheus.CounterVec
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Redirects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Scans resolved by the redirect engine, by outcome",
		}, []string{"outcome"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Scans rejected by the rate limiter",
		}),
		ScansRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_recorded_total",
			Help:      "Scan rows written to storage",
		}),
		ScansDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_dropped_total",
			Help:      "Scan events dropped because the buffer was full",
		}),
		ScanRecordFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_record_failures_total",
			Help:      "Scan rows that failed to persist",
		}),
		EventPublishFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_publish_failures_total",
			Help:      "Scan events that failed to publish to the event stream",
		}),
		DomainChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_checks_total",
			Help:      "Custom domain DNS checks, by result",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRedirect counts one resolved scan. Safe on a nil receiver.
func (m *Metrics) ObserveRedirect(outcome string) {
	if m == nil {
		return
	}
	m.Redirects.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts one rejected scan. Safe on a nil receiver.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveRecorded adds n persisted scans. Safe on a nil receiver.
func (m *Metrics) ObserveRecorded(n int) {
	if m == nil {
		return
	}
	m.ScansRecorded.Add(float64(n))
}

// ObserveDropped counts one dropped scan. Safe on a nil receiver.
func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.ScansDropped.Inc()
}

// ObserveRecordFailures adds n scans that failed to persist. Safe on a nil receiver.
func (m *Metrics) ObserveRecordFailures(n int) {
	if m == nil {
		return
	}
	m.ScanRecordFailures.Add(float64(n))
}

// ObservePublishFailure counts one failed event publish. Safe on a nil receiver.
func (m *Metrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.EventPublishFailure.Inc()
}

// ObserveDomainCheck counts one DNS verification by result. Safe on a nil receiver.
func (m *Metrics) ObserveDomainCheck(result string) {
	if m == nil {
		return
	}
	m.DomainChecks.WithLabelValues(result).Inc()
}
