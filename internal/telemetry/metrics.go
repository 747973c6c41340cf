// Package telemetry owns the Prometheus registry and the collectors that
// record rate-limit, circuit-breaker, probe and HTTP measurements.
package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/credguard/internal/resilience"
)

const namespace = "credguard"

// Metrics holds every collector. Each Metrics has its own registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	rateLimitDecisions *prometheus.CounterVec
	breakerTrips       *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	probeDuration      *prometheus.HistogramVec
	operations         *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates a Metrics with process and Go runtime collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by action and outcome.",
		}, []string{"action", "decision"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Times a circuit opened, by operation.",
		}, []string{"operation"}),
		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Calls fast-failed by an open circuit, by operation.",
		}, []string{"operation"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_probe_duration_seconds",
			Help:      "Provider probe latency by provider and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integration_operations_total",
			Help:      "Integration management calls by action and result.",
		}, []string{"action", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rateLimitDecisions,
		m.breakerTrips,
		m.breakerRejections,
		m.probeDuration,
		m.operations,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRateLimit counts one limiter decision.
func (m *Metrics) ObserveRateLimit(action string, allowed bool) {
	decision := "rejected"
	if allowed {
		decision = "allowed"
	}
	m.rateLimitDecisions.WithLabelValues(action, decision).Inc()
}

// ObserveProbe records one provider probe.
func (m *Metrics) ObserveProbe(provider, outcome string, elapsed time.Duration) {
	m.probeDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// ObserveOperation counts one finished management call.
func (m *Metrics) ObserveOperation(action, result string) {
	m.operations.WithLabelValues(action, result).Inc()
}

// BreakerOptions returns the hooks that feed the breaker counters.
func (m *Metrics) BreakerOptions() []resilience.BreakerOption {
	return []resilience.BreakerOption{
		resilience.WithTripHook(func(key string, _ resilience.CircuitState) {
			m.breakerTrips.WithLabelValues(operationName(key)).Inc()
		}),
		resilience.WithRejectHook(func(key string) {
			m.breakerRejections.WithLabelValues(operationName(key)).Inc()
		}),
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// operationName drops the tenant and provider suffix from a circuit key so
// label cardinality stays bounded.
func operationName(key string) string {
	if op, _, ok := strings.Cut(key, ":"); ok {
		return op
	}
	return key
}
