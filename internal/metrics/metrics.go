// Package metrics provides Prometheus instrumentation for the feature flag
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only this server's metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiv-0101/featureflags/internal/core"
)

// Metrics holds all Prometheus collectors used by the server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EvaluationsTotal *prometheus.CounterVec

	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheErrorsTotal        prometheus.Counter
	CacheInvalidationsTotal prometheus.Counter

	AuthFailuresTotal prometheus.Counter
	RateLimitedTotal  prometheus.Counter
}

// New creates and registers all feature flag metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featureflags_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featureflags_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featureflags_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"reason"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_cache_hits_total",
			Help: "Total number of Redis cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_cache_misses_total",
			Help: "Total number of Redis cache misses.",
		}),

		CacheErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_cache_errors_total",
			Help: "Total number of Redis cache operations that failed.",
		}),

		CacheInvalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_cache_invalidations_total",
			Help: "Total number of cache invalidations triggered by flag writes.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "featureflags_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.CacheInvalidationsTotal,
		m.AuthFailuresTotal,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records count and latency for one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// Evaluation increments the evaluation counter with the result reason.
func (m *Metrics) Evaluation(reason core.Reason) {
	m.EvaluationsTotal.WithLabelValues(string(reason)).Inc()
}

// CacheHit increments the cache hit counter.
func (m *Metrics) CacheHit() {
	m.CacheHitsTotal.Inc()
}

// CacheMiss increments the cache miss counter.
func (m *Metrics) CacheMiss() {
	m.CacheMissesTotal.Inc()
}

// CacheError increments the cache error counter.
func (m *Metrics) CacheError() {
	m.CacheErrorsTotal.Inc()
}

// CacheInvalidation increments the cache invalidation counter.
func (m *Metrics) CacheInvalidation() {
	m.CacheInvalidationsTotal.Inc()
}

// AuthFailure increments the authentication failure counter.
func (m *Metrics) AuthFailure() {
	m.AuthFailuresTotal.Inc()
}

// RateLimited increments the rate limit rejection counter.
func (m *Metrics) RateLimited() {
	m.RateLimitedTotal.Inc()
}
