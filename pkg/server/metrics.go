package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-sandbox/internal/governance"
)

// Metrics holds the Prometheus metrics exposed on /metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	invocationsTotal *prometheus.CounterVec
	checksTotal      *prometheus.CounterVec

	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_api_invocations_total",
				Help: "Total number of invocations served by status",
			},
			[]string{"status"},
		),

		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_api_checks_total",
				Help: "Total number of policy checks served by result",
			},
			[]string{"allowed"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.invocationsTotal,
		m.checksTotal,
		m.configReloads,
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordInvocation records the status of an /v1/invoke request.
func (m *Metrics) RecordInvocation(status string) {
	m.invocationsTotal.WithLabelValues(status).Inc()
}

// RecordCheck records the result of a /v1/check request.
func (m *Metrics) RecordCheck(allowed bool) {
	m.checksTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// TrackRateLimiter exports the token buckets of limiter as gauges read at
// scrape time. A registry tracks at most one limiter.
func (m *Metrics) TrackRateLimiter(limiter *governance.RateLimiter) error {
	return m.registry.Register(newRateLimitCollector(limiter))
}

// rateLimitCollector reads RateLimiter.Stats on every scrape so reconfigured
// endpoints show up without re-registration.
type rateLimitCollector struct {
	limiter   *governance.RateLimiter
	available *prometheus.Desc
	limit     *prometheus.Desc
	burst     *prometheus.Desc
}

func newRateLimitCollector(limiter *governance.RateLimiter) *rateLimitCollector {
	labels := []string{"endpoint"}
	return &rateLimitCollector{
		limiter: limiter,
		available: prometheus.NewDesc("sandbox_rate_limit_available_tokens",
			"Tokens currently available in the endpoint bucket", labels, nil),
		limit: prometheus.NewDesc("sandbox_rate_limit_requests_per_second",
			"Configured refill rate of the endpoint bucket", labels, nil),
		burst: prometheus.NewDesc("sandbox_rate_limit_burst",
			"Configured capacity of the endpoint bucket", labels, nil),
	}
}

func (c *rateLimitCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.limit
	ch <- c.burst
}

func (c *rateLimitCollector) Collect(ch chan<- prometheus.Metric) {
	for endpoint, stats := range c.limiter.Stats() {
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, stats.Available, endpoint)
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(stats.Limit), endpoint)
		ch <- prometheus.MustNewConstMetric(c.burst, prometheus.GaugeValue, float64(stats.Burst), endpoint)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request counts and latency.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName keeps label cardinality bounded.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	case "/v1/invoke":
		return "invoke"
	case "/v1/check":
		return "check"
	case "/v1/overrides":
		return "overrides"
	case "/v1/policy":
		return "policy"
	default:
		return "unknown"
	}
}
