package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ambient Prometheus metrics for the dispatcher, exposed
// at /metrics/prometheus alongside the JSON backend snapshot the spec
// itself defines at /metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	BackendHealthy      *prometheus.GaugeVec
	BackendConsecFails  *prometheus.GaugeVec
	RateLimitedTotal    *prometheus.CounterVec
	FailoverAttempts    *prometheus.CounterVec
	CacheHitTotal       prometheus.Counter
	CacheMissTotal      prometheus.Counter
}

// NewMetrics creates and registers the dispatcher's Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchproxy_requests_total",
				Help: "Total number of dispatched requests.",
			},
			[]string{"status", "method"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dispatchproxy_request_duration_seconds",
				Help: "Duration in seconds of each upstream forward attempt per backend, including the forwarder's own retries.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend"},
		),
		BackendHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchproxy_backend_healthy",
				Help: "Whether a backend is healthy (1) or not (0).",
			},
			[]string{"backend", "region"},
		),
		BackendConsecFails: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchproxy_backend_consecutive_failures",
				Help: "Current consecutive failure count per backend.",
			},
			[]string{"backend"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchproxy_rate_limited_total",
				Help: "Total number of rate-limited requests.",
			},
			[]string{"client"},
		),
		FailoverAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchproxy_failover_attempts_total",
				Help: "Total number of backend selection attempts per dispatched request.",
			},
			[]string{"outcome"},
		),
		CacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchproxy_cache_hit_total",
			Help: "Total number of response cache hits.",
		}),
		CacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatchproxy_cache_miss_total",
			Help: "Total number of response cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BackendHealthy,
		m.BackendConsecFails,
		m.RateLimitedTotal,
		m.FailoverAttempts,
		m.CacheHitTotal,
		m.CacheMissTotal,
	)

	return m
}

// Handler returns the HTTP handler for the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
