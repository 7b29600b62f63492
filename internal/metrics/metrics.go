// Package metrics provides Prometheus collectors for upstream API traffic,
// the response cache and the event hub.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the console records. Build one per process
// with New; tests pass a fresh registry.
type Metrics struct {
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRetries  *prometheus.CounterVec

	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheCoalesced     *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	WSClients       prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpstreamRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_upstream_requests_total",
				Help: "Total number of requests made to the backend API",
			},
			[]string{"method", "endpoint", "status"},
		),
		UpstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upf_upstream_request_duration_seconds",
				Help:    "Duration of backend API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		UpstreamRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_upstream_retries_total",
				Help: "Total number of retried backend API requests",
			},
			[]string{"method", "endpoint"},
		),
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_cache_hits_total",
				Help: "Cache lookups served from a fresh entry",
			},
			[]string{"resource"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_cache_misses_total",
				Help: "Cache lookups that required a fetch",
			},
			[]string{"resource"},
		),
		CacheCoalesced: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_cache_coalesced_total",
				Help: "Fetches that joined an in-flight request for the same key",
			},
			[]string{"resource"},
		),
		CacheInvalidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_cache_invalidations_total",
				Help: "Cache entries removed by invalidation",
			},
			[]string{"prefix"},
		),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upf_events_published_total",
				Help: "Events published on the hub",
			},
			[]string{"type"},
		),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "upf_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// Noop returns collectors registered on a private registry, for callers
// that do not export metrics.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveUpstream records one completed backend call. status 0 means a
// transport failure.
func (m *Metrics) ObserveUpstream(method, endpoint string, status int, took time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.UpstreamRequests.WithLabelValues(method, endpoint, code).Inc()
	m.UpstreamDuration.WithLabelValues(method, endpoint).Observe(took.Seconds())
}
