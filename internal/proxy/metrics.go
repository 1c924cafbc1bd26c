package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the request pipeline.
type Metrics struct {
	Requests        *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	Throttled       *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apibuddy",
			Name:      "requests_total",
			Help:      "Requests handled, by domain, method, and response status.",
		}, []string{"domain", "method", "status"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apibuddy",
			Name:      "cache_hits_total",
			Help:      "Responses served from the cache, by domain.",
		}, []string{"domain"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apibuddy",
			Name:      "cache_misses_total",
			Help:      "Cache lookups that went to the upstream, by domain.",
		}, []string{"domain"}),
		Throttled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apibuddy",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter, by domain.",
		}, []string{"domain"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apibuddy",
			Name:      "upstream_request_seconds",
			Help:      "Upstream round-trip latency, by domain.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
	}
}

func (m *Metrics) observeRequest(domain, method string, status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(domain, method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeHit(domain string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(domain).Inc()
}

func (m *Metrics) observeMiss(domain string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(domain).Inc()
}

func (m *Metrics) observeThrottle(domain string) {
	if m == nil {
		return
	}
	m.Throttled.WithLabelValues(domain).Inc()
}

func (m *Metrics) observeUpstream(domain string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(domain).Observe(seconds)
}
