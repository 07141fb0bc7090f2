package webproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sleeeeeepy/webproxy-lab/cache"
)

// Request outcomes, used as the status label of webproxy_requests_total.
const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeBadRequest  = "bad_request"
	outcomeOriginError = "origin_error"
	outcomeClientError = "client_error"
)

type metrics struct {
	requestsTotal *prometheus.CounterVec
	cachedBytes   prometheus.Counter
}

// newMetrics registers the proxy metrics with reg.
// Cache gauges read the provider stats at scrape time.
func newMetrics(reg prometheus.Registerer, c cache.CacheProvider) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_requests_total",
			Help: "Total number of proxied requests by outcome",
		}, []string{"status"}),
		cachedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "webproxy_cache_stored_bytes_total",
			Help: "Total number of response bytes written to the cache",
		}),
	}
	for _, outcome := range []string{outcomeHit, outcomeMiss, outcomeBadRequest, outcomeOriginError, outcomeClientError} {
		m.requestsTotal.WithLabelValues(outcome)
	}

	stat := func(f func(cache.Stats) float64) func() float64 {
		return func() float64 {
			stats, err := c.Stats()
			if err != nil {
				return 0
			}
			return f(stats)
		}
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "webproxy_cache_entries",
		Help: "Number of cached responses",
	}, stat(func(s cache.Stats) float64 { return float64(s.Count) }))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "webproxy_cache_bytes",
		Help: "Total size of cached responses in bytes",
	}, stat(func(s cache.Stats) float64 { return float64(s.TotalSize) }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "webproxy_cache_evictions_total",
		Help: "Total number of evicted cache entries",
	}, stat(func(s cache.Stats) float64 { return float64(s.Evictions) }))
	return m
}

func (m *metrics) observe(outcome string) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
}
