package origin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for origin requests.
var (
	originRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecache_origin_requests_total",
		Help: "Total origin requests by status",
	}, []string{"status"})

	originDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagecache_origin_duration_seconds",
		Help:    "Origin request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	originRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecache_origin_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})
)
