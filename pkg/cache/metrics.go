package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks requests served from a pooled entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_hits_total",
			Help: "Total number of page cache hits",
		},
	)

	// CacheMisses tracks requests that needed a build
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_misses_total",
			Help: "Total number of page cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "disabled"
	)

	// Builds tracks builder invocations
	Builds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_builds_total",
			Help: "Total number of content builds",
		},
		[]string{"result"}, // "success", "failure"
	)

	// Dispositions tracks resolver outcomes
	Dispositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_dispositions_total",
			Help: "Total number of served dispositions by kind",
		},
		[]string{"kind"}, // "full", "partial", "not_modified", "error"
	)

	// TransientServes tracks entries served without being pooled
	TransientServes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_transient_serves_total",
			Help: "Total number of responses built and discarded without caching",
		},
	)

	// Invalidations tracks entries retired by tag, key or flush
	Invalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagecache_invalidations_total",
			Help: "Total number of invalidated cache entries",
		},
	)
)
