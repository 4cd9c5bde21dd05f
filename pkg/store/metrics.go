package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreHits tracks store hits by backend
	StoreHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_store_hits_total",
			Help: "Total number of second-level store hits",
		},
		[]string{"backend"}, // "redis", "sqlite"
	)

	// StoreMisses tracks store misses by backend
	StoreMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_store_misses_total",
			Help: "Total number of second-level store misses",
		},
		[]string{"backend"},
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"backend", "operation"}, // "get", "set", "delete", "invalidate"
	)
)
