package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolEntries tracks the number of members per pool
	poolEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagecache_pool_entries",
			Help: "Current number of members in the pool",
		},
		[]string{"pool"},
	)

	// poolBytes tracks the summed member size per pool
	poolBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagecache_pool_bytes",
			Help: "Current summed size of pool members in bytes",
		},
		[]string{"pool"},
	)

	// poolLeased tracks members currently checked out
	poolLeased = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagecache_pool_leased",
			Help: "Current number of leased pool members",
		},
		[]string{"pool"},
	)

	// poolRetired tracks retirements by reason
	poolRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_pool_retired_total",
			Help: "Total number of retired pool members",
		},
		[]string{"pool", "reason"}, // "disposed", "evicted", "capacity", "closed"
	)
)
