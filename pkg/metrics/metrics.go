// Package metrics provides the Prometheus registry for the page cache.
// All metrics are defined in their respective packages (cache, pool, store,
// origin, warmup) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics, and the HTTP handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the page cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - pagecache_hits_total (Counter): Requests served from a pooled entry
//   - pagecache_misses_total{reason} (Counter): Misses by reason (absent, expired, disabled)
//   - pagecache_builds_total{result} (Counter): Builder invocations by result (success, failure)
//   - pagecache_dispositions_total{kind} (Counter): Resolved dispositions (full, partial, not_modified, error)
//   - pagecache_transient_serves_total (Counter): Entries served without being pooled
//   - pagecache_invalidations_total (Counter): Entries invalidated by tag, key or flush
//
// Pool Metrics (pkg/pool):
//   - pagecache_pool_entries{pool} (Gauge): Members held by the pool
//   - pagecache_pool_bytes{pool} (Gauge): Accounted size of pooled members
//   - pagecache_pool_leased{pool} (Gauge): Members currently leased
//   - pagecache_pool_retired_total{pool, reason} (Counter): Retired members by reason
//
// Store Metrics (pkg/store):
//   - pagecache_store_hits_total{backend} (Counter): Read-through hits by backend (redis, sqlite)
//   - pagecache_store_misses_total{backend} (Counter): Read-through misses by backend
//   - pagecache_store_errors_total{backend, operation} (Counter): Store operation errors
//
// Origin Metrics (pkg/origin):
//   - pagecache_origin_requests_total{status} (Counter): Origin requests by HTTP status
//   - pagecache_origin_duration_seconds (Histogram): Fetch duration including retries
//   - pagecache_origin_retries_total{error_class} (Counter): Retry attempts by error class
//
// Warmup Metrics (pkg/warmup):
//   - pagecache_warmup_total{result} (Counter): Warmed keys by result (ok, failed)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(pagecache_hits_total[5m])) /
//   (sum(rate(pagecache_hits_total[5m])) + sum(rate(pagecache_misses_total[5m])))
//
//   # Conditional Savings
//   rate(pagecache_dispositions_total{kind="not_modified"}[5m])
//
//   # Pool Pressure
//   pagecache_pool_leased / pagecache_pool_entries
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(pagecache_origin_duration_seconds_bucket[5m]))
//
//   # Store Error Rate
//   sum by (backend) (rate(pagecache_store_errors_total[5m]))
