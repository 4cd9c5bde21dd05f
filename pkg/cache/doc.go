// Package cache provides an HTTP-compliant response cache for rendered pages.
//
// The cache manager combines three parts:
//
// - A lease-managed pool (pkg/pool) that owns every cached Entry
// - The resolver (pkg/protocol) deciding between full, partial, not-modified and error responses
// - A filter pipeline (pkg/filter) applied to every body before it leaves the cache
//
// A request leases the entry for its key, resolves against it and releases it
// before Serve returns. Entries that expire, are invalidated or grow beyond
// the configured size are retired on release instead of being pooled again.
//
// # Basic Usage
//
//	manager := cache.NewManager(cache.Options{
//		MaxBytes: cache.DefaultMaxBytes,
//		Logger:   logging.NewLogger("cache"),
//	})
//	defer manager.Close()
//
//	build := func(ctx context.Context) (*cache.Content, error) {
//		return &cache.Content{
//			Body:        render(),
//			ContentType: "text/html; charset=utf-8",
//			Expires:     time.Now().Add(time.Minute),
//			Tags:        []string{"news"},
//		}, nil
//	}
//
//	key := cache.Key{Path: "/news/"}.String()
//	d, err := manager.Serve(ctx, key, build, protocol.ParseConditions(r.Method, r.Header))
//	if err != nil {
//		// errors.Is(err, cache.ErrBuildFailure): nothing was cached
//	}
//	cache.WriteResponse(w, d, time.Now())
//
// # Concurrent Builds
//
// Concurrent misses for one key may build in parallel. The first entry to be
// pooled wins; the others are retired and every caller is served from the
// winner. At most one entry per key is ever visible.
//
// # Invalidation
//
//	manager.Invalidate("news")   // by tag
//	manager.Remove(key)          // by key
//	manager.Flush()              // everything
//
// Leased entries are flagged and retired when their lease ends.
//
// # Capacity
//
// With MaxEntries or MaxBytes set, least recently used entries make room for
// new ones. When every candidate is leased the new entry is served once and
// discarded.
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - pagecache_hits_total - Cache hits
//   - pagecache_misses_total{reason} - Cache misses (absent, expired, disabled)
//   - pagecache_builds_total{result} - Builder invocations
//   - pagecache_dispositions_total{kind} - Served dispositions
//   - pagecache_transient_serves_total - Responses served without caching
//   - pagecache_invalidations_total - Invalidated entries
package cache
