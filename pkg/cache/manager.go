package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/filter"
	"github.com/Sternrassler/pagecache/pkg/pool"
	"github.com/Sternrassler/pagecache/pkg/protocol"
)

// maxLeaseAttempts bounds the acquire/insert loop before a request falls
// back to a transient serve.
const maxLeaseAttempts = 3

// DefaultMaxBytes is the default pool byte budget (10 MiB).
const DefaultMaxBytes = 10 << 20

// Options configures a Manager.
type Options struct {
	// Name labels the pool in metrics and logs
	Name string

	// MaxEntries bounds the number of pooled entries (0 = unbounded)
	MaxEntries int

	// MaxBytes bounds the summed body size of pooled entries (0 = unbounded)
	MaxBytes int64

	// MaxEntryBytes makes larger entries transient (0 = no limit)
	MaxEntryBytes int64

	// Filters is applied to every body that is served
	Filters *filter.Chain

	// Clock defaults to time.Now
	Clock Clock

	Logger zerolog.Logger

	// Disabled starts the manager in pass-through mode
	Disabled bool
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Enabled         bool       `json:"enabled"`
	Hits            uint64     `json:"hits"`
	Misses          uint64     `json:"misses"`
	Expired         uint64     `json:"expired"`
	Builds          uint64     `json:"builds"`
	BuildFailures   uint64     `json:"build_failures"`
	TransientServes uint64     `json:"transient_serves"`
	Invalidations   uint64     `json:"invalidations"`
	FilterFailures  uint64     `json:"filter_failures"`
	Pool            pool.Stats `json:"pool"`
}

// Manager coordinates pool, resolver and filters. It is the single entry
// point used by the serving layer and is safe for concurrent use.
type Manager struct {
	pool          *pool.Pool[*Entry]
	filters       *filter.Chain
	clock         Clock
	maxEntryBytes int64
	logger        zerolog.Logger
	enabled       atomic.Bool

	hits           atomic.Uint64
	misses         atomic.Uint64
	expired        atomic.Uint64
	builds         atomic.Uint64
	buildFailures  atomic.Uint64
	transient      atomic.Uint64
	invalidations  atomic.Uint64
	filterFailures atomic.Uint64
}

// NewManager creates a cache manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		pool: pool.New[*Entry](pool.Options{
			Name:       opts.Name,
			MaxEntries: opts.MaxEntries,
			MaxBytes:   opts.MaxBytes,
			Logger:     opts.Logger,
		}),
		filters:       opts.Filters,
		clock:         opts.Clock,
		maxEntryBytes: opts.MaxEntryBytes,
		logger:        opts.Logger,
	}
	m.enabled.Store(!opts.Disabled)
	return m
}

// Serve answers one request for key. On a miss (or an expired entry) build
// is invoked to produce fresh content. The returned disposition owns its
// body; the entry is back in the pool when Serve returns.
func (m *Manager) Serve(ctx context.Context, key string, build Builder, cond protocol.Conditions) (*protocol.Disposition, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if build == nil {
		panic("cache: nil builder")
	}

	l, err := m.lease(ctx, key, build)
	if err != nil {
		return nil, err
	}
	defer l.release()

	d := protocol.Resolve(cond, l.entry)
	d.ContentType = l.entry.ContentType()
	d.Expires = l.entry.Expires()

	if d.HasBody() {
		if err := m.filter(key, &d, cond); err != nil {
			return nil, err
		}
	}

	Dispositions.WithLabelValues(d.Kind.String()).Inc()
	m.logger.Debug().
		Str("key", key).
		Str("disposition", d.Kind.String()).
		Int("size", len(d.Body)).
		Msg("Request served")
	return &d, nil
}

func (m *Manager) filter(key string, d *protocol.Disposition, cond protocol.Conditions) error {
	p := m.filters.New()
	defer func() {
		if err := p.Close(); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Filter close failed")
		}
	}()
	if p.Len() == 0 {
		return nil
	}

	fctx := &filter.Context{
		ContentType:    d.ContentType,
		Buffer:         d.Body,
		Header:         http.Header{},
		AcceptEncoding: cond.AcceptEncoding,
		Partial:        d.Kind == protocol.Partial,
	}
	if err := p.Run(fctx); err != nil {
		m.filterFailures.Add(1)
		m.logger.Warn().Err(err).Str("key", key).Msg("Filter pipeline failed")
		return err
	}
	// Content-Range describes the unfiltered bytes
	if fctx.Partial && len(fctx.Buffer) != len(d.Body) {
		m.filterFailures.Add(1)
		m.logger.Warn().
			Str("key", key).
			Int("range_len", len(d.Body)).
			Int("filtered_len", len(fctx.Buffer)).
			Msg("Filter changed partial body length, serving unfiltered")
		return nil
	}
	d.Body = fctx.Buffer
	d.Header = fctx.Header
	if d.Header.Get("Content-Encoding") != "" {
		d.ETag = protocol.WeakETag(d.ETag)
	}
	return nil
}

// lease is a checked-out entry. Entries without a handle were never pooled
// and are retired on release.
type lease struct {
	m      *Manager
	handle *pool.Handle[*Entry]
	entry  *Entry
}

func (l *lease) release() {
	if l.handle == nil {
		l.entry.Retire()
		return
	}
	if l.m.pool.Release(l.handle) {
		l.m.logger.Debug().Str("key", l.entry.Key()).Msg("Entry retired on release")
	}
}

func (m *Manager) lease(ctx context.Context, key string, build Builder) (*lease, error) {
	if !m.enabled.Load() {
		m.countMiss("disabled")
		return m.transientLease(ctx, key, build, nil)
	}

	// spare is a built entry not yet owned by the pool; mine is the entry
	// this request pooled, served even if it is already stale
	var spare, mine *Entry
	defer func() {
		if spare != nil {
			spare.Retire()
		}
	}()

	missed := false
	for attempt := 0; attempt < maxLeaseAttempts; attempt++ {
		h, err := m.pool.Acquire(ctx, key)
		switch {
		case err == nil:
			e := h.Value()
			if e == mine || !e.IsExpired(m.clock()) && !e.Invalidated() {
				if !missed {
					m.hits.Add(1)
					CacheHits.Inc()
				}
				return &lease{m: m, handle: h, entry: e}, nil
			}
			e.Invalidate()
			m.pool.Release(h)
			if !missed {
				m.expired.Add(1)
				m.countMiss("expired")
				missed = true
			}
			m.logger.Debug().Str("key", key).Msg("Stale entry retired")
		case errors.Is(err, pool.ErrMiss):
			if !missed {
				m.countMiss("absent")
				missed = true
			}
		case errors.Is(err, pool.ErrPoolClosed):
			e := spare
			spare = nil
			return m.transientLease(ctx, key, build, e)
		default:
			return nil, err
		}

		if spare == nil {
			if spare, err = m.build(ctx, key, build); err != nil {
				return nil, err
			}
		}

		_, inserted, err := m.pool.Insert(key, spare)
		switch {
		case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
			m.logger.Warn().Err(err).Str("key", key).Msg("Serving uncached entry")
			e := spare
			spare = nil
			return m.transientLease(ctx, key, build, e)
		case err != nil:
			return nil, err
		case inserted:
			mine = spare
			spare = nil
		}
	}

	m.logger.Debug().Str("key", key).Int("attempt", maxLeaseAttempts).Msg("Lease attempts exhausted")
	e := spare
	spare = nil
	return m.transientLease(ctx, key, build, e)
}

// transientLease serves e, or a fresh build when e is nil, outside the pool.
func (m *Manager) transientLease(ctx context.Context, key string, build Builder, e *Entry) (*lease, error) {
	if e == nil {
		var err error
		if e, err = m.build(ctx, key, build); err != nil {
			return nil, err
		}
	}
	m.transient.Add(1)
	TransientServes.Inc()
	return &lease{m: m, entry: e}, nil
}

func (m *Manager) build(ctx context.Context, key string, build Builder) (*Entry, error) {
	start := time.Now()
	c, err := build(ctx)
	if err == nil && c == nil {
		err = ErrInvalidContent
	}
	m.builds.Add(1)
	if err != nil {
		m.buildFailures.Add(1)
		Builds.WithLabelValues("failure").Inc()
		m.logger.Warn().Err(err).Str("key", key).Dur("duration", time.Since(start)).Msg("Build failed")
		return nil, &BuildError{Key: key, Err: err}
	}
	Builds.WithLabelValues("success").Inc()

	e := NewEntry(key, c, m.clock, m.maxEntryBytes)
	m.logger.Debug().
		Str("key", key).
		Int64("size", e.Size()).
		Str("etag", e.ETag()).
		Dur("duration", time.Since(start)).
		Msg("Entry built")
	return e, nil
}

func (m *Manager) countMiss(reason string) {
	m.misses.Add(1)
	CacheMisses.WithLabelValues(reason).Inc()
}

// Invalidate retires every entry carrying one of tags. Leased entries are
// retired when their lease ends. It returns the number of entries affected.
func (m *Manager) Invalidate(tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	n := m.invalidateWhere(func(_ string, e *Entry) bool { return e.HasAnyTag(tags...) })
	m.logger.Info().Strs("tags", tags).Int("entries", n).Msg("Tags invalidated")
	return n
}

// Remove invalidates the entry stored under key and reports whether one
// existed.
func (m *Manager) Remove(key string) bool {
	n := m.invalidateWhere(func(k string, _ *Entry) bool { return k == key })
	if n > 0 {
		m.logger.Debug().Str("key", key).Msg("Entry removed")
	}
	return n > 0
}

// Flush invalidates all entries.
func (m *Manager) Flush() int {
	n := m.invalidateWhere(func(string, *Entry) bool { return true })
	m.logger.Info().Int("entries", n).Msg("Cache flushed")
	return n
}

func (m *Manager) invalidateWhere(match func(key string, e *Entry) bool) int {
	n := 0
	m.pool.Range(func(key string, e *Entry, _ pool.State) bool {
		if match(key, e) {
			e.Invalidate()
			n++
		}
		return true
	})
	m.pool.Evict(func(_ string, e *Entry) bool { return e.Invalidated() })
	if n > 0 {
		m.invalidations.Add(uint64(n))
		Invalidations.Add(float64(n))
	}
	return n
}

// Sweep retires expired and invalidated pooled entries and returns how many
// were retired. It is meant to be called periodically.
func (m *Manager) Sweep() int {
	now := m.clock()
	n := m.pool.Evict(func(_ string, e *Entry) bool {
		return e.Invalidated() || e.IsExpired(now)
	})
	if n > 0 {
		m.logger.Info().Int("entries", n).Msg("Expired entries swept")
	}
	return n
}

// SetEnabled switches caching on or off. Disabling flushes the cache; while
// disabled every request is built and served without pooling.
func (m *Manager) SetEnabled(enabled bool) {
	if m.enabled.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		m.Flush()
	}
	m.logger.Info().Bool("enabled", enabled).Msg("Cache state changed")
}

// Enabled reports whether caching is on.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// Len returns the number of entries in the pool.
func (m *Manager) Len() int { return m.pool.Len() }

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Enabled:         m.enabled.Load(),
		Hits:            m.hits.Load(),
		Misses:          m.misses.Load(),
		Expired:         m.expired.Load(),
		Builds:          m.builds.Load(),
		BuildFailures:   m.buildFailures.Load(),
		TransientServes: m.transient.Load(),
		Invalidations:   m.invalidations.Load(),
		FilterFailures:  m.filterFailures.Load(),
		Pool:            m.pool.Stats(),
	}
}

// Close retires all pooled entries. Requests served afterwards are built
// and discarded.
func (m *Manager) Close() error {
	if err := m.pool.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	return nil
}
