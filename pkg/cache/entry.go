package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Content is what a Builder produces for a key.
type Content struct {
	// Body is the rendered representation
	Body []byte `json:"body"`

	// ContentType of Body (e.g. "text/html; charset=utf-8")
	ContentType string `json:"content_type"`

	// LastModified of the underlying resource; zero means build time
	LastModified time.Time `json:"last_modified"`

	// Expires is when the entry becomes stale; zero means never
	Expires time.Time `json:"expires"`

	// ETag overrides the computed content hash when set
	ETag string `json:"etag,omitempty"`

	// Tags group entries for invalidation
	Tags []string `json:"tags,omitempty"`
}

// IsExpired returns true if the content has an expiry in the past.
func (c *Content) IsExpired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// TTL returns the time until expiration, 0 if expired and -1 if the
// content never expires.
func (c *Content) TTL(now time.Time) time.Duration {
	if c.Expires.IsZero() {
		return -1
	}
	ttl := c.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Builder materializes the content for a key on a cache miss.
type Builder func(ctx context.Context) (*Content, error)

// Clock returns the current time.
type Clock func() time.Time

// Entry is an immutable cached body plus its validators. Entries are owned
// by the pool; the coordinator only leases them.
type Entry struct {
	key          string
	body         []byte
	size         int64
	contentType  string
	lastModified time.Time
	expires      time.Time
	etag         string
	tags         map[string]struct{}
	createdAt    time.Time

	clock     Clock
	maxRetain int64

	invalidated atomic.Bool
	retired     atomic.Bool
}

// NewEntry wraps content built for key. The body is copied. maxRetain > 0
// marks larger entries for disposal on their first release.
func NewEntry(key string, c *Content, clock Clock, maxRetain int64) *Entry {
	if clock == nil {
		clock = time.Now
	}
	now := clock()

	body := make([]byte, len(c.Body))
	copy(body, c.Body)

	lm := c.LastModified
	if lm.IsZero() {
		lm = now
	}

	etag := c.ETag
	if etag == "" {
		etag = fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	}

	e := &Entry{
		key:          key,
		body:         body,
		size:         int64(len(body)),
		contentType:  c.ContentType,
		lastModified: lm.Truncate(time.Second),
		expires:      c.Expires,
		etag:         etag,
		createdAt:    now,
		clock:        clock,
		maxRetain:    maxRetain,
	}
	if len(c.Tags) > 0 {
		e.tags = make(map[string]struct{}, len(c.Tags))
		for _, t := range c.Tags {
			e.tags[t] = struct{}{}
		}
	}
	return e
}

func (e *Entry) Key() string             { return e.key }
func (e *Entry) Size() int64             { return e.size }
func (e *Entry) LastModified() time.Time { return e.lastModified }
func (e *Entry) ETag() string            { return e.etag }
func (e *Entry) ContentType() string     { return e.contentType }
func (e *Entry) Expires() time.Time      { return e.expires }
func (e *Entry) CreatedAt() time.Time    { return e.createdAt }

// Bytes returns the cached body. Callers must not modify it.
func (e *Entry) Bytes() []byte { return e.body }

// Tags returns the entry's tags in no particular order.
func (e *Entry) Tags() []string {
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	return out
}

// HasAnyTag reports whether the entry carries one of tags.
func (e *Entry) HasAnyTag(tags ...string) bool {
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

// IsExpired returns true if the entry has an expiry before now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Invalidate marks the entry stale. It is disposed on its next release.
func (e *Entry) Invalidate() { e.invalidated.Store(true) }

// Invalidated reports whether Invalidate was called.
func (e *Entry) Invalidated() bool { return e.invalidated.Load() }

// Dispose tells the pool whether to retire the entry instead of pooling it
// again: after invalidation, expiry, or when it is too large to keep.
func (e *Entry) Dispose() bool {
	if e.invalidated.Load() {
		return true
	}
	if e.maxRetain > 0 && e.size > e.maxRetain {
		return true
	}
	return e.IsExpired(e.clock())
}

// Retire drops the body. It is called exactly once, by the pool or by the
// coordinator for entries that were never pooled.
func (e *Entry) Retire() {
	if !e.retired.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("cache: entry %q retired twice", e.key))
	}
	e.body = nil
}

// Retired reports whether Retire was called.
func (e *Entry) Retired() bool { return e.retired.Load() }
