// Package pool implements a keyed lease pool for cache entries.
//
// Every member lives in exactly one of three states. A member is Pooled while
// it sits in the pool waiting to be used, Leased while exactly one caller holds
// a Handle to it, and Retired once it has left the pool for good. The pool is
// the only writer of that state; members merely advise it through Dispose.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

var (
	// ErrMiss indicates that no member is pooled under the requested key.
	ErrMiss = errors.New("pool miss")

	// ErrPoolExhausted indicates that the capacity bound could not be honoured
	// because every remaining member is leased.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool closed")
)

// State is the lease state of a pool member.
type State int32

const (
	// Pooled members are ready to be leased.
	Pooled State = iota
	// Leased members are checked out by exactly one caller.
	Leased
	// Retired members have left the pool. Retired is terminal.
	Retired
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Pooled:
		return "pooled"
	case Leased:
		return "leased"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Member is implemented by values managed by a Pool.
type Member interface {
	// Dispose reports whether the member should leave the pool instead of
	// being pooled again. The pool may ask repeatedly, including during
	// maintenance sweeps.
	Dispose() bool

	// Retire releases the member's resources. The pool calls it exactly once,
	// after the member left the pool. It must not call back into the pool.
	Retire()

	// Size is the member's weight against the pool's byte budget.
	Size() int64
}

// Retirement reasons, used as metric labels.
const (
	reasonDisposed = "disposed"
	reasonEvicted  = "evicted"
	reasonCapacity = "capacity"
	reasonClosed   = "closed"
)

// Options configures a Pool.
type Options struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// MaxEntries bounds the number of members (0 = unbounded).
	MaxEntries int

	// MaxBytes bounds the summed Size of all members (0 = unbounded).
	MaxBytes int64

	// Logger receives lease and retirement events.
	Logger zerolog.Logger
}

// Stats is a point-in-time snapshot of pool bookkeeping.
type Stats struct {
	Entries   int    `json:"entries"`
	Leased    int    `json:"leased"`
	MaxLeased int    `json:"max_leased"`
	Bytes     int64  `json:"bytes"`
	Inserted  uint64 `json:"inserted"`
	Discarded uint64 `json:"discarded"`
	Retired   uint64 `json:"retired"`
	Evicted   uint64 `json:"evicted"`
}

type slot[V Member] struct {
	key      string
	value    V
	state    State
	released chan struct{} // closed when the current lease ends
}

// Handle is a leased reference to a pool member. It must be passed to
// Release exactly once.
type Handle[V Member] struct {
	pool *Pool[V]
	slot *slot[V]
	done bool
}

// Key returns the key the member is pooled under.
func (h *Handle[V]) Key() string { return h.slot.key }

// Value returns the leased member.
func (h *Handle[V]) Value() V { return h.slot.value }

// Pool is a keyed pool holding at most one member per key.
type Pool[V Member] struct {
	name       string
	maxEntries int
	maxBytes   int64
	logger     zerolog.Logger

	mu        sync.Mutex
	slots     *simplelru.LRU[string, *slot[V]]
	bytes     int64
	leased    int
	maxLeased int
	closed    bool
	stats     Stats
}

// New creates an empty pool.
func New[V Member](opts Options) *Pool[V] {
	if opts.MaxEntries < 0 {
		panic("pool: MaxEntries must be >= 0")
	}
	if opts.MaxBytes < 0 {
		panic("pool: MaxBytes must be >= 0")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	// The index never evicts on its own: room is made before every Add.
	capacity := math.MaxInt32
	if opts.MaxEntries > 0 {
		capacity = opts.MaxEntries
	}
	slots, err := simplelru.NewLRU[string, *slot[V]](capacity, nil)
	if err != nil {
		panic(fmt.Sprintf("pool: create index: %v", err))
	}

	return &Pool[V]{
		name:       opts.Name,
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		logger:     opts.Logger.With().Str("pool", opts.Name).Logger(),
		slots:      slots,
	}
}

// Name returns the pool identifier.
func (p *Pool[V]) Name() string { return p.name }

// Acquire leases the member pooled under key. It returns ErrMiss when there
// is none. While another caller holds the lease, Acquire waits for its
// release or for ctx to end.
func (p *Pool[V]) Acquire(ctx context.Context, key string) (*Handle[V], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		s, ok := p.slots.Get(key)
		if !ok {
			p.mu.Unlock()
			return nil, ErrMiss
		}
		if s.state == Pooled {
			h := p.leaseLocked(s)
			p.mu.Unlock()
			return h, nil
		}
		if s.state != Leased {
			p.mu.Unlock()
			panic(fmt.Sprintf("pool %s: %s member indexed under %q", p.name, s.state, key))
		}
		wait := s.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Insert adds v in Pooled state. If a member is already pooled under key,
// v is left untouched and the existing member is returned with inserted set
// to false; the caller keeps ownership of v.
//
// Least recently used pooled members are retired to honour the capacity
// bounds. ErrPoolExhausted is returned when that is not possible.
func (p *Pool[V]) Insert(key string, v V) (existing V, inserted bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return existing, false, ErrPoolClosed
	}
	if s, ok := p.slots.Peek(key); ok {
		p.stats.Discarded++
		return s.value, false, nil
	}

	size := v.Size()
	if err := p.makeRoomLocked(size); err != nil {
		return existing, false, err
	}

	p.slots.Add(key, &slot[V]{key: key, value: v, state: Pooled})
	p.bytes += size
	p.stats.Inserted++
	p.updateGaugesLocked()

	p.logger.Trace().Str("key", key).Int64("size", size).Msg("Member pooled")
	return v, true, nil
}

// Release ends the lease held by h. The member is retired when it asks to be
// disposed or the pool is closed, and pooled again otherwise. Releasing a
// handle twice panics.
func (p *Pool[V]) Release(h *Handle[V]) (retired bool) {
	if h == nil {
		panic("pool: release of nil handle")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if h.pool != p {
		panic(fmt.Sprintf("pool %s: release of foreign handle for %q", p.name, h.slot.key))
	}
	if h.done {
		panic(fmt.Sprintf("pool %s: handle for %q released twice", p.name, h.slot.key))
	}
	s := h.slot
	if s.state != Leased {
		panic(fmt.Sprintf("pool %s: release of %s member %q", p.name, s.state, s.key))
	}
	h.done = true

	p.leased--
	close(s.released)
	s.released = nil

	switch {
	case p.closed:
		p.retireLocked(s, reasonClosed)
		retired = true
	case s.value.Dispose():
		p.retireLocked(s, reasonDisposed)
		retired = true
	default:
		s.state = Pooled
	}
	p.updateGaugesLocked()
	return retired
}

// Evict retires every pooled member matching pred and returns how many were
// retired. Leased members are never evicted.
func (p *Pool[V]) Evict(pred func(key string, v V) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, key := range p.slots.Keys() {
		s, ok := p.slots.Peek(key)
		if !ok || s.state != Pooled || !pred(key, s.value) {
			continue
		}
		p.retireLocked(s, reasonEvicted)
		n++
	}
	if n > 0 {
		p.updateGaugesLocked()
	}
	return n
}

// Range calls fn for every member, oldest first, until fn returns false.
// fn runs with the pool locked and must not call back into the pool.
func (p *Pool[V]) Range(fn func(key string, v V, state State) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range p.slots.Keys() {
		s, ok := p.slots.Peek(key)
		if !ok {
			continue
		}
		if !fn(key, s.value, s.state) {
			return
		}
	}
}

// Peek returns the member under key and its state without leasing it or
// touching its recency.
func (p *Pool[V]) Peek(key string) (v V, state State, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots.Peek(key)
	if !ok {
		return v, Retired, false
	}
	return s.value, s.state, true
}

// Len returns the number of members in the pool.
func (p *Pool[V]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots.Len()
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool[V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats
	st.Entries = p.slots.Len()
	st.Leased = p.leased
	st.MaxLeased = p.maxLeased
	st.Bytes = p.bytes
	return st
}

// Close retires all pooled members. Leased members are retired when they
// are released. Acquire and Insert fail with ErrPoolClosed afterwards.
func (p *Pool[V]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, key := range p.slots.Keys() {
		if s, ok := p.slots.Peek(key); ok && s.state == Pooled {
			p.retireLocked(s, reasonClosed)
		}
	}
	p.updateGaugesLocked()
	p.logger.Info().Int("leased", p.leased).Msg("Pool closed")
	return nil
}

func (p *Pool[V]) leaseLocked(s *slot[V]) *Handle[V] {
	if s.state != Pooled {
		panic(fmt.Sprintf("pool %s: lease of %s member %q", p.name, s.state, s.key))
	}
	s.state = Leased
	s.released = make(chan struct{})

	p.leased++
	if p.leased > p.maxLeased {
		p.maxLeased = p.leased
		p.logger.Debug().Int("max_leased", p.maxLeased).Msg("New lease maximum reached")
	}
	poolLeased.WithLabelValues(p.name).Set(float64(p.leased))
	return &Handle[V]{pool: p, slot: s}
}

// retireLocked moves s to Retired, drops it from the index and frees it.
func (p *Pool[V]) retireLocked(s *slot[V], reason string) {
	s.state = Retired
	if cur, ok := p.slots.Peek(s.key); ok && cur == s {
		p.slots.Remove(s.key)
		p.bytes -= s.value.Size()
	}
	s.value.Retire()

	p.stats.Retired++
	if reason == reasonEvicted || reason == reasonCapacity {
		p.stats.Evicted++
	}
	poolRetired.WithLabelValues(p.name, reason).Inc()
	p.logger.Trace().Str("key", s.key).Str("reason", reason).Msg("Member retired")
}

// makeRoomLocked retires least recently used pooled members until a member
// of the given size fits.
func (p *Pool[V]) makeRoomLocked(size int64) error {
	if p.maxBytes > 0 && size > p.maxBytes {
		return fmt.Errorf("%w: member of %d bytes exceeds budget of %d", ErrPoolExhausted, size, p.maxBytes)
	}
	for p.overLocked(size) {
		victim := p.oldestPooledLocked()
		if victim == nil {
			p.logger.Warn().
				Int("entries", p.slots.Len()).
				Int("leased", p.leased).
				Msg("Pool exhausted")
			return fmt.Errorf("%w: %d members leased", ErrPoolExhausted, p.leased)
		}
		p.retireLocked(victim, reasonCapacity)
	}
	return nil
}

func (p *Pool[V]) overLocked(size int64) bool {
	if p.maxEntries > 0 && p.slots.Len()+1 > p.maxEntries {
		return true
	}
	return p.maxBytes > 0 && p.bytes+size > p.maxBytes
}

func (p *Pool[V]) oldestPooledLocked() *slot[V] {
	for _, key := range p.slots.Keys() {
		if s, ok := p.slots.Peek(key); ok && s.state == Pooled {
			return s
		}
	}
	return nil
}

func (p *Pool[V]) updateGaugesLocked() {
	poolEntries.WithLabelValues(p.name).Set(float64(p.slots.Len()))
	poolBytes.WithLabelValues(p.name).Set(float64(p.bytes))
	poolLeased.WithLabelValues(p.name).Set(float64(p.leased))
}
