package filter

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Names of the built-in filters.
const (
	NameEscape = "escape"
	NameGzip   = "gzip"
)

// Registry maps filter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// DefaultRegistry returns a registry with the built-in filters: "escape"
// (entity escaping of text/plain) and "gzip".
func DefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NameEscape, func() Filter { return NewEscaper("text/plain") })
	r.Register(NameGzip, func() Filter { return NewGzip(DefaultGzipOptions()) })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Chain resolves names into a Chain in the given order. Unknown names are
// skipped with a warning.
func (r *Registry) Chain(names ...string) *Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Chain{}
	for _, n := range names {
		f, ok := r.factories[n]
		if !ok {
			r.logger.Warn().Str("filter", n).Msg("Unknown filter skipped")
			continue
		}
		c.names = append(c.names, n)
		c.factories = append(c.factories, f)
	}
	return c
}

// Chain is an immutable ordered list of filter factories. It is safe for
// concurrent use; each call to New yields an independent Pipeline.
type Chain struct {
	names     []string
	factories []Factory
}

// Names returns the filter names in execution order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// New instantiates a pipeline for one request. A nil Chain yields an
// empty pipeline.
func (c *Chain) New() *Pipeline {
	p := &Pipeline{}
	if c == nil {
		return p
	}
	p.stages = make([]stage, len(c.factories))
	for i, f := range c.factories {
		p.stages[i] = stage{name: c.names[i], filter: f()}
	}
	return p
}
