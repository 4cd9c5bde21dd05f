package filter

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

type stage struct {
	name   string
	filter Filter
}

// Pipeline runs its stages in order. Each stage consumes the output of the
// previous one, including the previous stage's flushed trailer.
type Pipeline struct {
	stages []stage

	closeOnce sync.Once
	closeErr  error
}

// NewPipeline builds a pipeline from already constructed filters. Stages are
// named by their position.
func NewPipeline(filters ...Filter) *Pipeline {
	p := &Pipeline{stages: make([]stage, 0, len(filters))}
	for i, f := range filters {
		p.stages = append(p.stages, stage{name: fmt.Sprintf("#%d", i), filter: f})
	}
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Run applies every stage to ctx. On failure ctx.Buffer is restored and an
// error wrapping ErrFilterFailed is returned; no partial output escapes.
func (p *Pipeline) Run(ctx *Context) error {
	if len(p.stages) == 0 {
		return nil
	}
	if ctx.Header == nil {
		ctx.Header = http.Header{}
	}
	orig := ctx.Buffer
	for _, s := range p.stages {
		if err := s.filter.Apply(ctx); err != nil {
			ctx.Buffer = orig
			return fmt.Errorf("%w: %s apply: %w", ErrFilterFailed, s.name, err)
		}
		tail, err := s.filter.Flush()
		if err != nil {
			ctx.Buffer = orig
			return fmt.Errorf("%w: %s flush: %w", ErrFilterFailed, s.name, err)
		}
		if len(tail) > 0 {
			ctx.Buffer = append(ctx.Buffer[:len(ctx.Buffer):len(ctx.Buffer)], tail...)
		}
	}
	return nil
}

// Close closes every stage once, returning the joined errors. Further calls
// return the same result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		for _, s := range p.stages {
			if err := s.filter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s close: %w", s.name, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
