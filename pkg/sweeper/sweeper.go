// Package sweeper periodically evicts expired and invalidated entries.
//
// The cache never runs a background timer of its own; the sweeper is the
// external cadence that calls Sweep on the manager and on a persistent
// store.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is used when Interval is zero.
const DefaultInterval = 30 * time.Second

// Target is anything that can evict its stale entries.
type Target interface {
	Sweep() int
}

// TargetFunc adapts a function to Target.
type TargetFunc func() int

// Sweep calls f.
func (f TargetFunc) Sweep() int { return f() }

// Sweeper calls Sweep on its targets at a fixed interval.
type Sweeper struct {
	Interval time.Duration
	Targets  []Target
	Logger   zerolog.Logger
}

// New creates a sweeper for targets.
func New(interval time.Duration, logger zerolog.Logger, targets ...Target) *Sweeper {
	return &Sweeper{
		Interval: interval,
		Targets:  targets,
		Logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// SweepOnce sweeps every target and returns the total evicted.
func (s *Sweeper) SweepOnce() int {
	total := 0
	for _, t := range s.Targets {
		total += t.Sweep()
	}
	return total
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", interval).Int("targets", len(s.Targets)).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if n := s.SweepOnce(); n > 0 {
				s.Logger.Info().
					Int("evicted", n).
					Dur("duration", time.Since(start)).
					Msg("Sweep complete")
			}
		}
	}
}
