// Package warmup primes the page cache by serving a list of keys through
// the cache manager with a bounded worker pool.
package warmup

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
	"github.com/Sternrassler/pagecache/pkg/protocol"
)

var warmed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pagecache_warmup_total",
	Help: "Total number of warmed keys by result",
}, []string{"result"})

// Server is the part of the cache manager the warmer drives.
type Server interface {
	Serve(ctx context.Context, key string, build cache.Builder, cond protocol.Conditions) (*protocol.Disposition, error)
}

// BuilderFor returns the builder for key.
type BuilderFor func(key string) cache.Builder

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel builds
	MaxConcurrency int
	// Timeout per key
	Timeout time.Duration
	Logger  zerolog.Logger
}

// DefaultConfig returns a conservative default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Result summarizes a warm run.
type Result struct {
	Warmed int
	Failed int
	Errors map[string]error
}

// Warmer serves keys through a cache manager in parallel.
type Warmer struct {
	server Server
	config Config
}

// New creates a warmer for server.
func New(server Server, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Warmer{server: server, config: config}
}

type keyResult struct {
	key string
	err error
}

// Warm serves every key once. A failing key does not stop the others.
// Keys not reached before ctx is done are counted as failed.
func (w *Warmer) Warm(ctx context.Context, keys []string, builderFor BuilderFor) Result {
	start := time.Now()
	result := Result{Errors: make(map[string]error)}
	if len(keys) == 0 {
		return result
	}

	w.config.Logger.Info().
		Int("keys", len(keys)).
		Int("workers", w.config.MaxConcurrency).
		Msg("Starting cache warmup")

	queue := make(chan string, len(keys))
	for _, k := range keys {
		queue <- k
	}
	close(queue)

	results := make(chan keyResult, len(keys))
	var wg sync.WaitGroup
	for i := 0; i < w.config.MaxConcurrency && i < len(keys); i++ {
		wg.Add(1)
		go w.worker(ctx, queue, results, builderFor, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			result.Failed++
			result.Errors[r.key] = r.err
			warmed.WithLabelValues("failed").Inc()
			continue
		}
		result.Warmed++
		warmed.WithLabelValues("ok").Inc()
	}
	// Workers stop early on cancellation and leave keys in the queue.
	for k := range queue {
		result.Failed++
		result.Errors[k] = ctx.Err()
	}

	w.config.Logger.Info().
		Int("warmed", result.Warmed).
		Int("failed", result.Failed).
		Dur("duration", time.Since(start)).
		Msg("Cache warmup complete")
	return result
}

// worker serves keys from the queue
func (w *Warmer) worker(ctx context.Context, queue <-chan string, results chan<- keyResult, builderFor BuilderFor, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for {
		// Check context cancellation before taking the next key
		select {
		case <-ctx.Done():
			w.config.Logger.Debug().
				Int("worker_id", workerID).
				Int("keys_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		key, ok := <-queue
		if !ok {
			break
		}

		keyCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		_, err := w.server.Serve(keyCtx, key, builderFor(key), protocol.Conditions{Method: http.MethodGet})
		cancel()

		if err != nil {
			w.config.Logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("key", key).
				Msg("Warmup failed")
		}
		results <- keyResult{key: key, err: err}
		processed++
	}

	if processed > 0 {
		w.config.Logger.Debug().
			Int("worker_id", workerID).
			Int("keys_processed", processed).
			Msg("Worker completed")
	}
}
