package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
	"github.com/Sternrassler/pagecache/pkg/config"
	"github.com/Sternrassler/pagecache/pkg/filter"
	"github.com/Sternrassler/pagecache/pkg/invalidation"
	"github.com/Sternrassler/pagecache/pkg/metrics"
	"github.com/Sternrassler/pagecache/pkg/origin"
	"github.com/Sternrassler/pagecache/pkg/store"
	"github.com/Sternrassler/pagecache/pkg/sweeper"
	"github.com/Sternrassler/pagecache/pkg/warmup"
)

// server wires the cache manager to its origin, store and invalidation bus.
type server struct {
	cfg     config.Config
	manager *cache.Manager
	origin  *origin.Client
	store   store.Store
	bus     *invalidation.Bus
	redis   *redis.Client
	sweeper *sweeper.Sweeper
	logger  zerolog.Logger
}

func newServer(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	originCfg := origin.DefaultConfig(cfg.Origin.URL, cfg.Origin.UserAgent)
	originCfg.Timeout = cfg.Origin.Timeout
	originCfg.DefaultTTL = cfg.Origin.DefaultTTL
	originCfg.Retry.MaxAttempts = cfg.Origin.Retries + 1
	originCfg.Logger = logger
	oc, err := origin.New(originCfg)
	if err != nil {
		return nil, fmt.Errorf("origin client: %w", err)
	}
	s.origin = oc

	if cfg.NeedsRedis() {
		opts, err := cfg.Store.RedisOptions()
		if err != nil {
			return nil, err
		}
		s.redis = redis.NewClient(opts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	var targets []sweeper.Target
	switch cfg.Store.Backend {
	case config.StoreRedis:
		s.store = store.NewRedisStore(s.redis, cfg.Store.Prefix)
	case config.StoreSQLite:
		sq, err := store.NewSQLiteStore(cfg.Store.SQLitePath, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.store = sq
		targets = append(targets, sq)
	}

	if cfg.Invalidation.Enabled {
		s.bus = invalidation.NewBus(s.redis, cfg.Invalidation.Channel, logger)
	}

	s.manager = cache.NewManager(cache.Options{
		Name:          "pages",
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		MaxEntryBytes: cfg.Cache.MaxEntryBytes,
		Filters:       filter.DefaultRegistry(logger).Chain(cfg.Cache.Filters...),
		Logger:        logger,
		Disabled:      cfg.Cache.Disabled,
	})
	targets = append(targets, s.manager)
	s.sweeper = sweeper.New(cfg.Cache.SweepInterval, logger, targets...)

	return s, nil
}

// Start runs the background workers until ctx is done.
func (s *server) Start(ctx context.Context) {
	go s.sweeper.Run(ctx)

	if s.bus != nil {
		go func() {
			if err := s.bus.Run(ctx, s.applyInvalidation); err != nil {
				s.logger.Error().Err(err).Msg("Invalidation bus stopped")
			}
		}()
	}

	if len(s.cfg.Warmup.Paths) > 0 {
		go s.warm(ctx)
	}
}

func (s *server) warm(ctx context.Context) {
	paths := make(map[string]string, len(s.cfg.Warmup.Paths))
	keys := make([]string, 0, len(s.cfg.Warmup.Paths))
	for _, p := range s.cfg.Warmup.Paths {
		u, err := url.Parse(p)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", p).Msg("Skipping invalid warmup path")
			continue
		}
		key := keyFor(u)
		paths[key] = u.RequestURI()
		keys = append(keys, key)
	}

	w := warmup.New(s.manager, warmup.Config{
		MaxConcurrency: s.cfg.Warmup.Concurrency,
		Timeout:        s.cfg.Warmup.Timeout,
		Logger:         s.logger,
	})
	w.Warm(ctx, keys, func(key string) cache.Builder {
		return s.builder(key, paths[key])
	})
}

// Close releases the manager, store and Redis connection.
func (s *server) Close() error {
	var err error
	if s.manager != nil {
		err = s.manager.Close()
	}
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	return err
}

// Routes returns the HTTP router.
func (s *server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/stats", s.statsHandler)
	r.Post("/invalidate", s.invalidateHandler)
	r.Handle("/*", cache.NewHandler(s.manager, s.source, s.logger))
	return r
}

func keyFor(u *url.URL) string {
	return cache.Key{Path: u.Path, QueryParams: u.Query()}.String()
}

// source maps a request to its cache key and a builder fetching the page
// from the store or the origin.
func (s *server) source(r *http.Request) (string, cache.Builder, error) {
	key := cache.KeyFromRequest("", r)
	if err := key.Validate(); err != nil {
		return "", nil, err
	}
	k := key.String()
	return k, s.builder(k, r.URL.RequestURI()), nil
}

func (s *server) builder(key, requestURI string) cache.Builder {
	build := s.origin.Builder(requestURI)
	if s.store != nil {
		build = store.ReadThrough(s.store, key, build, s.logger)
	}
	return build
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

type invalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Store       int  `json:"store"`
	Published   bool `json:"published"`
}

// invalidateHandler drops entries by tag (?tag=) or cache key (?key=)
// locally and on peer nodes.
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msg := invalidation.Message{Tags: q["tag"], Keys: q["key"]}
	if len(msg.Tags) == 0 && len(msg.Keys) == 0 {
		http.Error(w, "tag or key parameter required", http.StatusBadRequest)
		return
	}

	resp := s.invalidate(r.Context(), msg)
	if s.bus != nil {
		if err := s.bus.Publish(r.Context(), msg); err != nil {
			s.logger.Warn().Err(err).Msg("Publishing invalidation failed")
		} else {
			resp.Published = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) applyInvalidation(ctx context.Context, msg invalidation.Message) {
	s.invalidate(ctx, msg)
}

func (s *server) invalidate(ctx context.Context, msg invalidation.Message) invalidateResponse {
	var resp invalidateResponse
	resp.Invalidated = s.manager.Invalidate(msg.Tags...)
	for _, k := range msg.Keys {
		if s.manager.Remove(k) {
			resp.Invalidated++
		}
	}

	if s.store != nil {
		if len(msg.Tags) > 0 {
			n, err := s.store.InvalidateTags(ctx, msg.Tags...)
			if err != nil {
				s.logger.Warn().Err(err).Strs("tags", msg.Tags).Msg("Store tag invalidation failed")
			}
			resp.Store = n
		}
		for _, k := range msg.Keys {
			if err := s.store.Delete(ctx, k); err != nil {
				s.logger.Warn().Err(err).Str("key", k).Msg("Store delete failed")
			}
		}
	}

	s.logger.Info().
		Strs("tags", msg.Tags).
		Strs("keys", msg.Keys).
		Int("invalidated", resp.Invalidated).
		Msg("Invalidation applied")
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request at debug level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.RequestURI()).
			Int("status", ww.Status()).
			Int("size", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}
