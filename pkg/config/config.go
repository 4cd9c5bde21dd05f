// Package config loads the server configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/pagecache/pkg/logging"
)

// Store backends.
const (
	StoreNone   = "none"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete server configuration.
type Config struct {
	Listen       string             `yaml:"listen"`
	Origin       OriginConfig       `yaml:"origin"`
	Cache        CacheConfig        `yaml:"cache"`
	Store        StoreConfig        `yaml:"store"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Warmup       WarmupConfig       `yaml:"warmup"`
	Log          LogConfig          `yaml:"log"`
}

// OriginConfig describes the upstream server.
type OriginConfig struct {
	URL        string        `yaml:"url"`
	UserAgent  string        `yaml:"userAgent"`
	Timeout    time.Duration `yaml:"timeout"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
	Retries    int           `yaml:"retries"`
}

// CacheConfig sizes the in-memory pool.
type CacheConfig struct {
	Disabled      bool          `yaml:"disabled"`
	MaxEntries    int           `yaml:"maxEntries"`
	MaxBytes      int64         `yaml:"maxBytes"`
	MaxEntryBytes int64         `yaml:"maxEntryBytes"`
	Filters       []string      `yaml:"filters"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// StoreConfig selects the second-level store.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	RedisURL   string `yaml:"redisURL"`
	Prefix     string `yaml:"prefix"`
	SQLitePath string `yaml:"sqlitePath"`
}

// InvalidationConfig enables the cross-node invalidation bus.
type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// WarmupConfig lists paths primed at startup.
type WarmupConfig struct {
	Paths       []string      `yaml:"paths"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns a configuration with safe defaults.
func Default() Config {
	return Config{
		Listen: ":8080",
		Origin: OriginConfig{
			UserAgent:  "pagecache/0.1.0",
			Timeout:    30 * time.Second,
			DefaultTTL: 5 * time.Minute,
			Retries:    3,
		},
		Cache: CacheConfig{
			MaxBytes:      10 << 20,
			SweepInterval: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:    StoreNone,
			RedisURL:   "localhost:6379",
			Prefix:     "pagecache:",
			SQLitePath: "pagecache.db",
		},
		Warmup: WarmupConfig{
			Concurrency: 4,
			Timeout:     15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PAGECACHE_LISTEN", &c.Listen)
	str("PAGECACHE_ORIGIN", &c.Origin.URL)
	str("PAGECACHE_STORE", &c.Store.Backend)
	str("REDIS_URL", &c.Store.RedisURL)
	str("PAGECACHE_SQLITE_PATH", &c.Store.SQLitePath)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: LOG_PRETTY: %v", ErrInvalidConfig, err)
		}
		c.Log.Pretty = b
	}
	if v, ok := lookup("PAGECACHE_FILTERS"); ok && v != "" {
		c.Cache.Filters = splitList(v)
	}
	if v, ok := lookup("PAGECACHE_MAX_ENTRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PAGECACHE_MAX_ENTRIES: %v", ErrInvalidConfig, err)
		}
		c.Cache.MaxEntries = n
	}
	if v, ok := lookup("PAGECACHE_MAX_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PAGECACHE_MAX_BYTES: %v", ErrInvalidConfig, err)
		}
		c.Cache.MaxBytes = n
	}
	return nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Listen == "" {
		add("listen address is required")
	}
	if c.Origin.URL == "" {
		add("origin url is required")
	} else if u, err := url.Parse(c.Origin.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("origin url %q is not absolute", c.Origin.URL)
	}
	if c.Origin.UserAgent == "" {
		add("origin user agent is required")
	}
	if c.Origin.Retries < 0 {
		add("origin retries must not be negative")
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxBytes < 0 || c.Cache.MaxEntryBytes < 0 {
		add("cache limits must not be negative")
	}

	switch c.Store.Backend {
	case "", StoreNone:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			add("redis store needs a redis url")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add("sqlite store needs a path")
		}
	default:
		add("unknown store backend %q", c.Store.Backend)
	}
	if c.Invalidation.Enabled && c.Store.RedisURL == "" {
		add("invalidation bus needs a redis url")
	}
	if !logging.ValidLevel(logging.LogLevel(c.Log.Level)) {
		add("unknown log level %q", c.Log.Level)
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any component uses Redis.
func (c Config) NeedsRedis() bool {
	return c.Store.Backend == StoreRedis || c.Invalidation.Enabled
}

// RedisOptions converts RedisURL to client options. A bare host:port is
// accepted as an address.
func (s StoreConfig) RedisOptions() (*redis.Options, error) {
	if strings.Contains(s.RedisURL, "://") {
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", ErrInvalidConfig, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: s.RedisURL}, nil
}
