// Package store provides second-level content stores behind the in-memory
// page cache. A store keeps built Content across restarts and nodes so a
// pool miss does not always reach the origin.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
)

var (
	// ErrStoreMiss indicates the requested key was not found in the store
	ErrStoreMiss = errors.New("store miss")

	// ErrInvalidRecord indicates the stored record is invalid or corrupted
	ErrInvalidRecord = errors.New("invalid store record")
)

// Store persists built content by cache key.
type Store interface {
	// Get returns ErrStoreMiss for absent or expired keys.
	Get(ctx context.Context, key string) (*cache.Content, error)

	// Set stores c until c.Expires. Already expired content is not stored.
	Set(ctx context.Context, key string, c *cache.Content) error

	Delete(ctx context.Context, key string) error

	// InvalidateTags deletes every key carrying one of tags and returns how
	// many were deleted.
	InvalidateTags(ctx context.Context, tags ...string) (int, error)

	Close() error
}

// record is the serialized form of a stored page.
type record struct {
	cache.Content
	StoredAt time.Time `json:"stored_at"`
}

func encode(c *cache.Content, now time.Time) ([]byte, error) {
	data, err := json.Marshal(record{Content: *c, StoredAt: now})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*cache.Content, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &r.Content, nil
}

// ReadThrough wraps build so that content is looked up in s first and
// successful builds are written back. Store failures are logged and never
// fail the build.
func ReadThrough(s Store, key string, build cache.Builder, logger zerolog.Logger) cache.Builder {
	return func(ctx context.Context) (*cache.Content, error) {
		c, err := s.Get(ctx, key)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrStoreMiss) {
			logger.Warn().Err(err).Str("key", key).Msg("Store lookup failed")
		}

		c, err = build(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, key, c); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Store write failed")
		}
		return c, nil
	}
}
