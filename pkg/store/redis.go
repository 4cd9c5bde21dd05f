package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/pagecache/pkg/cache"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "pagecache:"

// RedisStore keeps JSON records with a TTL taken from Content.Expires.
// Tags are tracked in one Redis set per tag.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	clock  cache.Clock
}

// NewRedisStore creates a store on an existing Redis client. An empty
// prefix selects DefaultRedisPrefix. The client stays owned by the caller.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		clock:  time.Now,
	}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) tagKey(tag string) string   { return s.prefix + "tag:" + tag }

// Get retrieves stored content by key.
// Returns ErrStoreMiss if the key doesn't exist or the content is expired.
func (s *RedisStore) Get(ctx context.Context, key string) (*cache.Content, error) {
	data, err := s.redis.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			StoreMisses.WithLabelValues(backendRedis).Inc()
			return nil, ErrStoreMiss
		}
		StoreErrors.WithLabelValues(backendRedis, "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	c, err := decode(data)
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "get").Inc()
		return nil, err
	}

	if c.IsExpired(s.clock()) {
		_ = s.Delete(ctx, key)
		StoreMisses.WithLabelValues(backendRedis).Inc()
		return nil, ErrStoreMiss
	}

	StoreHits.WithLabelValues(backendRedis).Inc()
	return c, nil
}

// Set stores content with TTL based on its Expires field.
// The record will be automatically removed from Redis when it expires.
func (s *RedisStore) Set(ctx context.Context, key string, c *cache.Content) error {
	if c == nil {
		return fmt.Errorf("content cannot be nil")
	}

	now := s.clock()
	ttl := c.TTL(now)
	switch {
	case ttl == 0:
		// Already expired, don't store
		return nil
	case ttl < 0:
		ttl = 0 // no expiration
	}

	data, err := encode(c, now)
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "set").Inc()
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(key), data, ttl)
		for _, tag := range c.Tags {
			pipe.SAdd(ctx, s.tagKey(tag), key)
		}
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes stored content.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.entryKey(key)).Err(); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// InvalidateTags deletes all records tagged with one of tags.
func (s *RedisStore) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	total := 0
	for _, tag := range tags {
		members, err := s.redis.SMembers(ctx, s.tagKey(tag)).Result()
		if err != nil {
			StoreErrors.WithLabelValues(backendRedis, "invalidate").Inc()
			return total, fmt.Errorf("redis smembers: %w", err)
		}

		keys := make([]string, 0, len(members)+1)
		for _, m := range members {
			keys = append(keys, s.entryKey(m))
		}

		var deleted *redis.IntCmd
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				deleted = pipe.Del(ctx, keys...)
			}
			pipe.Del(ctx, s.tagKey(tag))
			return nil
		})
		if err != nil {
			StoreErrors.WithLabelValues(backendRedis, "invalidate").Inc()
			return total, fmt.Errorf("redis del: %w", err)
		}
		if deleted != nil {
			total += int(deleted.Val())
		}
	}
	return total, nil
}

// Close is a no-op; the Redis client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
