package anoncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all anonymous cache keys in Redis.
const DefaultRedisPrefix = "anoncache"

// RedisStore is a Store backed by a shared Redis instance, for
// multi-node deployments where every edge instance should serve the
// same cached markup.
//
// ClearAll is O(1): keys embed a generation counter, and clearing the
// cache increments the counter so every existing key becomes
// unreachable. Orphaned generations expire through their own TTLs.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: DefaultRedisPrefix,
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.redis.Get(ctx, s.entryKey(gen, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

// Put implements Store. Redis SET with TTL is atomic, which is the only
// write guarantee callers need.
func (s *RedisStore) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	gen, err := s.generation(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.entryKey(gen, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	gen, err := s.generation(ctx)
	if err != nil {
		return err
	}
	if err := s.redis.Del(ctx, s.entryKey(gen, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ClearAll implements Store by bumping the generation counter.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	if err := s.redis.Incr(ctx, s.generationKey()).Err(); err != nil {
		return fmt.Errorf("redis incr generation: %w", err)
	}
	return nil
}

func (s *RedisStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.redis.Get(ctx, s.generationKey()).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get generation: %w", err)
	}
	return gen, nil
}

func (s *RedisStore) generationKey() string {
	return s.prefix + ":generation"
}

func (s *RedisStore) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", s.prefix, gen, key)
}
