package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DedupeCache is the fast-path cache in front of the Job Store's dedup
// index: dedup key -> completed job id, with a TTL. Purely an optimization;
// a miss falls through to the store query.
type DedupeCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisDedupeCache is a Redis-backed DedupeCache shared across control-plane
// instances.
type RedisDedupeCache struct {
	client *redis.Client
}

// NewRedisDedupeCache dials addr and pings the server to validate the
// connection.
func NewRedisDedupeCache(addr string) (*RedisDedupeCache, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisDedupeCache{client: c}, nil
}

func (s *RedisDedupeCache) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, dedupeKeyspace(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisDedupeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, dedupeKeyspace(key), value, ttl).Err()
}

// Close shuts down the underlying Redis client.
func (s *RedisDedupeCache) Close() error {
	return s.client.Close()
}

func dedupeKeyspace(key string) string { return "veridian:dedup:" + key }

// memoryDedupeCache backs tests; entries never expire (tests are short).
type memoryDedupeCache struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemoryDedupeCache returns an in-process DedupeCache.
func NewMemoryDedupeCache() DedupeCache {
	return &memoryDedupeCache{m: make(map[string]string)}
}

func (s *memoryDedupeCache) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memoryDedupeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}
