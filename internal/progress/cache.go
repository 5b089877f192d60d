package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a snapshot stays in the shared cache.
const DefaultCacheTTL = time.Hour

// ErrCacheMiss is returned by a Cache that holds no snapshot for an execution.
var ErrCacheMiss = errors.New("snapshot not cached")

// Cache shares snapshots between processes.
type Cache interface {
	Get(ctx context.Context, executionID uuid.UUID) (*Snapshot, error)
	Set(ctx context.Context, s *Snapshot) error
}

// RedisCache stores snapshots as JSON under one key per execution.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache creates a cache whose entries expire after ttl.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(executionID uuid.UUID) string {
	return "suiteplane:execution_status:" + executionID.String()
}

func (c *RedisCache) Get(ctx context.Context, executionID uuid.UUID) (*Snapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

func (c *RedisCache) Set(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(s.ExecutionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
