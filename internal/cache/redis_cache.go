package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func progressKey(runID int64) string {
	return fmt.Sprintf("run:%d", runID)
}

func (c *RedisCache) StoreProgress(ctx context.Context, runID int64, p Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, progressKey(runID), b, c.ttl).Err()
}

// GetProgress returns (nil, nil) on a cache miss.
func (c *RedisCache) GetProgress(ctx context.Context, runID int64) (*Progress, error) {
	raw, err := c.rdb.Get(ctx, progressKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
