package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend wraps go-redis behind Backend, for deployments that set
// Cache.RedisURL to share cached entries across multiple process
// instances.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses a redis:// URL (as accepted by redis.ParseURL)
// and returns a Backend over it.
func NewRedisBackend(url string) (Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *redisBackend) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex %s: %w", key, err)
	}
	return nil
}

func (r *redisBackend) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
