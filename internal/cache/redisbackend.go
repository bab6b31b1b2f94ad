package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts go-redis to cache.Backend, the way the teacher's
// RedisStore exposes a generic Set/Get pair for idempotency records
// ("Generic Key-Value Operations") on top of the same *redis.Client
// used for its durable state.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to addr and verifies connectivity.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// Close releases the underlying connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Set implements cache.Backend.
func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Get implements cache.Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
