package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Store shared between service instances. Redis errors are logged
// and treated as cache misses so a cache outage never fails a lookup.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis connects to the Redis server at rawURL (redis://host:port/db) and
// verifies the connection.
func NewRedis(ctx context.Context, rawURL, prefix string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get returns the value for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

// Set stores value for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear removes every key under the store's prefix.
func (r *Redis) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("redis delete failed", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("redis scan failed", zap.Error(err))
	}
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
