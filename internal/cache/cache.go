// Package cache provides short lived response caching for upstream lookups,
// either in process or shared through Redis.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a byte oriented cache backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// Load returns the cached value for key, or calls load and caches its result
// for ttl. Failed loads are never cached, and a value that no longer decodes
// is treated as a miss.
func Load[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if store != nil {
		if data, ok := store.Get(ctx, key); ok {
			var cached T
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
			store.Delete(ctx, key)
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if store != nil {
		if data, err := json.Marshal(value); err == nil {
			store.Set(ctx, key, data, ttl)
		}
	}
	return value, nil
}
