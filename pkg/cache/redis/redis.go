// Package redis is a cache backend shared across processes through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/contentflow/contentflow/pkg/models"
)

const scanBatch = 200

// Backend stores JSON encoded entries under "<namespace>:cache:<key>".
type Backend struct {
	client    goredis.UniversalClient
	namespace string
}

// New creates a backend using client. The client is owned by the caller.
func New(client goredis.UniversalClient, namespace string) *Backend {
	return &Backend{client: client, namespace: namespace}
}

func (b *Backend) prefix() string {
	if b.namespace == "" {
		return "cache:"
	}
	return b.namespace + ":cache:"
}

// Get implements cache.Backend.
func (b *Backend) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	val, err := b.client.Get(ctx, b.prefix()+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return models.CacheEntry{}, false, nil
		}
		return models.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e models.CacheEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

// Set implements cache.Backend. Redis expires the key with the entry.
func (b *Backend) Set(ctx context.Context, key string, e models.CacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix()+key, data, e.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements cache.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix()+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Flush implements cache.Backend. Only keys in the namespace are removed.
func (b *Backend) Flush(ctx context.Context) error {
	return b.scan(ctx, func(keys []string) error {
		return b.client.Del(ctx, keys...).Err()
	})
}

// Len implements cache.Backend.
func (b *Backend) Len(ctx context.Context) (int64, error) {
	var n int64
	err := b.scan(ctx, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}

func (b *Backend) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix()+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close is a no-op; the client belongs to the caller.
func (b *Backend) Close() error {
	return nil
}
