// Package cache stores provider responses by request fingerprint.
//
// Cache wraps a Backend with the enable switch, lazy expiry and hit/miss
// accounting. Backends only store and return entries.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/contentflow/contentflow/pkg/models"
)

// Backend is a storage engine for cache entries.
type Backend interface {
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	// Set stores e; the backend may reclaim it once e.TTL has passed.
	Set(ctx context.Context, key string, e models.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Purger is implemented by backends that need explicit removal of expired
// entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Cache is the response cache used by the orchestrator.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	enabled atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates an enabled Cache over backend.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{backend: backend, logger: logger, now: time.Now}
	c.enabled.Store(true)
	return c
}

// Enabled reports whether the cache serves and stores entries.
func (c *Cache) Enabled() bool {
	return c.enabled.Load()
}

// SetEnabled turns the cache on or off. A disabled cache always misses and
// ignores writes.
func (c *Cache) SetEnabled(on bool) {
	c.enabled.Store(on)
}

// Get returns the live entry for fingerprint. Expired entries are misses and
// are removed opportunistically.
func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool) {
	if !c.enabled.Load() {
		return models.CacheEntry{}, false
	}

	e, ok, err := c.backend.Get(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache get failed", "fingerprint", fingerprint, "error", err)
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}
	if !ok {
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}
	if e.Expired(c.now()) {
		c.misses.Add(1)
		if err := c.backend.Delete(ctx, fingerprint); err != nil {
			c.logger.Debug("cache reclaim failed", "fingerprint", fingerprint, "error", err)
		}
		return models.CacheEntry{}, false
	}

	c.hits.Add(1)
	return e, true
}

// Put stores e under fingerprint for ttl. Concurrent puts are last-write-wins.
func (c *Cache) Put(ctx context.Context, fingerprint string, e models.CacheEntry, ttl time.Duration) error {
	if !c.enabled.Load() || ttl <= 0 {
		return nil
	}
	e.CreatedAt = c.now()
	e.TTL = ttl
	return c.backend.Set(ctx, fingerprint, e)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	return c.backend.Flush(ctx)
}

// PurgeExpired removes expired entries from backends that keep them.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	if p, ok := c.backend.(Purger); ok {
		return p.PurgeExpired(ctx)
	}
	return 0, nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.backend.Len(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	return models.CacheStats{
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}
