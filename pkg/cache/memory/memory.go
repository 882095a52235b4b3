// Package memory is an in-process cache backend.
package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/contentflow/contentflow/pkg/models"
)

// Backend stores entries in a go-cache map.
type Backend struct {
	items      *gocache.Cache
	maxEntries int

	// wmu makes the size check, eviction and insert of Set one step.
	wmu sync.Mutex
}

// New creates a backend holding at most maxEntries entries (0 for no bound).
// Expired entries are swept every cleanup interval.
func New(maxEntries int, cleanup time.Duration) *Backend {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Backend{
		items:      gocache.New(gocache.NoExpiration, cleanup),
		maxEntries: maxEntries,
	}
}

// Get implements cache.Backend.
func (b *Backend) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	v, ok := b.items.Get(key)
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	e, ok := v.(models.CacheEntry)
	return e, ok, nil
}

// Set implements cache.Backend. When full, the oldest entry is evicted; the
// scan for it is linear in the number of entries.
func (b *Backend) Set(_ context.Context, key string, e models.CacheEntry) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	if b.maxEntries > 0 && b.items.ItemCount() >= b.maxEntries {
		if _, exists := b.items.Get(key); !exists {
			b.evict()
		}
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	b.items.Set(key, e, ttl)
	return nil
}

func (b *Backend) evict() {
	b.items.DeleteExpired()
	if b.items.ItemCount() < b.maxEntries {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, it := range b.items.Items() {
		e, ok := it.Object.(models.CacheEntry)
		if !ok {
			continue
		}
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey, oldest = k, e.CreatedAt
		}
	}
	if oldestKey != "" {
		b.items.Delete(oldestKey)
	}
}

// Delete implements cache.Backend.
func (b *Backend) Delete(_ context.Context, key string) error {
	b.items.Delete(key)
	return nil
}

// Flush implements cache.Backend.
func (b *Backend) Flush(context.Context) error {
	b.items.Flush()
	return nil
}

// Len implements cache.Backend.
func (b *Backend) Len(context.Context) (int64, error) {
	return int64(b.items.ItemCount()), nil
}

// PurgeExpired implements cache.Purger.
func (b *Backend) PurgeExpired(context.Context) (int64, error) {
	before := b.items.ItemCount()
	b.items.DeleteExpired()
	return int64(before - b.items.ItemCount()), nil
}

// Close implements cache.Backend.
func (b *Backend) Close() error {
	return nil
}
