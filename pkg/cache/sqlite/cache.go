// Package sqlite is a cache backend that survives restarts in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contentflow/contentflow/pkg/models"
)

// Backend stores cache entries in SQLite.
type Backend struct {
	db  *sql.DB
	now func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_ms INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

const createCacheIndex = `CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at)`

// New opens the cache database at dbPath.
func New(dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	for _, stmt := range []string{createCacheTable, createCacheIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
	}

	return &Backend{db: db, now: time.Now}, nil
}

// Get implements cache.Backend.
func (b *Backend) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var (
		e         models.CacheEntry
		provider  string
		createdAt int64
		ttlMs     int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT provider, model, response, created_at, ttl_ms FROM cache_entries WHERE fingerprint = ?`,
		key,
	).Scan(&provider, &e.Model, &e.Text, &createdAt, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.Provider = models.Provider(provider)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	return e, true, nil
}

// Set implements cache.Backend.
func (b *Backend) Set(ctx context.Context, key string, e models.CacheEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = b.now()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, provider, model, response, created_at, ttl_ms, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, string(e.Provider), e.Model, e.Text,
		created.UnixMilli(), e.TTL.Milliseconds(), created.Add(e.TTL).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete implements cache.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Flush implements cache.Backend.
func (b *Backend) Flush(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// PurgeExpired implements cache.Purger.
func (b *Backend) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, b.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Len implements cache.Backend.
func (b *Backend) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache stats: %w", err)
	}
	return count, nil
}

// Close releases the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}
