// Package settings persists the single versioned settings record.
//
// The record lives in one row of a SQLite or PostgreSQL table. Credentials are
// stored sealed by a secret.Codec and only leave the store in raw form through
// RevealForCall.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/secret"
)

// Config selects the database backing the store.
type Config struct {
	Driver string
	DSN    string
	// Defaults seeds the record on first activation and fills fields missing
	// from an older stored payload.
	Defaults models.SettingsInput
}

// Listener observes committed settings changes.
type Listener func(old, new models.Settings)

// Store is the single source of truth for settings.
type Store struct {
	db       *sql.DB
	dialect  dialect
	codec    *secret.Codec
	defaults models.SettingsInput
	logger   *slog.Logger
	now      func() time.Time

	// mu serializes Replace. notifyMu keeps listener calls in commit order
	// without holding mu, so listeners may call Get.
	mu        sync.Mutex
	notifyMu  sync.Mutex
	lmu       sync.RWMutex
	listeners []Listener
}

// payload is the stored JSON form. Pointer fields distinguish "absent" from
// the zero value so defaults can be applied on read.
type payload struct {
	DefaultProvider   models.Provider            `json:"default_provider,omitempty"`
	Credentials       map[models.Provider]string `json:"provider_credentials,omitempty"`
	CacheEnabled      *bool                      `json:"cache_enabled,omitempty"`
	RequestsPerMinute *int                       `json:"requests_per_minute,omitempty"`
}

type row struct {
	version   int64
	payload   payload
	updatedAt time.Time
}

// Open connects to the database, creates the schema and seeds the defaults.
// The returned store is fully initialised.
func Open(ctx context.Context, cfg Config, codec *secret.Codec, logger *slog.Logger) (*Store, error) {
	if codec == nil {
		return nil, errors.New("settings: codec is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d, err := newDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg.Defaults); err != nil {
		return nil, fmt.Errorf("default settings: %w", err)
	}

	db, err := sql.Open(d.driver, d.dsn(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	if d.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:       db,
		dialect:  d,
		codec:    codec,
		defaults: cfg.Defaults,
		logger:   logger,
		now:      time.Now,
	}

	if _, err := db.ExecContext(ctx, createSettingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate settings db: %w", err)
	}
	if err := s.seed(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	return s, nil
}

func (s *Store) seed(ctx context.Context) error {
	p, err := s.sealInput(s.defaults, nil, models.Settings{})
	if err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO settings (id, version, payload, updated_at) VALUES (1, 1, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		string(data), formatTime(s.now()),
	)
	return err
}

// Get returns the current record with defaults applied to missing fields.
func (s *Store) Get(ctx context.Context) (models.Settings, error) {
	r, err := s.load(ctx, s.db)
	if err != nil {
		return models.Settings{}, err
	}
	return s.view(r), nil
}

// Replace validates in and atomically replaces the whole record. On failure
// the stored record is untouched. The returned record equals what the next Get
// returns.
func (s *Store) Replace(ctx context.Context, in models.SettingsInput) (models.Settings, error) {
	if err := validate(in); err != nil {
		return models.Settings{}, err
	}

	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Settings{}, fmt.Errorf("begin settings tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.load(ctx, tx)
	if err != nil {
		return models.Settings{}, err
	}
	old := s.view(cur)

	p, err := s.sealInput(in, cur.payload.Credentials, old)
	if err != nil {
		return models.Settings{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return models.Settings{}, fmt.Errorf("encode settings: %w", err)
	}

	next := row{version: cur.version + 1, payload: p, updatedAt: truncate(s.now())}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE settings SET version = ?, payload = ?, updated_at = ? WHERE id = 1`),
		next.version, string(data), formatTime(next.updatedAt),
	); err != nil {
		return models.Settings{}, fmt.Errorf("write settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Settings{}, fmt.Errorf("commit settings: %w", err)
	}

	updated := s.view(next)

	s.notifyMu.Lock()
	s.mu.Unlock()
	locked = false
	s.notify(old, updated)
	s.notifyMu.Unlock()

	s.logger.Info("settings replaced",
		"version", updated.Version,
		"default_provider", updated.DefaultProvider,
		"configured", updated.ConfiguredProviders(),
		"cache_enabled", updated.CacheEnabled,
		"requests_per_minute", updated.RequestsPerMinute,
	)
	return updated, nil
}

// RevealForCall returns the raw credential for p. It is the only path that
// exposes a plaintext key and must only feed provider calls.
func (s *Store) RevealForCall(ctx context.Context, p models.Provider) (string, error) {
	r, err := s.load(ctx, s.db)
	if err != nil {
		return "", err
	}
	ref := r.payload.Credentials[p]
	if ref == "" {
		return "", fmt.Errorf("%s: %w", p, ErrNoCredential)
	}
	key, err := s.codec.Open(ref)
	if err != nil {
		return "", fmt.Errorf("%s credential: %w", p, err)
	}
	return key, nil
}

// OnChange registers fn to run after every committed Replace, before Replace
// returns.
func (s *Store) OnChange(fn Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(old, new models.Settings) {
	s.lmu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, fn := range ls {
		fn(old, new)
	}
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) load(ctx context.Context, q querier) (row, error) {
	var (
		r         row
		data      string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT version, payload, updated_at FROM settings WHERE id = 1`).
		Scan(&r.version, &data, &updatedAt)
	if err != nil {
		return row{}, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &r.payload); err != nil {
		return row{}, fmt.Errorf("decode settings: %w", err)
	}
	r.updatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return row{}, fmt.Errorf("decode settings timestamp: %w", err)
	}
	return r, nil
}

// view converts a stored row into the displayable record.
func (s *Store) view(r row) models.Settings {
	out := models.Settings{
		DefaultProvider:   s.defaults.DefaultProvider,
		Credentials:       make(map[models.Provider]models.CredentialView, len(models.Providers())),
		CacheEnabled:      s.defaults.CacheEnabled,
		RequestsPerMinute: s.defaults.RequestsPerMinute,
		Version:           r.version,
		UpdatedAt:         r.updatedAt,
	}
	if r.payload.DefaultProvider.Valid() {
		out.DefaultProvider = r.payload.DefaultProvider
	}
	if r.payload.CacheEnabled != nil {
		out.CacheEnabled = *r.payload.CacheEnabled
	}
	if v := r.payload.RequestsPerMinute; v != nil && *v >= models.MinRequestsPerMinute && *v <= models.MaxRequestsPerMinute {
		out.RequestsPerMinute = *v
	}

	for _, p := range models.Providers() {
		ref := r.payload.Credentials[p]
		if ref == "" {
			out.Credentials[p] = models.CredentialView{}
			continue
		}
		plain, err := s.codec.Open(ref)
		if err != nil {
			s.logger.Error("stored credential unreadable", "provider", p, "error", err)
			out.Credentials[p] = models.CredentialView{
				Configured: true,
				Masked:     secret.Mask(ref),
				Unreadable: true,
			}
			continue
		}
		out.Credentials[p] = models.CredentialView{
			Configured: true,
			Masked:     secret.Mask(plain),
			Identity:   s.codec.Identity(plain),
		}
	}
	return out
}

// sealInput builds the stored payload for in. A key equal to the currently
// displayed mask keeps the existing sealed reference.
func (s *Store) sealInput(in models.SettingsInput, refs map[models.Provider]string, cur models.Settings) (payload, error) {
	cacheEnabled := in.CacheEnabled
	rpm := in.RequestsPerMinute
	p := payload{
		DefaultProvider:   in.DefaultProvider,
		Credentials:       make(map[models.Provider]string),
		CacheEnabled:      &cacheEnabled,
		RequestsPerMinute: &rpm,
	}

	for _, prov := range models.Providers() {
		key := strings.TrimSpace(in.APIKeys[prov])
		if key == "" {
			continue
		}
		view := cur.Credentials[prov]
		if view.Configured && key == view.Masked {
			p.Credentials[prov] = refs[prov]
			continue
		}
		if secret.IsMask(key) {
			return payload{}, invalid("provider_credentials."+string(prov), "masked value submitted but no matching credential is stored")
		}
		ref, err := s.codec.Seal(key)
		if err != nil {
			return payload{}, fmt.Errorf("seal %s credential: %w", prov, err)
		}
		p.Credentials[prov] = ref
	}
	return p, nil
}

func validate(in models.SettingsInput) error {
	if in.RequestsPerMinute < models.MinRequestsPerMinute || in.RequestsPerMinute > models.MaxRequestsPerMinute {
		return invalid("requests_per_minute", "must be between %d and %d",
			models.MinRequestsPerMinute, models.MaxRequestsPerMinute)
	}
	if !in.DefaultProvider.Valid() {
		return invalid("default_provider", "must be one of %v", models.Providers())
	}
	for p := range in.APIKeys {
		if !p.Valid() {
			return invalid("provider_credentials."+string(p), "unknown provider")
		}
	}
	return nil
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return truncate(t).Format(time.RFC3339Nano)
}
