package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Source resolves a secret value by path.
type Source interface {
	// Get retrieves the secret value for the given path.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the source.
	Close() error
}

// Manager routes "scheme://path" references to registered sources.
// A reference without a scheme is returned verbatim.
type Manager struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sources: make(map[string]Source)}
}

// Register registers a source for a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[scheme] = src
}

// Resolve returns the secret a reference points to.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	src, found := m.sources[scheme]
	m.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no secret source registered for scheme %q", scheme)
	}
	return src.Get(ctx, path)
}

// Close closes all registered sources.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, s := range m.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret sources: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CachedSource decorates a Source with in-memory caching.
type CachedSource struct {
	inner Source
	cache *cache.Cache
}

// NewCachedSource caches values from inner for ttl.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns the cached value or delegates to the inner source.
func (s *CachedSource) Get(ctx context.Context, path string) (string, error) {
	if v, found := s.cache.Get(path); found {
		if str, ok := v.(string); ok {
			return str, nil
		}
	}

	v, err := s.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	s.cache.Set(path, v, cache.DefaultExpiration)
	return v, nil
}

// Close closes the inner source.
func (s *CachedSource) Close() error {
	return s.inner.Close()
}

// LoadCodec resolves the master key reference through m and builds a Codec.
func LoadCodec(ctx context.Context, m *Manager, masterKeyRef string) (*Codec, error) {
	if masterKeyRef == "" {
		return nil, fmt.Errorf("master key reference is empty")
	}
	key, err := m.Resolve(ctx, masterKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve master key: %w", err)
	}
	return NewCodec([]byte(strings.TrimSpace(key)))
}
