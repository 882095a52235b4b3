package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentflow/contentflow/pkg/cache"
	"github.com/contentflow/contentflow/pkg/cache/memory"
	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/providers"
	"github.com/contentflow/contentflow/pkg/ratelimit"
	"github.com/contentflow/contentflow/pkg/router"
	"github.com/contentflow/contentflow/pkg/secret"
	"github.com/contentflow/contentflow/pkg/settings"
)

type fakeSettings struct {
	mu   sync.Mutex
	s    models.Settings
	keys map[models.Provider]string
}

func newFakeSettings(rpm int, keys map[models.Provider]string) *fakeSettings {
	f := &fakeSettings{
		s: models.Settings{
			DefaultProvider:   models.ProviderOpenAI,
			Credentials:       map[models.Provider]models.CredentialView{},
			CacheEnabled:      true,
			RequestsPerMinute: rpm,
			Version:           1,
		},
		keys: keys,
	}
	for p, k := range keys {
		f.s.Credentials[p] = models.CredentialView{Configured: true, Masked: "****", Identity: "id-" + k}
	}
	return f
}

func (f *fakeSettings) Get(context.Context) (models.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, nil
}

func (f *fakeSettings) RevealForCall(_ context.Context, p models.Provider) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, settings.ErrNoCredential)
	}
	return k, nil
}

func (f *fakeSettings) update(fn func(s *models.Settings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.s)
}

type fakeAdapter struct {
	name  models.Provider
	calls atomic.Int64
	keys  chan string
	fn    func(ctx context.Context, text string) (providers.Result, error)
}

func newFakeAdapter(name models.Provider) *fakeAdapter {
	a := &fakeAdapter{name: name, keys: make(chan string, 16)}
	a.fn = func(_ context.Context, text string) (providers.Result, error) {
		return providers.Result{Text: string(name) + ": " + text, Model: string(name) + "-model"}, nil
	}
	return a
}

func (a *fakeAdapter) fail(kind providers.Kind) {
	a.fn = func(context.Context, string) (providers.Result, error) {
		return providers.Result{}, &providers.ProviderError{Provider: a.name, Kind: kind, Message: "boom"}
	}
}

func (a *fakeAdapter) Name() models.Provider { return a.name }

func (a *fakeAdapter) Generate(ctx context.Context, key string, p providers.GenerateParams) (providers.Result, error) {
	a.calls.Add(1)
	select {
	case a.keys <- key:
	default:
	}
	return a.fn(ctx, p.Prompt)
}

func (a *fakeAdapter) Improve(ctx context.Context, key string, p providers.ImproveParams) (providers.Result, error) {
	a.calls.Add(1)
	return a.fn(ctx, string(p.Mode)+"/"+p.Content)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (f *fakeAudit) Log(_ context.Context, e models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) last() models.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[len(f.entries)-1]
}

type harness struct {
	orch      *Orchestrator
	settings  *fakeSettings
	cache     *cache.Cache
	limiter   *ratelimit.MemoryLimiter
	audit     *fakeAudit
	openai    *fakeAdapter
	anthropic *fakeAdapter
	google    *fakeAdapter
}

func newHarness(t *testing.T, cfg Config, rpm int, keys map[models.Provider]string) *harness {
	t.Helper()
	h := &harness{
		settings:  newFakeSettings(rpm, keys),
		cache:     cache.New(memory.New(0, time.Minute), nil),
		limiter:   ratelimit.NewMemory(),
		audit:     &fakeAudit{},
		openai:    newFakeAdapter(models.ProviderOpenAI),
		anthropic: newFakeAdapter(models.ProviderAnthropic),
		google:    newFakeAdapter(models.ProviderGoogle),
	}
	rt, err := router.New(nil)
	require.NoError(t, err)

	h.orch, err = New(cfg, Deps{
		Settings:  h.settings,
		Router:    rt,
		Limiter:   h.limiter,
		Cache:     h.cache,
		Providers: providers.NewRegistry(h.openai, h.anthropic, h.google),
		Audit:     h.audit,
	})
	require.NoError(t, err)
	return h
}

var allKeys = map[models.Provider]string{
	models.ProviderOpenAI:    "sk-openai",
	models.ProviderAnthropic: "sk-ant",
}

func defaultConfig() Config {
	return Config{CacheTTL: time.Hour, FallbackTTL: 5 * time.Minute}
}

func TestGenerateCachesIdenticalRequests(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	ctx := context.Background()

	first, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "Write a haiku"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, models.ProviderOpenAI, first.Provider)
	assert.Equal(t, "openai: Write a haiku", first.Text)
	assert.Equal(t, "sk-openai", <-h.openai.keys)

	second, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "  Write a haiku\r\n"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int64(1), h.openai.calls.Load())
	assert.Equal(t, models.OutcomeCached, h.audit.last().Outcome)
}

func TestCacheDisabledCallsEveryTime(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	h.settings.update(func(s *models.Settings) { s.CacheEnabled = false })
	ctx := context.Background()

	for range 3 {
		resp, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "same"})
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int64(3), h.openai.calls.Load())

	stats, err := h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestImproveModesAreCachedSeparately(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	ctx := context.Background()

	a, err := h.orch.Improve(ctx, ImproveRequest{Content: "draft", Mode: models.ImproveGrammar})
	require.NoError(t, err)
	b, err := h.orch.Improve(ctx, ImproveRequest{Content: "draft", Mode: models.ImproveSEO})
	require.NoError(t, err)

	assert.NotEqual(t, a.Text, b.Text)
	assert.False(t, b.Cached)
	assert.Equal(t, int64(2), h.openai.calls.Load())
}

func TestFallbackOnRetryableFailure(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	h.openai.fail(providers.KindUnavailable)
	ctx := context.Background()

	resp, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderAnthropic, resp.Provider)
	assert.Equal(t, models.ProviderOpenAI, resp.RequestedProvider)
	assert.True(t, resp.Fallback)
	assert.False(t, resp.Cached)

	fp := cache.Fingerprint(models.GenerationRequest{Operation: models.OperationGenerate, Text: "hello"}, models.ProviderOpenAI, "id-sk-openai")
	entry, ok := h.cache.Get(ctx, fp)
	require.True(t, ok, "fallback answer is stored under the primary fingerprint")
	assert.Equal(t, models.ProviderAnthropic, entry.Provider)
	assert.Equal(t, 5*time.Minute, entry.TTL)

	again, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.True(t, again.Fallback)
	assert.Equal(t, models.ProviderAnthropic, again.Provider)
	assert.Equal(t, int64(1), h.openai.calls.Load())
	assert.Equal(t, int64(1), h.anthropic.calls.Load())
}

func TestNonRetryableFailureDoesNotFallBack(t *testing.T) {
	for _, kind := range []providers.Kind{providers.KindAuthFailed, providers.KindInvalidRequest} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, defaultConfig(), 10, allKeys)
			h.openai.fail(kind)

			_, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
			pe, ok := providers.AsProviderError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, kind, pe.Kind)
			assert.Zero(t, h.anthropic.calls.Load())
		})
	}
}

func TestAllProvidersFailed(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	h.openai.fail(providers.KindTimeout)
	h.anthropic.fail(providers.KindUnavailable)
	ctx := context.Background()

	_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)

	pe, ok := providers.AsProviderError(all.Primary)
	require.True(t, ok)
	assert.Equal(t, providers.KindTimeout, pe.Kind)
	pe, ok = providers.AsProviderError(all.Fallback)
	require.True(t, ok)
	assert.Equal(t, models.ProviderAnthropic, pe.Provider)

	stats, err := h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries, "failures are never cached")
	assert.Equal(t, "all_providers_failed", h.audit.last().ErrorKind)
}

func TestSingleProviderFailureIsReturnedAsIs(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, map[models.Provider]string{models.ProviderOpenAI: "sk-openai"})
	h.openai.fail(providers.KindUnavailable)

	_, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	pe, ok := providers.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindUnavailable, pe.Kind)
	var all *AllProvidersFailedError
	assert.False(t, errors.As(err, &all))
}

func TestNoProviderConfigured(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, nil)

	_, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.ErrorIs(t, err, ErrNoProviderConfigured)
	assert.Zero(t, h.openai.calls.Load()+h.anthropic.calls.Load()+h.google.calls.Load())
	assert.Equal(t, models.OutcomeNoProvider, h.audit.last().Outcome)
}

func TestUnconfiguredPrimaryIsServedByNextProvider(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, map[models.Provider]string{models.ProviderGoogle: "g-key"})

	resp, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, resp.Provider)
	assert.Equal(t, models.ProviderOpenAI, resp.RequestedProvider)
	assert.True(t, resp.Fallback)
	assert.Zero(t, h.openai.calls.Load())
}

func TestExplicitProviderOverridesDefault(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)

	resp, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello", Provider: models.ProviderAnthropic})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderAnthropic, resp.Provider)
	assert.False(t, resp.Fallback)
	assert.Zero(t, h.openai.calls.Load())
}

func TestRateLimitedPrimaryDoesNotFallBack(t *testing.T) {
	h := newHarness(t, defaultConfig(), 1, allKeys)
	ctx := context.Background()

	_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "one"})
	require.NoError(t, err)

	_, err = h.orch.Generate(ctx, GenerateRequest{Prompt: "two"})
	rl, ok := IsRateLimited(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, models.ProviderOpenAI, rl.Provider)
	assert.Positive(t, rl.RetryAfter)
	assert.Zero(t, h.anthropic.calls.Load())
	assert.Equal(t, models.OutcomeRateLimited, h.audit.last().Outcome)
}

func TestRateLimitedFallbackCountsAsFailure(t *testing.T) {
	h := newHarness(t, defaultConfig(), 1, allKeys)
	ctx := context.Background()

	_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "warm", Provider: models.ProviderAnthropic})
	require.NoError(t, err)

	h.openai.fail(providers.KindUnavailable)
	_, err = h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	_, ok := IsRateLimited(all.Fallback)
	assert.True(t, ok)
	assert.Equal(t, int64(1), h.anthropic.calls.Load())
}

func TestCachePolicyOrdering(t *testing.T) {
	t.Run("cache-first hit needs no slot", func(t *testing.T) {
		h := newHarness(t, defaultConfig(), 1, allKeys)
		ctx := context.Background()

		_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "same"})
		require.NoError(t, err)
		resp, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "same"})
		require.NoError(t, err)
		assert.True(t, resp.Cached)
	})

	t.Run("rate-first denies before the cache", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.CachePolicy = PolicyRateFirst
		h := newHarness(t, cfg, 1, allKeys)
		ctx := context.Background()

		_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "same"})
		require.NoError(t, err)
		_, err = h.orch.Generate(ctx, GenerateRequest{Prompt: "same"})
		_, ok := IsRateLimited(err)
		assert.True(t, ok, "got %v", err)
		assert.Equal(t, int64(1), h.openai.calls.Load())
	})
}

func TestCancellationIsNotRetried(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	started := make(chan struct{})
	h.openai.fn = func(ctx context.Context, _ string) (providers.Result, error) {
		close(started)
		<-ctx.Done()
		return providers.Result{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.anthropic.calls.Load())
	assert.Equal(t, "canceled", h.audit.last().ErrorKind)
}

func TestExpiredDeadlineSkipsFallback(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, 10, allKeys)
	// A vendor client that reports the dead request as its own timeout.
	h.openai.fn = func(ctx context.Context, _ string) (providers.Result, error) {
		<-ctx.Done()
		return providers.Result{}, &providers.ProviderError{Provider: models.ProviderOpenAI, Kind: providers.KindTimeout, Message: "request timed out"}
	}

	_, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var all *AllProvidersFailedError
	assert.False(t, errors.As(err, &all))
	assert.Zero(t, h.anthropic.calls.Load())

	// No slot was taken on the fallback provider.
	d, err := h.limiter.Admit(context.Background(), models.ProviderAnthropic, 10)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Remaining)
}

func TestRequestValidation(t *testing.T) {
	hot := 3.0
	tests := []struct {
		name  string
		req   models.GenerationRequest
		field string
	}{
		{"empty prompt", models.GenerationRequest{Operation: models.OperationGenerate, Text: "   "}, "prompt"},
		{"empty content", models.GenerationRequest{Operation: models.OperationImprove, Text: "", Mode: models.ImproveStyle}, "content"},
		{"missing mode", models.GenerationRequest{Operation: models.OperationImprove, Text: "x"}, "mode"},
		{"unknown mode", models.GenerationRequest{Operation: models.OperationImprove, Text: "x", Mode: "poetic"}, "mode"},
		{"unknown provider", models.GenerationRequest{Operation: models.OperationGenerate, Text: "x", Provider: "mistral"}, "provider"},
		{"unknown operation", models.GenerationRequest{Operation: "summarize", Text: "x"}, "operation"},
		{"negative max tokens", models.GenerationRequest{Operation: models.OperationGenerate, Text: "x", Options: models.Options{MaxTokens: -1}}, "options.max_tokens"},
		{"temperature out of range", models.GenerationRequest{Operation: models.OperationGenerate, Text: "x", Options: models.Options{Temperature: &hot}}, "options.temperature"},
	}
	h := newHarness(t, defaultConfig(), 10, allKeys)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Do(context.Background(), tt.req)
			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.field, re.Field)
		})
	}
	assert.Zero(t, h.openai.calls.Load())
}

func TestSettingsChangedInvalidatesCache(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	ctx := context.Background()

	_, err := h.orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)

	old, _ := h.settings.Get(ctx)

	// An unrelated change keeps entries.
	next := old
	next.RequestsPerMinute = 20
	h.orch.SettingsChanged(old, next)
	stats, err := h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)

	// A rotated credential drops them.
	next.Credentials = map[models.Provider]models.CredentialView{
		models.ProviderOpenAI:    {Configured: true, Identity: "id-rotated"},
		models.ProviderAnthropic: old.Credentials[models.ProviderAnthropic],
	}
	h.orch.SettingsChanged(old, next)
	stats, err = h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	// Disabling turns the cache off.
	off := old
	off.CacheEnabled = false
	h.orch.SettingsChanged(old, off)
	assert.False(t, h.cache.Enabled())
	h.orch.SettingsChanged(off, old)
	assert.True(t, h.cache.Enabled())
}

func TestSyncAndStatus(t *testing.T) {
	h := newHarness(t, defaultConfig(), 25, allKeys)
	h.settings.update(func(s *models.Settings) { s.CacheEnabled = false })
	ctx := context.Background()

	require.NoError(t, h.orch.Sync(ctx))
	assert.False(t, h.cache.Enabled())

	st, err := h.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.Provider]bool{
		models.ProviderOpenAI:    true,
		models.ProviderAnthropic: true,
		models.ProviderGoogle:    false,
	}, st.Providers)
	assert.Equal(t, models.ProviderOpenAI, st.DefaultProvider)
	assert.Equal(t, 25, st.RequestsPerMinute)
	assert.False(t, st.CacheEnabled)
	assert.Equal(t, PolicyCacheFirst, st.CachePolicy)
}

func TestAuditEntryDescribesRequest(t *testing.T) {
	h := newHarness(t, defaultConfig(), 10, allKeys)
	h.openai.fn = func(context.Context, string) (providers.Result, error) {
		return providers.Result{Text: "ok", Model: "gpt", Usage: models.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}}, nil
	}

	_, err := h.orch.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)

	e := h.audit.last()
	assert.NotEmpty(t, e.RequestID)
	assert.NotEmpty(t, e.Fingerprint)
	assert.Equal(t, models.OperationGenerate, e.Operation)
	assert.Equal(t, models.ProviderOpenAI, e.Provider)
	assert.Equal(t, models.OutcomeOK, e.Outcome)
	assert.Equal(t, 3, e.PromptTokens)
	assert.Equal(t, 5, e.CompletionTokens)
	assert.Empty(t, e.ErrorKind)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	rt, err := router.New(nil)
	require.NoError(t, err)
	_, err = New(Config{CachePolicy: "cache-last"}, Deps{
		Settings:  newFakeSettings(10, nil),
		Router:    rt,
		Limiter:   ratelimit.NewMemory(),
		Cache:     cache.New(memory.New(0, time.Minute), nil),
		Providers: providers.NewRegistry(),
	})
	assert.Error(t, err)
}

func TestSettingsWrittenElsewhereReachTheCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")
	codec, err := secret.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	open := func() *settings.Store {
		s, err := settings.Open(ctx, settings.Config{
			Driver:   settings.DriverSQLite,
			DSN:      path,
			Defaults: models.DefaultSettingsInput(),
		}, codec, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	// The orchestrator reads through one store; writes go through another,
	// as when the settings CLI runs beside the server.
	served, writer := open(), open()
	write := func(key string, cacheOn bool) {
		t.Helper()
		_, err := writer.Replace(ctx, models.SettingsInput{
			DefaultProvider:   models.ProviderOpenAI,
			APIKeys:           map[models.Provider]string{models.ProviderOpenAI: key},
			CacheEnabled:      cacheOn,
			RequestsPerMinute: 50,
		})
		require.NoError(t, err)
	}
	write("sk-first-key-000001", false)

	rt, err := router.New(nil)
	require.NoError(t, err)
	openai := newFakeAdapter(models.ProviderOpenAI)
	c := cache.New(memory.New(0, time.Minute), nil)
	orch, err := New(defaultConfig(), Deps{
		Settings:  served,
		Router:    rt,
		Limiter:   ratelimit.NewMemory(),
		Cache:     c,
		Providers: providers.NewRegistry(openai),
	})
	require.NoError(t, err)
	require.NoError(t, orch.Sync(ctx))

	generate := func() Response {
		t.Helper()
		resp, err := orch.Generate(ctx, GenerateRequest{Prompt: "hello"})
		require.NoError(t, err)
		return resp
	}

	generate()
	generate()
	assert.Equal(t, int64(2), openai.calls.Load(), "cache starts disabled")

	write("sk-first-key-000001", true)
	assert.False(t, generate().Cached)
	assert.True(t, generate().Cached)
	assert.True(t, generate().Cached)
	assert.Equal(t, int64(3), openai.calls.Load())

	write("sk-second-key-00002", true)
	resp := generate()
	assert.False(t, resp.Cached, "rotated credential must not hit old entries")
	assert.Equal(t, int64(4), openai.calls.Load())
}
