package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentflow/contentflow/pkg/cache"
	"github.com/contentflow/contentflow/pkg/cache/memory"
	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/orchestrator"
	"github.com/contentflow/contentflow/pkg/providers"
	"github.com/contentflow/contentflow/pkg/providers/anthropic"
	"github.com/contentflow/contentflow/pkg/providers/gemini"
	"github.com/contentflow/contentflow/pkg/providers/openai"
	"github.com/contentflow/contentflow/pkg/ratelimit"
	"github.com/contentflow/contentflow/pkg/router"
	"github.com/contentflow/contentflow/pkg/secret"
	"github.com/contentflow/contentflow/pkg/settings"
)

const testAPIKey = "sk-test-abcdefghijklmnop"

type stack struct {
	srv      *Server
	store    *settings.Store
	upstream atomic.Int64
}

func setupServer(t *testing.T) *stack {
	t.Helper()
	st := &stack{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.upstream.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
			return
		}
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"content":"Fresh copy."}}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	t.Cleanup(upstream.Close)

	codec, err := secret.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	st.store, err = settings.Open(context.Background(), settings.Config{
		Driver:   settings.DriverSQLite,
		DSN:      filepath.Join(t.TempDir(), "settings.db"),
		Defaults: models.DefaultSettingsInput(),
	}, codec, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.store.Close() })

	rt, err := router.New(nil)
	require.NoError(t, err)

	registry := providers.NewRegistry(
		providers.NewAdapter(openai.New(providers.Config{BaseURL: upstream.URL}), time.Second),
		providers.NewAdapter(anthropic.New(providers.Config{BaseURL: upstream.URL}), time.Second),
		providers.NewAdapter(gemini.New(providers.Config{BaseURL: upstream.URL}), time.Second),
	)
	orch, err := orchestrator.New(orchestrator.Config{CacheTTL: time.Hour}, orchestrator.Deps{
		Settings:  st.store,
		Router:    rt,
		Limiter:   ratelimit.NewMemory(),
		Cache:     cache.New(memory.New(0, time.Minute), nil),
		Providers: registry,
	})
	require.NoError(t, err)
	st.store.OnChange(orch.SettingsChanged)

	st.srv = New(":0", orch, st.store, nil)
	return st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func TestGenerateFlow(t *testing.T) {
	st := setupServer(t)

	w := do(t, st.srv, http.MethodPost, "/v1/generate", `{"prompt":"Write a tagline"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	e := decodeError(t, w)
	assert.Equal(t, "no_provider_configured", e.Type)
	assert.Contains(t, e.Message, "configure an API key")
	assert.Zero(t, st.upstream.Load())

	w = do(t, st.srv, http.MethodPut, "/v1/settings",
		`{"default_provider":"openai","api_keys":{"openai":"`+testAPIKey+`"},"cache_enabled":true,"requests_per_minute":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), testAPIKey)

	var put models.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &put))
	assert.True(t, put.Credentials[models.ProviderOpenAI].Configured)

	w = do(t, st.srv, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, put, got)

	w = do(t, st.srv, http.MethodPost, "/v1/generate", `{"prompt":"Write a tagline"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Fresh copy.", resp.Text)
	assert.Equal(t, models.ProviderOpenAI, resp.Provider)
	assert.False(t, resp.Cached)

	w = do(t, st.srv, http.MethodPost, "/v1/generate", `{"prompt":"Write a tagline"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, int64(1), st.upstream.Load())

	w = do(t, st.srv, http.MethodPost, "/v1/improve", `{"content":"we sells things","mode":"grammar"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(2), st.upstream.Load())
}

func TestSettingsMaskRoundTrip(t *testing.T) {
	st := setupServer(t)

	w := do(t, st.srv, http.MethodPut, "/v1/settings",
		`{"default_provider":"openai","api_keys":{"openai":"`+testAPIKey+`"},"cache_enabled":true,"requests_per_minute":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	var first models.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	masked := first.Credentials[models.ProviderOpenAI].Masked

	// Submitting the displayed mask keeps the stored key.
	w = do(t, st.srv, http.MethodPut, "/v1/settings",
		`{"default_provider":"openai","api_keys":{"openai":"`+masked+`"},"cache_enabled":true,"requests_per_minute":20}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second models.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.Credentials[models.ProviderOpenAI].Identity, second.Credentials[models.ProviderOpenAI].Identity)
	assert.Equal(t, 20, second.RequestsPerMinute)

	w = do(t, st.srv, http.MethodPost, "/v1/generate", `{"prompt":"still works"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSettingsValidation(t *testing.T) {
	st := setupServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"rpm too high", `{"default_provider":"openai","requests_per_minute":101}`, "requests_per_minute"},
		{"rpm zero", `{"default_provider":"openai","requests_per_minute":0}`, "requests_per_minute"},
		{"unknown default", `{"default_provider":"cohere","requests_per_minute":10}`, "default_provider"},
		{"unknown key", `{"default_provider":"openai","requests_per_minute":10,"api_keys":{"mistral":"k"}}`, "provider_credentials.mistral"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, st.srv, http.MethodPut, "/v1/settings", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.field, decodeError(t, w).Field)
		})
	}

	got, err := st.store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestStatusAndHealth(t *testing.T) {
	st := setupServer(t)

	w := do(t, st.srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, st.srv, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.ProviderOpenAI, status.DefaultProvider)
	assert.False(t, status.Providers[models.ProviderOpenAI])
	assert.True(t, status.CacheEnabled)
	assert.NotContains(t, w.Body.String(), "sk-")

	w = do(t, st.srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	st := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	st.srv.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

type stubService struct {
	err error
}

func (s stubService) Generate(context.Context, orchestrator.GenerateRequest) (orchestrator.Response, error) {
	return orchestrator.Response{}, s.err
}

func (s stubService) Improve(context.Context, orchestrator.ImproveRequest) (orchestrator.Response, error) {
	return orchestrator.Response{}, s.err
}

func (s stubService) Status(context.Context) (orchestrator.Status, error) {
	return orchestrator.Status{}, s.err
}

func TestErrorMapping(t *testing.T) {
	unavailable := &providers.ProviderError{Provider: models.ProviderOpenAI, Kind: providers.KindUnavailable, Message: "down"}
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
		field  string
	}{
		{"request", &orchestrator.RequestError{Field: "prompt", Message: "is required"}, http.StatusBadRequest, "invalid_request", "prompt"},
		{"vendor invalid", &providers.ProviderError{Provider: models.ProviderOpenAI, Kind: providers.KindInvalidRequest}, http.StatusBadRequest, "invalid_request", ""},
		{"vendor auth", &providers.ProviderError{Provider: models.ProviderOpenAI, Kind: providers.KindAuthFailed}, http.StatusBadGateway, "auth_failed", ""},
		{"vendor down", unavailable, http.StatusBadGateway, "unavailable", ""},
		{"all failed", &orchestrator.AllProvidersFailedError{Primary: unavailable, Fallback: &orchestrator.RateLimitedError{Provider: models.ProviderAnthropic, RetryAfter: time.Second}}, http.StatusBadGateway, "all_providers_failed", ""},
		{"no provider", fmt.Errorf("google: %w", orchestrator.ErrNoProviderConfigured), http.StatusServiceUnavailable, "no_provider_configured", ""},
		{"decryption", fmt.Errorf("openai credential: %w", &secret.DecryptionError{Reason: "authentication failed", Rotated: true}), http.StatusInternalServerError, "decryption_error", ""},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", ""},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(":0", stubService{err: tt.err}, nil, nil)
			w := do(t, srv, http.MethodPost, "/v1/generate", `{"prompt":"x"}`)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			e := decodeError(t, w)
			assert.Equal(t, tt.typ, e.Type)
			assert.Equal(t, tt.status, e.Code)
			assert.Equal(t, tt.field, e.Field)
			assert.NotContains(t, w.Body.String(), "disk on fire")
		})
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	srv := New(":0", stubService{err: &orchestrator.RateLimitedError{Provider: models.ProviderOpenAI, RetryAfter: 12200 * time.Millisecond}}, nil, nil)
	w := do(t, srv, http.MethodPost, "/v1/improve", `{"content":"x","mode":"seo"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "13", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)
}

func TestBadRequests(t *testing.T) {
	srv := New(":0", stubService{}, nil, nil)

	w := do(t, srv, http.MethodPost, "/v1/generate", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/generate", `{"prompt":"x","provider":"mistral"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "provider", decodeError(t, w).Field)

	w = do(t, srv, http.MethodGet, "/v1/generate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
