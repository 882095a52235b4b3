// Package api is the HTTP boundary of contentflow.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/contentflow/contentflow/pkg/logging"
	"github.com/contentflow/contentflow/pkg/metrics"
	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/orchestrator"
	"github.com/contentflow/contentflow/pkg/providers"
	"github.com/contentflow/contentflow/pkg/secret"
	"github.com/contentflow/contentflow/pkg/settings"
)

const maxBodyBytes = 1 << 20

// Service serves generation requests.
type Service interface {
	Generate(ctx context.Context, req orchestrator.GenerateRequest) (orchestrator.Response, error)
	Improve(ctx context.Context, req orchestrator.ImproveRequest) (orchestrator.Response, error)
	Status(ctx context.Context) (orchestrator.Status, error)
}

// SettingsStore reads and replaces the settings record.
type SettingsStore interface {
	Get(ctx context.Context) (models.Settings, error)
	Replace(ctx context.Context, in models.SettingsInput) (models.Settings, error)
}

// Server is the contentflow HTTP server.
type Server struct {
	listen   string
	service  Service
	settings SettingsStore
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a Server with all routes registered.
func New(listen string, svc Service, st SettingsStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen:   listen,
		service:  svc,
		settings: st,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.handle("POST /v1/generate", "/v1/generate", s.handleGenerate)
	s.handle("POST /v1/improve", "/v1/improve", s.handleImprove)
	s.handle("GET /v1/settings", "/v1/settings", s.handleGetSettings)
	s.handle("PUT /v1/settings", "/v1/settings", s.handlePutSettings)
	s.handle("GET /v1/status", "/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	s.mux.Handle(pattern, metrics.Middleware(route, fn))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	s.mux.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("contentflow listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type generateBody struct {
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider,omitempty"`
	Options  models.Options `json:"options"`
}

type improveBody struct {
	Content  string             `json:"content"`
	Mode     models.ImproveMode `json:"mode"`
	Provider string             `json:"provider,omitempty"`
	Options  models.Options     `json:"options"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if !s.decode(w, r, &body) {
		return
	}
	p, ok := s.provider(w, body.Provider)
	if !ok {
		return
	}
	resp, err := s.service.Generate(r.Context(), orchestrator.GenerateRequest{
		Prompt:   body.Prompt,
		Provider: p,
		Options:  body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImprove(w http.ResponseWriter, r *http.Request) {
	var body improveBody
	if !s.decode(w, r, &body) {
		return
	}
	p, ok := s.provider(w, body.Provider)
	if !ok {
		return
	}
	resp, err := s.service.Improve(r.Context(), orchestrator.ImproveRequest{
		Content:  body.Content,
		Mode:     body.Mode,
		Provider: p,
		Options:  body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var in models.SettingsInput
	if !s.decode(w, r, &in) {
		return
	}
	st, err := s.settings.Replace(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request", "")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request", "")
		return false
	}
	return true
}

func (s *Server) provider(w http.ResponseWriter, name string) (models.Provider, bool) {
	if name == "" {
		return "", true
	}
	p, err := models.ParseProvider(name)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request", "provider")
		return "", false
	}
	return p, true
}

// writeError maps a domain error onto a status code and error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr *orchestrator.RequestError
		valErr *settings.ValidationError
		allErr *orchestrator.AllProvidersFailedError
	)
	switch {
	case errors.As(err, &reqErr):
		writeJSONError(w, http.StatusBadRequest, reqErr.Error(), "invalid_request", reqErr.Field)
		return
	case errors.As(err, &valErr):
		writeJSONError(w, http.StatusBadRequest, valErr.Error(), "invalid_settings", valErr.Field)
		return
	case errors.As(err, &allErr):
		writeJSONError(w, http.StatusBadGateway, allErr.Error(), "all_providers_failed", "")
		return
	case errors.Is(err, orchestrator.ErrNoProviderConfigured):
		writeJSONError(w, http.StatusServiceUnavailable, orchestrator.ErrNoProviderConfigured.Error(), "no_provider_configured", "")
		return
	case secret.IsDecryptionError(err):
		s.logger.Error("stored credential unreadable", "request_id", logging.RequestID(r.Context()), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "stored credential could not be decrypted", "decryption_error", "")
		return
	}

	if rl, ok := orchestrator.IsRateLimited(err); ok {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSONError(w, http.StatusTooManyRequests, rl.Error(), "rate_limited", "")
		return
	}
	if pe, ok := providers.AsProviderError(err); ok {
		if pe.Kind == providers.KindInvalidRequest {
			writeJSONError(w, http.StatusBadRequest, pe.Error(), string(pe.Kind), "")
			return
		}
		writeJSONError(w, http.StatusBadGateway, pe.Error(), string(pe.Kind), "")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out", "timeout", "")
		return
	}

	s.logger.Error("request failed", "request_id", logging.RequestID(r.Context()), "path", r.URL.Path, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error", "internal_error", "")
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Field   string `json:"field,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, message, typ, field string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: typ, Code: code, Field: field}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
