// Package orchestrator serves generation and improvement requests.
//
// A request moves through Resolving, CacheCheck, RateCheck and Calling before
// it is Done or Failed. With the cache-first policy a cache hit never consumes
// a rate-limit slot; rate-first admits before looking at the cache. No lock is
// held while a provider call is in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/contentflow/contentflow/pkg/cache"
	"github.com/contentflow/contentflow/pkg/logging"
	"github.com/contentflow/contentflow/pkg/metrics"
	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/providers"
	"github.com/contentflow/contentflow/pkg/ratelimit"
	"github.com/contentflow/contentflow/pkg/router"
	"github.com/contentflow/contentflow/pkg/secret"
	"github.com/contentflow/contentflow/pkg/settings"
)

// CachePolicy orders the cache and rate checks.
type CachePolicy string

const (
	PolicyCacheFirst CachePolicy = "cache-first"
	PolicyRateFirst  CachePolicy = "rate-first"
)

// Valid reports whether p is a known policy.
func (p CachePolicy) Valid() bool {
	return p == PolicyCacheFirst || p == PolicyRateFirst
}

const maxTemperature = 2.0

var tracer = otel.Tracer("contentflow/orchestrator")

// SettingsSource is the read side of the settings store.
type SettingsSource interface {
	Get(ctx context.Context) (models.Settings, error)
	RevealForCall(ctx context.Context, p models.Provider) (string, error)
}

// AuditRecorder receives one entry per request.
type AuditRecorder interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Config tunes the orchestrator.
type Config struct {
	CachePolicy CachePolicy
	CacheTTL    time.Duration
	// FallbackTTL applies to answers served by a provider other than the
	// requested one.
	FallbackTTL time.Duration
	// RequestTimeout bounds a whole request including a fallback attempt.
	RequestTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator. Audit is optional.
type Deps struct {
	Settings  SettingsSource
	Router    *router.Router
	Limiter   ratelimit.Limiter
	Cache     *cache.Cache
	Providers *providers.Registry
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// Orchestrator routes requests to providers.
type Orchestrator struct {
	cfg      Config
	settings SettingsSource
	router   *router.Router
	limiter  ratelimit.Limiter
	cache    *cache.Cache
	adapters *providers.Registry
	audit    AuditRecorder
	logger   *slog.Logger

	// mu guards seen, the newest settings version the cache is aligned with.
	mu     sync.Mutex
	seen   models.Settings
	seenOK bool
}

// New validates cfg and wires deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.CachePolicy == "" {
		cfg.CachePolicy = PolicyCacheFirst
	}
	if !cfg.CachePolicy.Valid() {
		return nil, fmt.Errorf("unknown cache policy %q", cfg.CachePolicy)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = cfg.CacheTTL
	}
	if deps.Settings == nil || deps.Router == nil || deps.Limiter == nil || deps.Cache == nil || deps.Providers == nil {
		return nil, errors.New("orchestrator: settings, router, limiter, cache and providers are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		settings: deps.Settings,
		router:   deps.Router,
		limiter:  deps.Limiter,
		cache:    deps.Cache,
		adapters: deps.Providers,
		audit:    deps.Audit,
		logger:   logger,
	}, nil
}

// GenerateRequest asks for new content.
type GenerateRequest struct {
	Prompt   string
	Provider models.Provider
	Options  models.Options
}

// ImproveRequest asks for existing content to be improved.
type ImproveRequest struct {
	Content  string
	Mode     models.ImproveMode
	Provider models.Provider
	Options  models.Options
}

// Response is the outcome of a successful request.
type Response struct {
	Text              string          `json:"text"`
	Provider          models.Provider `json:"provider"`
	RequestedProvider models.Provider `json:"requested_provider"`
	Model             string          `json:"model,omitempty"`
	Cached            bool            `json:"cached"`
	Fallback          bool            `json:"fallback"`
	Usage             models.Usage    `json:"usage"`
}

// Generate serves a generate request.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (Response, error) {
	return o.Do(ctx, models.GenerationRequest{
		Operation: models.OperationGenerate,
		Provider:  req.Provider,
		Text:      req.Prompt,
		Options:   req.Options,
	})
}

// Improve serves an improve request.
func (o *Orchestrator) Improve(ctx context.Context, req ImproveRequest) (Response, error) {
	return o.Do(ctx, models.GenerationRequest{
		Operation: models.OperationImprove,
		Provider:  req.Provider,
		Text:      req.Content,
		Mode:      req.Mode,
		Options:   req.Options,
	})
}

// run carries the state of one request.
type run struct {
	req       models.GenerationRequest
	snap      models.Settings
	routes    []router.Route
	primary   models.Provider
	fp        string
	useCache  bool
	admitted  bool
	start     time.Time
	requestID string
	log       *slog.Logger
}

// Do runs req through the state machine.
func (o *Orchestrator) Do(ctx context.Context, req models.GenerationRequest) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}

	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logging.WithRequestID(ctx, requestID)
	}
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "orchestrator.request", trace.WithAttributes(
		attribute.String("operation", string(req.Operation)),
		attribute.String("request_id", requestID),
	))
	defer span.End()

	r := &run{req: req, start: time.Now(), requestID: requestID, log: logging.FromContext(ctx, o.logger)}
	resp, err := o.do(ctx, r)

	outcome := outcomeOf(resp, err)
	provider := resp.Provider
	if provider == "" {
		provider = r.primary
	}
	metrics.RequestsTotal.WithLabelValues(string(provider), string(req.Operation), string(outcome)).Inc()
	span.SetAttributes(
		attribute.String("provider", string(resp.Provider)),
		attribute.String("outcome", string(outcome)),
		attribute.Bool("cached", resp.Cached),
		attribute.Bool("fallback", resp.Fallback),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("request failed", "operation", req.Operation, "provider", r.primary, "outcome", outcome, "error", err)
	} else {
		r.log.Info("request served",
			"operation", req.Operation,
			"provider", resp.Provider,
			"requested_provider", resp.RequestedProvider,
			"cached", resp.Cached,
			"fallback", resp.Fallback,
			"latency_ms", time.Since(r.start).Milliseconds(),
		)
	}
	o.record(ctx, r, resp, outcome, err)
	return resp, err
}

func (o *Orchestrator) do(ctx context.Context, r *run) (Response, error) {
	// Resolving.
	snap, err := o.settings.Get(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("load settings: %w", err)
	}
	r.snap = snap
	o.observe(snap)
	r.primary = o.router.Primary(snap, r.req.Provider)

	routes, err := o.router.Resolve(snap, r.req.Provider)
	if err != nil {
		if errors.Is(err, ErrNoProviderConfigured) {
			return Response{}, err
		}
		return Response{}, &RequestError{Field: "provider", Message: err.Error()}
	}
	r.routes = routes
	// The key identity scopes entries to the credential that produced them.
	r.fp = cache.Fingerprint(r.req, r.primary, snap.Credentials[routes[0].Provider].Identity)
	r.useCache = snap.CacheEnabled

	if o.cfg.CachePolicy == PolicyRateFirst {
		if err := o.admit(ctx, routes[0].Provider, snap.RequestsPerMinute); err != nil {
			return Response{}, err
		}
		r.admitted = true
	}

	// CacheCheck.
	if resp, ok := o.lookup(ctx, r); ok {
		return resp, nil
	}

	// RateCheck and Calling.
	return o.call(ctx, r)
}

func (o *Orchestrator) lookup(ctx context.Context, r *run) (Response, bool) {
	if !r.useCache {
		return Response{}, false
	}
	e, ok := o.cache.Get(ctx, r.fp)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Response{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return Response{
		Text:              e.Text,
		Provider:          e.Provider,
		RequestedProvider: r.primary,
		Model:             e.Model,
		Cached:            true,
		Fallback:          e.Provider != r.primary,
	}, true
}

func (o *Orchestrator) call(ctx context.Context, r *run) (Response, error) {
	first := r.routes[0]
	if !r.admitted {
		if err := o.admit(ctx, first.Provider, r.snap.RequestsPerMinute); err != nil {
			return Response{}, err
		}
	}

	res, err := o.invoke(ctx, first.Provider, r.req)
	if err == nil {
		return o.done(ctx, r, first.Provider, res), nil
	}

	if cerr := ctx.Err(); cerr != nil {
		return Response{}, cerr
	}
	pe, ok := providers.AsProviderError(err)
	if !ok || !pe.Retryable() || len(r.routes) < 2 {
		return Response{}, err
	}

	// One fallback attempt on the next configured provider.
	next := r.routes[1].Provider
	metrics.Fallbacks.WithLabelValues(string(first.Provider), string(next)).Inc()
	r.log.Warn("provider failed, falling back", "from", first.Provider, "to", next, "kind", pe.Kind)

	if aerr := o.admit(ctx, next, r.snap.RequestsPerMinute); aerr != nil {
		return Response{}, &AllProvidersFailedError{Primary: err, Fallback: aerr}
	}
	res, ferr := o.invoke(ctx, next, r.req)
	if ferr != nil {
		return Response{}, &AllProvidersFailedError{Primary: err, Fallback: ferr}
	}
	return o.done(ctx, r, next, res), nil
}

func (o *Orchestrator) admit(ctx context.Context, p models.Provider, limit int) error {
	d, err := o.limiter.Admit(ctx, p, limit)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !d.Allowed {
		metrics.RateLimitDenials.WithLabelValues(string(p)).Inc()
		return &RateLimitedError{Provider: p, RetryAfter: d.RetryAfter}
	}
	return nil
}

// invoke reveals the credential for p and calls its adapter.
func (o *Orchestrator) invoke(ctx context.Context, p models.Provider, req models.GenerationRequest) (providers.Result, error) {
	adapter, ok := o.adapters.Get(p)
	if !ok {
		return providers.Result{}, fmt.Errorf("no adapter registered for %s", p)
	}
	key, err := o.settings.RevealForCall(ctx, p)
	if err != nil {
		if errors.Is(err, settings.ErrNoCredential) {
			// Removed after the snapshot was taken.
			return providers.Result{}, fmt.Errorf("%s: %w", p, ErrNoProviderConfigured)
		}
		return providers.Result{}, err
	}

	start := time.Now()
	var res providers.Result
	switch req.Operation {
	case models.OperationImprove:
		res, err = adapter.Improve(ctx, key, providers.ImproveParams{Content: req.Text, Mode: req.Mode, Options: req.Options})
	default:
		res, err = adapter.Generate(ctx, key, providers.GenerateParams{Prompt: req.Text, Options: req.Options})
	}

	status := "ok"
	if pe, ok := providers.AsProviderError(err); ok {
		status = string(pe.Kind)
	} else if err != nil {
		status = "error"
	}
	metrics.UpstreamDuration.WithLabelValues(string(p), status).Observe(time.Since(start).Seconds())
	return res, err
}

// done stores a successful answer under the primary fingerprint.
func (o *Orchestrator) done(ctx context.Context, r *run, served models.Provider, res providers.Result) Response {
	resp := Response{
		Text:              res.Text,
		Provider:          served,
		RequestedProvider: r.primary,
		Model:             res.Model,
		Fallback:          served != r.primary,
		Usage:             res.Usage,
	}
	if r.useCache {
		ttl := o.cfg.CacheTTL
		if resp.Fallback {
			ttl = o.cfg.FallbackTTL
		}
		entry := models.CacheEntry{Text: res.Text, Provider: served, Model: res.Model}
		if err := o.cache.Put(ctx, r.fp, entry, ttl); err != nil {
			r.log.Warn("cache put failed", "error", err)
		}
	}
	return resp
}

func (o *Orchestrator) record(ctx context.Context, r *run, resp Response, outcome models.Outcome, err error) {
	if o.audit == nil {
		return
	}
	entry := models.AuditEntry{
		RequestID:         r.requestID,
		Operation:         r.req.Operation,
		RequestedProvider: r.primary,
		Provider:          resp.Provider,
		Model:             resp.Model,
		Fingerprint:       r.fp,
		Cached:            resp.Cached,
		Fallback:          resp.Fallback,
		Outcome:           outcome,
		ErrorKind:         errorKind(err),
		PromptTokens:      resp.Usage.PromptTokens,
		CompletionTokens:  resp.Usage.CompletionTokens,
		LatencyMs:         time.Since(r.start).Milliseconds(),
		CreatedAt:         r.start,
	}
	// The request context may already be cancelled; the entry is still wanted.
	if lerr := o.audit.Log(context.WithoutCancel(ctx), entry); lerr != nil {
		r.log.Warn("audit log failed", "error", lerr)
	}
}

// SettingsChanged keeps the cache consistent with a committed settings change.
// It is registered with settings.Store.OnChange.
func (o *Orchestrator) SettingsChanged(old, new models.Settings) {
	o.mu.Lock()
	if !o.seenOK || new.Version >= o.seen.Version {
		o.seen, o.seenOK = new, true
	}
	o.mu.Unlock()
	o.apply(old, new)
}

// observe applies changes committed by writers whose OnChange listeners run
// in another process, such as the settings CLI.
func (o *Orchestrator) observe(s models.Settings) {
	o.mu.Lock()
	if o.seenOK && s.Version <= o.seen.Version {
		o.mu.Unlock()
		return
	}
	old, first := o.seen, !o.seenOK
	o.seen, o.seenOK = s, true
	o.mu.Unlock()

	if first {
		o.cache.SetEnabled(s.CacheEnabled)
		return
	}
	o.logger.Debug("settings version advanced", "from", old.Version, "to", s.Version)
	o.apply(old, s)
}

func (o *Orchestrator) apply(old, new models.Settings) {
	o.cache.SetEnabled(new.CacheEnabled)

	reason := ""
	switch {
	case old.CacheEnabled && !new.CacheEnabled:
		reason = "cache disabled"
	case credentialsChanged(old, new):
		reason = "credentials changed"
	}
	if reason == "" {
		return
	}
	if err := o.cache.InvalidateAll(context.Background()); err != nil {
		o.logger.Error("cache invalidation failed", "reason", reason, "error", err)
		return
	}
	o.logger.Info("cache invalidated", "reason", reason)
}

func credentialsChanged(old, new models.Settings) bool {
	for _, p := range models.Providers() {
		a, b := old.Credentials[p], new.Credentials[p]
		if a.Configured != b.Configured || a.Identity != b.Identity {
			return true
		}
	}
	return false
}

// Sync aligns the cache switch with the stored settings. Call it once at
// startup.
func (o *Orchestrator) Sync(ctx context.Context) error {
	s, err := o.settings.Get(ctx)
	if err != nil {
		return err
	}
	o.observe(s)
	o.cache.SetEnabled(s.CacheEnabled)
	return nil
}

// Status reports configuration without exposing credentials.
type Status struct {
	Providers         map[models.Provider]bool `json:"providers"`
	DefaultProvider   models.Provider          `json:"default_provider"`
	CacheEnabled      bool                     `json:"cache_enabled"`
	RequestsPerMinute int                      `json:"requests_per_minute"`
	CachePolicy       CachePolicy              `json:"cache_policy"`
	Cache             models.CacheStats        `json:"cache"`
}

// Status returns the current introspection report.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	s, err := o.settings.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	stats, err := o.cache.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("cache stats: %w", err)
	}
	configured := make(map[models.Provider]bool, len(models.Providers()))
	for _, p := range models.Providers() {
		configured[p] = s.Configured(p)
	}
	return Status{
		Providers:         configured,
		DefaultProvider:   s.DefaultProvider,
		CacheEnabled:      s.CacheEnabled,
		RequestsPerMinute: s.RequestsPerMinute,
		CachePolicy:       o.cfg.CachePolicy,
		Cache:             stats,
	}, nil
}

func validateRequest(req models.GenerationRequest) error {
	field := "prompt"
	switch req.Operation {
	case models.OperationGenerate:
	case models.OperationImprove:
		field = "content"
		if req.Mode == "" {
			return &RequestError{Field: "mode", Message: "is required"}
		}
		if !req.Mode.Valid() {
			return &RequestError{Field: "mode", Message: fmt.Sprintf("must be one of %v", models.ImproveModes())}
		}
	default:
		return &RequestError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", req.Operation)}
	}
	if strings.TrimSpace(req.Text) == "" {
		return &RequestError{Field: field, Message: "is required"}
	}
	if req.Provider != "" && !req.Provider.Valid() {
		return &RequestError{Field: "provider", Message: fmt.Sprintf("must be one of %v", models.Providers())}
	}
	if req.Options.MaxTokens < 0 {
		return &RequestError{Field: "options.max_tokens", Message: "must not be negative"}
	}
	if t := req.Options.Temperature; t != nil && (*t < 0 || *t > maxTemperature) {
		return &RequestError{Field: "options.temperature", Message: "must be between 0 and 2"}
	}
	return nil
}

func outcomeOf(resp Response, err error) models.Outcome {
	switch {
	case err == nil && resp.Cached:
		return models.OutcomeCached
	case err == nil:
		return models.OutcomeOK
	case errors.Is(err, ErrNoProviderConfigured):
		return models.OutcomeNoProvider
	}
	if _, ok := err.(*RateLimitedError); ok {
		return models.OutcomeRateLimited
	}
	return models.OutcomeFailed
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		all *AllProvidersFailedError
		rl  *RateLimitedError
		re  *RequestError
	)
	switch {
	case errors.As(err, &all):
		return "all_providers_failed"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &re):
		return "invalid_request"
	case errors.Is(err, ErrNoProviderConfigured):
		return "no_provider_configured"
	case secret.IsDecryptionError(err):
		return "decryption_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if pe, ok := providers.AsProviderError(err); ok {
		return string(pe.Kind)
	}
	return "internal"
}
