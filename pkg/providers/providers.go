// Package providers defines the uniform capability surface over AI vendors.
//
// Vendor packages (openai, anthropic, gemini) implement Completer: they shape
// one vendor request and parse one vendor response. NewAdapter turns a
// Completer into an Adapter exposing generate and improve with a bounded
// timeout and classified errors.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/contentflow/contentflow/pkg/models"
)

// DefaultTimeout bounds every vendor call unless configured otherwise.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 64 << 10

var tracer = otel.Tracer("contentflow/providers")

// GenerateParams are the inputs of a generate call.
type GenerateParams struct {
	Prompt  string
	Options models.Options
}

// ImproveParams are the inputs of an improve call.
type ImproveParams struct {
	Content string
	Mode    models.ImproveMode
	Options models.Options
}

// Result is the text returned by a vendor.
type Result struct {
	Text  string
	Model string
	Usage models.Usage
}

// Adapter is the provider-agnostic capability used by the orchestrator.
type Adapter interface {
	Name() models.Provider
	Generate(ctx context.Context, apiKey string, p GenerateParams) (Result, error)
	Improve(ctx context.Context, apiKey string, p ImproveParams) (Result, error)
}

// Completion is a single instruction-plus-input exchange with a vendor.
type Completion struct {
	System      string
	Input       string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Completer performs one vendor call.
type Completer interface {
	Name() models.Provider
	Complete(ctx context.Context, apiKey string, c Completion) (Result, error)
}

// Config configures a vendor client.
type Config struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type adapter struct {
	c       Completer
	timeout time.Duration
}

// NewAdapter wraps c. Each call is bounded by timeout, or DefaultTimeout if
// timeout is not positive.
func NewAdapter(c Completer, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &adapter{c: c, timeout: timeout}
}

func (a *adapter) Name() models.Provider {
	return a.c.Name()
}

func (a *adapter) Generate(ctx context.Context, apiKey string, p GenerateParams) (Result, error) {
	return a.call(ctx, apiKey, models.OperationGenerate, Completion{
		System:      GenerateInstruction,
		Input:       p.Prompt,
		Model:       p.Options.Model,
		MaxTokens:   p.Options.MaxTokens,
		Temperature: p.Options.Temperature,
	})
}

func (a *adapter) Improve(ctx context.Context, apiKey string, p ImproveParams) (Result, error) {
	instruction, ok := ImproveInstruction(p.Mode)
	if !ok {
		return Result{}, &ProviderError{
			Provider: a.c.Name(),
			Kind:     KindInvalidRequest,
			Message:  fmt.Sprintf("unsupported improvement mode %q", p.Mode),
		}
	}
	return a.call(ctx, apiKey, models.OperationImprove, Completion{
		System:      instruction,
		Input:       p.Content,
		Model:       p.Options.Model,
		MaxTokens:   p.Options.MaxTokens,
		Temperature: p.Options.Temperature,
	})
}

func (a *adapter) call(ctx context.Context, apiKey string, op models.Operation, c Completion) (Result, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("provider", string(a.c.Name())),
		attribute.String("operation", string(op)),
	))
	defer span.End()

	res, err := a.c.Complete(ctx, apiKey, c)
	if err != nil {
		// Only the per-call timeout is a vendor timeout; the caller's own
		// cancellation or deadline is returned as is.
		if perr := parent.Err(); perr != nil {
			err = perr
		} else {
			err = Classify(a.c.Name(), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if res.Text == "" {
		err := &ProviderError{Provider: a.c.Name(), Kind: KindUnavailable, Message: "empty completion"}
		span.SetStatus(codes.Error, err.Message)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("model", res.Model),
		attribute.Int("usage.total_tokens", res.Usage.TotalTokens),
	)
	return res, nil
}

// Registry holds the adapter of every known provider.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry indexes adapters by provider.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p models.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// PostJSON sends in as JSON to url and decodes a 2xx response into out.
// Non-2xx responses become a ProviderError whose message is extracted from the
// vendor's {"error":{"message":...}} envelope when present.
func PostJSON(ctx context.Context, client *http.Client, p models.Provider, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", p, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return FromStatus(p, resp.StatusCode, errorMessage(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: p, Kind: KindUnavailable, StatusCode: resp.StatusCode,
			Message: "decode response: " + err.Error()}
	}
	return nil
}

func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return ""
}
