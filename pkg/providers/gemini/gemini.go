// Package gemini implements the Google Gemini generateContent vendor.
package gemini

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/providers"
)

const (
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
	DefaultModel      = "gemini-1.5-flash"
)

// Client calls models/{model}:generateContent.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a client; empty fields fall back to the defaults.
func New(cfg providers.Config) *Client {
	c := &Client{baseURL: DefaultBaseURL, model: DefaultModel, http: cfg.Client}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model != "" {
		c.model = cfg.Model
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

func (c *Client) Name() models.Provider { return models.ProviderGoogle }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Complete implements providers.Completer.
func (c *Client) Complete(ctx context.Context, apiKey string, in providers.Completion) (providers.Result, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: in.Input}}}},
	}
	if in.System != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: in.System}}}
	}
	if in.MaxTokens > 0 || in.Temperature != nil {
		req.GenerationConfig = &generationConfig{MaxOutputTokens: in.MaxTokens, Temperature: in.Temperature}
	}

	endpoint := c.baseURL + "/" + DefaultAPIVersion + "/models/" + url.PathEscape(model) + ":generateContent"

	var resp generateResponse
	err := providers.PostJSON(ctx, c.http, c.Name(), endpoint,
		map[string]string{"x-goog-api-key": apiKey}, req, &resp)
	if err != nil {
		// Gemini reports a bad key as 400 INVALID_ARGUMENT.
		if pe, ok := providers.AsProviderError(err); ok && pe.Kind == providers.KindInvalidRequest &&
			strings.Contains(strings.ToLower(pe.Message), "api key") {
			pe.Kind = providers.KindAuthFailed
		}
		return providers.Result{}, err
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return providers.Result{}, &providers.ProviderError{
				Provider: c.Name(),
				Kind:     providers.KindInvalidRequest,
				Message:  "prompt blocked: " + resp.PromptFeedback.BlockReason,
			}
		}
		return providers.Result{}, nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	res := providers.Result{
		Text:  strings.TrimSpace(b.String()),
		Model: resp.ModelVersion,
		Usage: models.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
	if res.Model == "" {
		res.Model = model
	}
	return res, nil
}
