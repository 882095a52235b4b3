// Package anthropic implements the Anthropic messages vendor.
package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/providers"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultModel      = "claude-3-5-haiku-latest"
	DefaultAPIVersion = "2023-06-01"

	// The messages API requires max_tokens.
	defaultMaxTokens = 1024
)

// Client calls /v1/messages.
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

func (c *Client) Name() models.Provider { return models.ProviderAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements providers.Completer.
func (c *Client) Complete(ctx context.Context, apiKey string, in providers.Completion) (providers.Result, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	req := messagesRequest{
		Model:       model,
		System:      in.System,
		Messages:    []message{{Role: "user", Content: in.Input}},
		MaxTokens:   maxTokens,
		Temperature: in.Temperature,
	}

	var resp messagesResponse
	err := providers.PostJSON(ctx, c.http, c.Name(), c.baseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": DefaultAPIVersion,
		}, req, &resp)
	if err != nil {
		return providers.Result{}, err
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	res := providers.Result{
		Text:  strings.TrimSpace(b.String()),
		Model: resp.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if res.Model == "" {
		res.Model = model
	}
	return res, nil
}
