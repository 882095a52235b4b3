// Package openai implements the OpenAI chat completions vendor.
package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/providers"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// Client calls /chat/completions.
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

func (c *Client) Name() models.Provider { return models.ProviderOpenAI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete implements providers.Completer.
func (c *Client) Complete(ctx context.Context, apiKey string, in providers.Completion) (providers.Result, error) {
	model := in.Model
	if model == "" {
		model = c.model
	}
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: in.System},
			{Role: "user", Content: in.Input},
		},
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}

	var resp chatResponse
	err := providers.PostJSON(ctx, c.http, c.Name(), c.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + apiKey}, req, &resp)
	if err != nil {
		return providers.Result{}, err
	}

	res := providers.Result{
		Model: resp.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		res.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if res.Model == "" {
		res.Model = model
	}
	return res, nil
}
