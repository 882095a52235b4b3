package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/orchestrator"
)

const (
	toolGenerate    = "contentflow_generate"
	toolImprove     = "contentflow_improve"
	toolStatus      = "contentflow_status"
	toolAuditSearch = "contentflow_audit_search"
)

// Tool argument structs.

type generateArgs struct {
	Prompt      string   `json:"prompt"`
	Provider    string   `json:"provider"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

type improveArgs struct {
	Content  string `json:"content"`
	Mode     string `json:"mode"`
	Provider string `json:"provider"`
}

type auditSearchArgs struct {
	Provider  string `json:"provider"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	toolGenerate:    handleGenerate,
	toolImprove:     handleImprove,
	toolStatus:      handleStatus,
	toolAuditSearch: handleAuditSearch,
}

var providerSchema = map[string]any{
	"type":        "string",
	"enum":        []string{"openai", "anthropic", "google"},
	"description": "Provider to use (optional, defaults to the configured default provider)",
}

func modeNames() []string {
	modes := models.ImproveModes()
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        toolGenerate,
		Description: "Generate new content from a prompt using the configured AI provider.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "What to write",
				},
				"provider": providerSchema,
				"max_tokens": map[string]any{
					"type":        "integer",
					"description": "Upper bound on generated tokens (optional)",
				},
				"temperature": map[string]any{
					"type":        "number",
					"description": "Sampling temperature between 0 and 2 (optional)",
				},
			},
		},
	},
	{
		Name:        toolImprove,
		Description: "Improve existing content in one of the supported modes.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"content", "mode"},
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The text to improve",
				},
				"mode": map[string]any{
					"type":        "string",
					"enum":        modeNames(),
					"description": "How to improve the text",
				},
				"provider": providerSchema,
			},
		},
	},
	{
		Name:        toolStatus,
		Description: "Show configured providers, the default provider, rate limit and cache statistics.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        toolAuditSearch,
		Description: "Search the request audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": providerSchema,
				"operation": map[string]any{
					"type":        "string",
					"enum":        []string{"generate", "improve"},
					"description": "Filter by operation (optional)",
				},
				"outcome": map[string]any{
					"type":        "string",
					"description": "Filter by outcome: ok, cached, rate_limited, no_provider, failed (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries (optional, default 50)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func parseProvider(name string) (models.Provider, error) {
	if name == "" {
		return "", nil
	}
	return models.ParseProvider(strings.ToLower(name))
}

func handleGenerate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args generateArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	p, err := parseProvider(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}
	resp, err := s.service.Generate(ctx, orchestrator.GenerateRequest{
		Prompt:   args.Prompt,
		Provider: p,
		Options:  models.Options{MaxTokens: args.MaxTokens, Temperature: args.Temperature},
	})
	if err != nil {
		return errorResult(describeError(err))
	}
	return textResult(formatResponse(resp))
}

func handleImprove(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args improveArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	p, err := parseProvider(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}
	resp, err := s.service.Improve(ctx, orchestrator.ImproveRequest{
		Content:  args.Content,
		Mode:     models.ImproveMode(strings.ToLower(args.Mode)),
		Provider: p,
	})
	if err != nil {
		return errorResult(describeError(err))
	}
	return textResult(formatResponse(resp))
}

func handleStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.service.Status(ctx)
	if err != nil {
		return errorResult("Error fetching status: " + err.Error())
	}
	return textResult(formatStatus(st))
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		Operation: models.Operation(args.Operation),
		Outcome:   models.Outcome(args.Outcome),
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Provider != "" {
		p, err := parseProvider(args.Provider)
		if err != nil {
			return errorResult(err.Error())
		}
		opts.Provider = p
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

// describeError renders err for a tool caller, adding the retry hint for
// rate-limited requests.
func describeError(err error) string {
	var all *orchestrator.AllProvidersFailedError
	if errors.As(err, &all) {
		return "Error: " + err.Error()
	}
	if rl, ok := orchestrator.IsRateLimited(err); ok {
		return fmt.Sprintf("Rate limit reached for %s. Retry in %ds.", rl.Provider, int(math.Ceil(rl.RetryAfter.Seconds())))
	}
	return "Error: " + err.Error()
}
