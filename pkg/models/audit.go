package models

import "time"

// Outcome classifies how an orchestrated request ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeCached      Outcome = "cached"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeNoProvider  Outcome = "no_provider"
	OutcomeFailed      Outcome = "failed"
)

// AuditEntry records a single orchestrated request.
type AuditEntry struct {
	RequestID         string    `json:"request_id"`
	Operation         Operation `json:"operation"`
	RequestedProvider Provider  `json:"requested_provider"`
	Provider          Provider  `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	Fingerprint       string    `json:"fingerprint"`
	Cached            bool      `json:"cached"`
	Fallback          bool      `json:"fallback"`
	Outcome           Outcome   `json:"outcome"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	LatencyMs         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Provider  Provider
	Operation Operation
	Outcome   Outcome
	Since     time.Time
	RequestID string
	Limit     int
}

// AuditStat holds aggregate counts for a provider/day combination.
type AuditStat struct {
	Provider Provider
	Day      string
	Count    int
	Cached   int
	Failed   int
}
