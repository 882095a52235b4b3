// Package ratelimit admits provider calls against a per-provider fixed window.
package ratelimit

import (
	"context"
	"time"

	"github.com/contentflow/contentflow/pkg/models"
)

// Window is the length of one admission window.
const Window = time.Minute

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the current window resets. Zero when allowed.
	RetryAfter time.Duration
	Remaining  int
}

// Limiter decides whether a call to a provider may proceed.
//
// Admit is atomic per provider: N concurrent calls against limit K admit
// exactly min(N, K). Denied attempts do not count against the window.
type Limiter interface {
	Admit(ctx context.Context, p models.Provider, limit int) (Decision, error)
}

func denyAll() Decision {
	return Decision{Allowed: false, RetryAfter: Window}
}
