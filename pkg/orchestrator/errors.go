package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/router"
)

// ErrNoProviderConfigured is returned when no provider can serve a request.
var ErrNoProviderConfigured = router.ErrNoProviderConfigured

// RequestError rejects a malformed request before any provider is consulted.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RateLimitedError reports a denied admission. The caller may retry after
// RetryAfter.
type RateLimitedError struct {
	Provider   models.Provider
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %s", e.Provider, e.RetryAfter.Round(time.Second))
}

// AllProvidersFailedError aggregates the primary failure and the failure of
// the single fallback attempt.
type AllProvidersFailedError struct {
	Primary  error
	Fallback error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *AllProvidersFailedError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// IsRateLimited reports whether err is, or wraps, a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
