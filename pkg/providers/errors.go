package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/contentflow/contentflow/pkg/models"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuthFailed          Kind = "auth_failed"
	KindRateLimitedByVendor Kind = "rate_limited_by_vendor"
	KindInvalidRequest      Kind = "invalid_request"
	KindTimeout             Kind = "timeout"
	KindUnavailable         Kind = "unavailable"
)

// ProviderError is a classified failure of one vendor call.
type ProviderError struct {
	Provider   models.Provider
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether another provider may be tried.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindUnavailable, KindRateLimitedByVendor:
		return true
	}
	return false
}

// AsProviderError extracts a ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// FromStatus maps a vendor HTTP status to a ProviderError.
func FromStatus(p models.Provider, status int, message string) *ProviderError {
	kind := KindUnavailable
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindAuthFailed
	case status == http.StatusTooManyRequests:
		kind = KindRateLimitedByVendor
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUnavailable
	case status >= 400:
		kind = KindInvalidRequest
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &ProviderError{Provider: p, Kind: kind, StatusCode: status, Message: message}
}

// Classify converts a transport error into a ProviderError. Caller
// cancellation is returned unchanged so it is never mistaken for a vendor
// fault. A deadline reaching Classify is the per-call timeout.
func Classify(p models.Provider, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: p, Kind: KindTimeout, Message: "request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Provider: p, Kind: KindTimeout, Message: netErr.Error()}
	}
	return &ProviderError{Provider: p, Kind: KindUnavailable, Message: err.Error()}
}
