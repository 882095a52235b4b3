package settings

import (
	"errors"
	"fmt"
)

// ErrNoCredential is returned by RevealForCall when no credential is stored for
// the provider.
var ErrNoCredential = errors.New("no credential configured")

// ValidationError rejects a settings write. Field names the offending input
// using its JSON name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
