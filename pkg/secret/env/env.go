// Package env implements a secret source that reads environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Source reads secrets from the process environment.
type Source struct{}

// New creates an environment source.
func New() *Source {
	return &Source{}
}

// Get returns the value of the environment variable named by path.
func (s *Source) Get(ctx context.Context, path string) (string, error) {
	v, ok := os.LookupEnv(path)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return v, nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}
