package router

import (
	"errors"
	"fmt"

	"github.com/contentflow/contentflow/pkg/models"
)

// ErrNoProviderConfigured is returned when no provider holds a credential.
var ErrNoProviderConfigured = errors.New("no AI provider configured: configure an API key")

// Route is one provider to try for a request.
type Route struct {
	Provider models.Provider
	// Fallback is set for every route other than the requested provider.
	Fallback bool
}

// Router resolves the ordered provider chain for a request.
type Router struct {
	order []models.Provider
}

// New creates a Router trying fallbacks in order. Providers missing from
// order are appended in canonical order; an empty order means canonical.
func New(order []models.Provider) (*Router, error) {
	seen := make(map[models.Provider]bool)
	var full []models.Provider
	for _, p := range order {
		if !p.Valid() {
			return nil, fmt.Errorf("fallback order: unknown provider %q", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		full = append(full, p)
	}
	for _, p := range models.Providers() {
		if !seen[p] {
			full = append(full, p)
		}
	}
	return &Router{order: full}, nil
}

// Primary returns the provider a request asks for: the explicit one, else the
// settings default.
func (r *Router) Primary(s models.Settings, requested models.Provider) models.Provider {
	if requested != "" {
		return requested
	}
	return s.DefaultProvider
}

// Resolve returns the chain for requested under snapshot s: the primary
// provider if it holds a credential, then every other configured provider in
// fallback order.
func (r *Router) Resolve(s models.Settings, requested models.Provider) ([]Route, error) {
	if requested != "" && !requested.Valid() {
		return nil, fmt.Errorf("unknown provider %q", requested)
	}
	primary := r.Primary(s, requested)

	var routes []Route
	if s.Configured(primary) {
		routes = append(routes, Route{Provider: primary})
	}
	for _, p := range r.order {
		if p == primary || !s.Configured(p) {
			continue
		}
		routes = append(routes, Route{Provider: p, Fallback: true})
	}
	if len(routes) == 0 {
		return nil, ErrNoProviderConfigured
	}
	return routes, nil
}
