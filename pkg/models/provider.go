package models

import "fmt"

// Provider identifies an external AI text-generation vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Providers returns every known provider in canonical fallback order.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGoogle}
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return true
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}

// ParseProvider converts a user-supplied name into a Provider.
// "gemini" is accepted as an alias for google.
func ParseProvider(s string) (Provider, error) {
	if s == "gemini" {
		return ProviderGoogle, nil
	}
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}
