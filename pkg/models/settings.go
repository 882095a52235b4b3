package models

import "time"

// Bounds for Settings.RequestsPerMinute.
const (
	MinRequestsPerMinute = 1
	MaxRequestsPerMinute = 100
)

// CredentialView is the displayable form of a stored provider credential.
// The raw key is never part of it.
type CredentialView struct {
	Configured bool   `json:"configured" yaml:"configured"`
	Masked     string `json:"masked" yaml:"masked"`
	// Identity is a keyed fingerprint of the plaintext; two views with the same
	// Identity hold the same secret.
	Identity string `json:"identity" yaml:"identity"`
	// Unreadable is set when the stored credential cannot be decrypted. The
	// provider is still reported as configured so the fault is not hidden.
	Unreadable bool `json:"unreadable,omitempty" yaml:"unreadable,omitempty"`
}

// Settings is the durable configuration record as returned to readers.
type Settings struct {
	DefaultProvider   Provider                    `json:"default_provider" yaml:"default_provider"`
	Credentials       map[Provider]CredentialView `json:"provider_credentials" yaml:"provider_credentials"`
	CacheEnabled      bool                        `json:"cache_enabled" yaml:"cache_enabled"`
	RequestsPerMinute int                         `json:"requests_per_minute" yaml:"requests_per_minute"`
	Version           int64                       `json:"version" yaml:"version"`
	UpdatedAt         time.Time                   `json:"updated_at" yaml:"updated_at"`
}

// Configured reports whether a credential is stored for p.
func (s Settings) Configured(p Provider) bool {
	return s.Credentials[p].Configured
}

// ConfiguredProviders returns the providers holding a credential, in canonical order.
func (s Settings) ConfiguredProviders() []Provider {
	var out []Provider
	for _, p := range Providers() {
		if s.Configured(p) {
			out = append(out, p)
		}
	}
	return out
}

// SettingsInput is a full replacement record submitted by a writer.
//
// APIKeys semantics per provider: missing or empty clears the credential, a value
// equal to the currently displayed mask keeps it, anything else replaces it.
type SettingsInput struct {
	DefaultProvider   Provider            `json:"default_provider" yaml:"default_provider"`
	APIKeys           map[Provider]string `json:"api_keys" yaml:"api_keys"`
	CacheEnabled      bool                `json:"cache_enabled" yaml:"cache_enabled"`
	RequestsPerMinute int                 `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// DefaultSettingsInput returns the record seeded on first activation.
func DefaultSettingsInput() SettingsInput {
	return SettingsInput{
		DefaultProvider:   ProviderOpenAI,
		APIKeys:           map[Provider]string{},
		CacheEnabled:      true,
		RequestsPerMinute: 10,
	}
}
