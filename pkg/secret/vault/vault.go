// Package vault implements a secret source backed by HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection settings for the Vault source.
type Config struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// Source reads secrets from Vault's logical backend.
type Source struct {
	client *vault.Client
}

// New creates a Vault source. A static token wins over AppRole credentials.
func New(cfg Config) (*Source, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault: token or role_id required")
	}

	return &Source{client: client}, nil
}

// Get reads "path/to/secret#key"; key defaults to "value".
// KV v2 responses are unwrapped from their "data" envelope.
func (s *Source) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close is a no-op; the Vault client holds no long-lived resources here.
func (s *Source) Close() error {
	return nil
}
