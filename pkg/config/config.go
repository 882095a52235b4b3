package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contentflow/contentflow/pkg/models"
)

// Config holds all contentflow bootstrap configuration. Runtime settings
// (default provider, credentials, cache switch, rate limit) live in the
// settings store; Defaults only seeds it.
type Config struct {
	Listen       string             `yaml:"listen"`
	Database     DatabaseConfig     `yaml:"database"`
	MasterKey    string             `yaml:"master_key"`
	Vault        VaultConfig        `yaml:"vault"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Cache        CacheConfig        `yaml:"cache"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Audit        AuditConfig        `yaml:"audit"`
	Defaults     DefaultsConfig     `yaml:"defaults"`
}

// DatabaseConfig selects the settings database. Driver is "sqlite" or
// "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// VaultConfig configures the Vault master-key source. Token takes precedence
// over AppRole credentials.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// Enabled reports whether a Vault address is configured.
func (v VaultConfig) Enabled() bool {
	return v.Address != ""
}

// ProviderConfig overrides the endpoint of one vendor.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProvidersConfig holds per-vendor overrides.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Google    ProviderConfig `yaml:"google"`
}

// For returns the overrides of p.
func (c ProvidersConfig) For(p models.Provider) ProviderConfig {
	switch p {
	case models.ProviderAnthropic:
		return c.Anthropic
	case models.ProviderGoogle:
		return c.Google
	default:
		return c.OpenAI
	}
}

// CacheConfig controls the response cache. Backend is "memory", "sqlite" or
// "redis".
type CacheConfig struct {
	Backend     string        `yaml:"backend"`
	TTL         time.Duration `yaml:"ttl"`
	FallbackTTL time.Duration `yaml:"fallback_ttl"`
	MaxEntries  int           `yaml:"max_entries"`
	DBPath      string        `yaml:"db_path"`
}

// RateLimitConfig selects the limiter. Backend is "memory" or "redis".
type RateLimitConfig struct {
	Backend string `yaml:"backend"`
}

// RedisConfig is shared by the redis cache and limiter. A non-empty
// ClusterAddrs selects a cluster client.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	ClusterAddrs []string `yaml:"cluster_addrs"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	Namespace    string   `yaml:"namespace"`
}

// OrchestratorConfig tunes request handling.
type OrchestratorConfig struct {
	CachePolicy    string        `yaml:"cache_policy"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	FallbackOrder  []string      `yaml:"fallback_order"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig controls the request audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultsConfig seeds the settings record on first start.
type DefaultsConfig struct {
	DefaultProvider   string `yaml:"default_provider"`
	CacheEnabled      bool   `yaml:"cache_enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// SettingsInput converts the defaults into a settings record.
func (d DefaultsConfig) SettingsInput() (models.SettingsInput, error) {
	p, err := models.ParseProvider(d.DefaultProvider)
	if err != nil {
		return models.SettingsInput{}, fmt.Errorf("defaults.default_provider: %w", err)
	}
	return models.SettingsInput{
		DefaultProvider:   p,
		APIKeys:           map[models.Provider]string{},
		CacheEnabled:      d.CacheEnabled,
		RequestsPerMinute: d.RequestsPerMinute,
	}, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	seed := models.DefaultSettingsInput()
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "contentflow.db",
		},
		MasterKey: "env://CONTENTFLOW_MASTER_KEY",
		Cache: CacheConfig{
			Backend:     "memory",
			TTL:         time.Hour,
			FallbackTTL: 10 * time.Minute,
			MaxEntries:  10000,
			DBPath:      "contentflow-cache.db",
		},
		RateLimit: RateLimitConfig{Backend: "memory"},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "contentflow",
		},
		Orchestrator: OrchestratorConfig{
			CachePolicy:    "cache-first",
			RequestTimeout: 90 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        "contentflow-audit.db",
			RetentionDays: 30,
		},
		Defaults: DefaultsConfig{
			DefaultProvider:   string(seed.DefaultProvider),
			CacheEnabled:      seed.CacheEnabled,
			RequestsPerMinute: seed.RequestsPerMinute,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends, policies and providers.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend)
	}
	switch c.Orchestrator.CachePolicy {
	case "cache-first", "rate-first":
	default:
		return fmt.Errorf("orchestrator.cache_policy: unknown policy %q", c.Orchestrator.CachePolicy)
	}
	for _, name := range c.Orchestrator.FallbackOrder {
		if _, err := models.ParseProvider(name); err != nil {
			return fmt.Errorf("orchestrator.fallback_order: %w", err)
		}
	}
	if _, err := c.Defaults.SettingsInput(); err != nil {
		return err
	}
	rpm := c.Defaults.RequestsPerMinute
	if rpm < models.MinRequestsPerMinute || rpm > models.MaxRequestsPerMinute {
		return fmt.Errorf("defaults.requests_per_minute must be between %d and %d",
			models.MinRequestsPerMinute, models.MaxRequestsPerMinute)
	}
	return nil
}

// FallbackOrder returns the configured fallback order as providers.
func (c *Config) FallbackOrder() []models.Provider {
	out := make([]models.Provider, 0, len(c.Orchestrator.FallbackOrder))
	for _, name := range c.Orchestrator.FallbackOrder {
		if p, err := models.ParseProvider(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Cache.Backend == "redis" || c.RateLimit.Backend == "redis"
}
