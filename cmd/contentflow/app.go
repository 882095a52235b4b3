package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentflow/contentflow/pkg/audit"
	"github.com/contentflow/contentflow/pkg/cache"
	"github.com/contentflow/contentflow/pkg/cache/memory"
	rediscache "github.com/contentflow/contentflow/pkg/cache/redis"
	sqlitecache "github.com/contentflow/contentflow/pkg/cache/sqlite"
	"github.com/contentflow/contentflow/pkg/config"
	"github.com/contentflow/contentflow/pkg/logging"
	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/orchestrator"
	"github.com/contentflow/contentflow/pkg/providers"
	"github.com/contentflow/contentflow/pkg/providers/anthropic"
	"github.com/contentflow/contentflow/pkg/providers/gemini"
	"github.com/contentflow/contentflow/pkg/providers/openai"
	"github.com/contentflow/contentflow/pkg/ratelimit"
	"github.com/contentflow/contentflow/pkg/router"
	"github.com/contentflow/contentflow/pkg/secret"
	"github.com/contentflow/contentflow/pkg/secret/env"
	"github.com/contentflow/contentflow/pkg/secret/vault"
	"github.com/contentflow/contentflow/pkg/settings"
)

var configPath string

// app owns the components built from the config and closes them in reverse
// order.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	redis   goredis.UniversalClient
	audit   *audit.Logger
	closers []func() error
}

func loadApp() (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	return &app{
		cfg:    cfg,
		logger: logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr),
	}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) codec(ctx context.Context) (*secret.Codec, error) {
	m := secret.NewManager()
	m.Register("env", env.New())
	if a.cfg.Vault.Enabled() {
		v, err := vault.New(vault.Config{
			Address:  a.cfg.Vault.Address,
			Token:    a.cfg.Vault.Token,
			RoleID:   a.cfg.Vault.RoleID,
			SecretID: a.cfg.Vault.SecretID,
		})
		if err != nil {
			return nil, err
		}
		m.Register("vault", secret.NewCachedSource(v, 5*time.Minute))
	}
	a.onClose(m.Close)

	c, err := secret.LoadCodec(ctx, m, a.cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("master key loaded", "key_id", c.KeyID())
	return c, nil
}

func (a *app) settingsStore(ctx context.Context) (*settings.Store, error) {
	codec, err := a.codec(ctx)
	if err != nil {
		return nil, err
	}
	defaults, err := a.cfg.Defaults.SettingsInput()
	if err != nil {
		return nil, err
	}
	s, err := settings.Open(ctx, settings.Config{
		Driver:   a.cfg.Database.Driver,
		DSN:      a.cfg.Database.DSN,
		Defaults: defaults,
	}, codec, a.logger.With("component", "settings"))
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

func (a *app) redisClient(ctx context.Context) (goredis.UniversalClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.cfg.Redis
	addrs := rc.ClusterAddrs
	if len(addrs) == 0 {
		addrs = []string{rc.Addr}
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    addrs,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.onClose(client.Close)
	return client, nil
}

func (a *app) responseCache(ctx context.Context) (*cache.Cache, error) {
	var backend cache.Backend
	switch a.cfg.Cache.Backend {
	case "sqlite":
		b, err := sqlitecache.New(a.cfg.Cache.DBPath)
		if err != nil {
			return nil, err
		}
		backend = b
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		backend = rediscache.New(client, a.cfg.Redis.Namespace)
	default:
		backend = memory.New(a.cfg.Cache.MaxEntries, 5*time.Minute)
	}
	c := cache.New(backend, a.logger.With("component", "cache"))
	a.onClose(c.Close)
	return c, nil
}

func (a *app) limiter(ctx context.Context) (ratelimit.Limiter, error) {
	if a.cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemory(), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewRedis(client, a.cfg.Redis.Namespace), nil
}

func (a *app) providerRegistry() *providers.Registry {
	pc := a.cfg.Providers
	adapter := func(c providers.Completer) providers.Adapter {
		return providers.NewAdapter(c, pc.For(c.Name()).Timeout)
	}
	vendorConfig := func(p models.Provider) providers.Config {
		c := pc.For(p)
		return providers.Config{BaseURL: c.BaseURL, Model: c.Model}
	}
	return providers.NewRegistry(
		adapter(openai.New(vendorConfig(models.ProviderOpenAI))),
		adapter(anthropic.New(vendorConfig(models.ProviderAnthropic))),
		adapter(gemini.New(vendorConfig(models.ProviderGoogle))),
	)
}

func (a *app) auditLogger() (*audit.Logger, error) {
	if a.audit != nil {
		return a.audit, nil
	}
	l, err := audit.New(audit.Config{
		DBPath:        a.cfg.Audit.DBPath,
		RetentionDays: a.cfg.Audit.RetentionDays,
	}, a.logger.With("component", "audit"))
	if err != nil {
		return nil, err
	}
	a.onClose(l.Close)
	a.audit = l
	return l, nil
}

// orchestrator wires every runtime component and subscribes the orchestrator
// to settings changes.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, *settings.Store, *cache.Cache, error) {
	store, err := a.settingsStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := a.responseCache(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	lim, err := a.limiter(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	rt, err := router.New(a.cfg.FallbackOrder())
	if err != nil {
		return nil, nil, nil, err
	}

	deps := orchestrator.Deps{
		Settings:  store,
		Router:    rt,
		Limiter:   lim,
		Cache:     c,
		Providers: a.providerRegistry(),
		Logger:    a.logger.With("component", "orchestrator"),
	}
	if a.cfg.Audit.Enabled {
		l, err := a.auditLogger()
		if err != nil {
			return nil, nil, nil, err
		}
		deps.Audit = l
	}

	orch, err := orchestrator.New(orchestrator.Config{
		CachePolicy:    orchestrator.CachePolicy(a.cfg.Orchestrator.CachePolicy),
		CacheTTL:       a.cfg.Cache.TTL,
		FallbackTTL:    a.cfg.Cache.FallbackTTL,
		RequestTimeout: a.cfg.Orchestrator.RequestTimeout,
	}, deps)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := orch.Sync(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("sync settings: %w", err)
	}
	store.OnChange(orch.SettingsChanged)
	return orch, store, c, nil
}

// purgeLoop removes expired cache entries until ctx is done.
func purgeLoop(ctx context.Context, c *cache.Cache, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.PurgeExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cache purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache purged", "removed", n)
			}
		}
	}
}
