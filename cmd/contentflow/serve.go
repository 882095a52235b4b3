package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentflow/contentflow/pkg/api"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the content generation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch, store, c, err := a.orchestrator(ctx)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			go purgeLoop(ctx, c, 10*time.Minute, a.logger)

			a.logger.Info("starting contentflow",
				"config", configPath,
				"database", a.cfg.Database.Driver,
				"cache_backend", a.cfg.Cache.Backend,
				"rate_limit_backend", a.cfg.RateLimit.Backend,
				"cache_policy", a.cfg.Orchestrator.CachePolicy,
			)
			return api.New(a.cfg.Listen, orch, store, a.logger).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
