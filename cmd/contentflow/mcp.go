package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentflow/contentflow/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve content generation as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orch, _, c, err := a.orchestrator(ctx)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			go purgeLoop(ctx, c, 10*time.Minute, a.logger)

			// stdout carries the protocol; the logger already writes to stderr.
			var auditor mcp.AuditQuerier
			if a.cfg.Audit.Enabled {
				l, err := a.auditLogger()
				if err != nil {
					return err
				}
				auditor = l
			}
			return mcp.New(orch, auditor, version, a.logger.With("component", "mcp")).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
