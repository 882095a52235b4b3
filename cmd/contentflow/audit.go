package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentflow/contentflow/pkg/audit"
	"github.com/contentflow/contentflow/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the request audit log",
	}

	cmd.AddCommand(
		newAuditListCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		provider  string
		operation string
		outcome   string
		since     string
		requestID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Operation: models.Operation(operation),
				Outcome:   models.Outcome(outcome),
				RequestID: requestID,
				Limit:     limit,
			}
			if provider != "" {
				p, err := models.ParseProvider(provider)
				if err != nil {
					return err
				}
				opts.Provider = p
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "filter by serving provider")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation (generate, improve)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (ok, cached, rate_limited, no_provider, failed)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "show a single request")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by provider and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger() (*audit.Logger, func(), error) {
	a, err := loadApp()
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(audit.Config{DBPath: a.cfg.Audit.DBPath, RetentionDays: a.cfg.Audit.RetentionDays}, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-8s %-10s %-10s %-12s %-6s %-8s %8s %-20s\n",
		"REQUEST ID", "OP", "REQUESTED", "SERVED", "OUTCOME", "CACHED", "FALLBACK", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 128) + "\n")
	for _, e := range entries {
		outcome := string(e.Outcome)
		if e.ErrorKind != "" {
			outcome += "/" + e.ErrorKind
		}
		fmt.Fprintf(&b, "%-36s %-8s %-10s %-10s %-12s %-6t %-8t %6dms %-20s\n",
			e.RequestID, e.Operation, e.RequestedProvider, e.Provider, outcome,
			e.Cached, e.Fallback, e.LatencyMs,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %8s %8s %8s\n", "PROVIDER", "DAY", "COUNT", "CACHED", "FAILED")
	b.WriteString(strings.Repeat("-", 52) + "\n")
	for _, s := range stats {
		provider := string(s.Provider)
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(&b, "%-12s %-12s %8d %8d %8d\n", provider, s.Day, s.Count, s.Cached, s.Failed)
	}
	return b.String()
}
