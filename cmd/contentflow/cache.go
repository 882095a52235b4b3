package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			c, err := a.responseCache(ctx)
			if err != nil {
				return err
			}
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Backend: %s\nEntries: %d\n", a.cfg.Cache.Backend, stats.Entries)
			if a.cfg.Cache.Backend == "memory" {
				fmt.Println("The memory backend lives inside the server process; query GET /v1/status instead.")
			}
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			c, err := a.responseCache(ctx)
			if err != nil {
				return err
			}
			if expiredOnly {
				n, err := c.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d expired cache entries.\n", n)
				return nil
			}
			if err := c.InvalidateAll(ctx); err != nil {
				return err
			}
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
