package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var envFile string

	root := &cobra.Command{
		Use:           "contentflow",
		Short:         "contentflow: AI content generation gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil {
				if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
					return nil
				}
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to contentflow config file")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newSettingsCmd(),
		newCacheCmd(),
		newAuditCmd(),
		newKeygenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
