package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/contentflow/contentflow/pkg/models"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and change the stored runtime settings",
	}
	cmd.AddCommand(newSettingsShowCmd(), newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current settings with masked credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			store, err := a.settingsStore(ctx)
			if err != nil {
				return err
			}
			s, err := store.Get(ctx)
			if err != nil {
				return err
			}
			return writeSettings(os.Stdout, s)
		},
	}
}

type settingsFlags struct {
	defaultProvider string
	keys            map[models.Provider]*string
	clear           []string
	cacheEnabled    bool
	rpm             int
}

func newSettingsSetCmd() *cobra.Command {
	f := settingsFlags{keys: map[models.Provider]*string{}}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings; unspecified fields keep their current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			store, err := a.settingsStore(ctx)
			if err != nil {
				return err
			}
			cur, err := store.Get(ctx)
			if err != nil {
				return err
			}

			in, err := f.apply(cur, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			updated, err := store.Replace(ctx, in)
			if err != nil {
				return err
			}
			return writeSettings(os.Stdout, updated)
		},
	}

	cmd.Flags().StringVar(&f.defaultProvider, "default-provider", "", "default provider (openai, anthropic, google)")
	for _, p := range models.Providers() {
		f.keys[p] = cmd.Flags().String(string(p)+"-key", "", "API key for "+string(p))
	}
	cmd.Flags().StringSliceVar(&f.clear, "clear-key", nil, "providers whose credential is removed")
	cmd.Flags().BoolVar(&f.cacheEnabled, "cache-enabled", true, "enable the response cache")
	cmd.Flags().IntVar(&f.rpm, "rpm", 0, "requests per minute per provider (1-100)")
	return cmd
}

// apply builds a full replacement record from cur and the flags that were
// set. Configured credentials are resubmitted as their mask so they are kept.
func (f settingsFlags) apply(cur models.Settings, changed func(string) bool) (models.SettingsInput, error) {
	in := models.SettingsInput{
		DefaultProvider:   cur.DefaultProvider,
		APIKeys:           make(map[models.Provider]string),
		CacheEnabled:      cur.CacheEnabled,
		RequestsPerMinute: cur.RequestsPerMinute,
	}
	for _, p := range models.Providers() {
		if v := cur.Credentials[p]; v.Configured {
			in.APIKeys[p] = v.Masked
		}
	}

	if changed("default-provider") {
		p, err := models.ParseProvider(f.defaultProvider)
		if err != nil {
			return models.SettingsInput{}, err
		}
		in.DefaultProvider = p
	}
	for p, key := range f.keys {
		if changed(string(p)+"-key") && key != nil {
			in.APIKeys[p] = *key
		}
	}
	for _, name := range f.clear {
		p, err := models.ParseProvider(name)
		if err != nil {
			return models.SettingsInput{}, fmt.Errorf("--clear-key: %w", err)
		}
		delete(in.APIKeys, p)
	}
	if changed("cache-enabled") {
		in.CacheEnabled = f.cacheEnabled
	}
	if changed("rpm") {
		in.RequestsPerMinute = f.rpm
	}
	return in, nil
}

func writeSettings(w io.Writer, s models.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
