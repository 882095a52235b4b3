package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a random master key for CONTENTFLOW_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKey(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "number of random bytes")
	return cmd
}

func generateKey(size int) (string, error) {
	if size < 16 {
		return "", fmt.Errorf("--bytes must be at least 16")
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
