package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/pario-ai/callopt/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "REDACTED"

func newConfigCmd(configPath *string) *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !showSecrets {
				redact(cfg)
			}

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print API keys in clear")
	return cmd
}

func redact(cfg *config.Config) {
	cfg.Providers = slices.Clone(cfg.Providers)
	for i := range cfg.Providers {
		if cfg.Providers[i].APIKey != "" {
			cfg.Providers[i].APIKey = redacted
		}
	}
	keys := make([]string, len(cfg.Server.APIKeys))
	for i := range keys {
		keys[i] = redacted
	}
	cfg.Server.APIKeys = keys
}
