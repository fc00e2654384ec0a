package main

import (
	"encoding/json"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/edgefleet/shadowd/internal/config"
)

// newConfigCmd builds the `config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigCheckCmd())

	return cmd
}

// newConfigShowCmd prints the effective configuration, defaults
// applied, as TOML (or JSON with --json).
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(flagConfigPath)
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(cfg)
			}

			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}

// newConfigCheckCmd validates the config file without starting the
// daemon, for use in deployment pipelines.
func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(flagConfigPath); err != nil {
				return err
			}

			cmd.Println("configuration is valid")

			return nil
		},
	}
}
