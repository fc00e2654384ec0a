package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/edgefleet/shadowd/internal/config"
	"github.com/edgefleet/shadowd/internal/service"
)

// newRunCmd builds the `run` command: the daemon itself.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the shadow synchronization daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parent context.Context) error {
	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return err
	}

	logger := buildLogger(&cfg.Logging)

	cleanup, err := writePIDFile(pidFilePath(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(parent, logger)

	holder := config.NewHolder(cfg, flagConfigPath)

	if err := service.New(holder, logger).Run(ctx); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}

	return nil
}

// pidFilePath derives the PID file location from the database path so
// both live in the daemon's data directory.
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Database.Path), "shadowd.pid")
}
