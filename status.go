package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgefleet/shadowd/internal/config"
)

// newStatusCmd builds the `status` command: reports whether a daemon
// is running against the configured data directory.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(flagConfigPath)
			if err != nil {
				return err
			}

			return printStatus(cmd, pidFilePath(cfg))
		},
	}
}

func printStatus(cmd *cobra.Command, pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cmd.Println("shadowd is not running")
			return nil
		}

		return err
	}

	if !processAlive(pid) {
		cmd.Printf("shadowd is not running (stale PID file at %s)\n", pidPath)
		return nil
	}

	cmd.Printf("shadowd is running (PID %d)\n", pid)

	return nil
}
