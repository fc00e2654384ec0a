// Command shadowd is the edge shadow synchronization daemon. It keeps
// per-device shadow documents in a local store, serves them to
// on-device components over a websocket IPC endpoint, and reconciles
// them with the cloud shadow service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/edgefleet/shadowd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// defaultConfigPath is where the daemon looks for its config file
// when --config is not given.
const defaultConfigPath = "/etc/shadowd/shadowd.toml"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "shadowd",
		Short:   "Edge shadow synchronization daemon",
		Long:    "Synchronizes device shadow documents between a local store and the cloud shadow service.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath, "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newVersionCmd prints the build version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shadowd version",
		Run: func(cmd *cobra.Command, _ []string) {
			if flagJSON {
				cmd.Printf("{\"version\":%q}\n", version)
				return
			}

			cmd.Printf("shadowd %s\n", version)
		},
	}
}

// buildLogger creates an slog.Logger from the logging config and CLI
// flags. The config file provides the baseline; --verbose and --quiet
// override it because CLI flags always win.
func buildLogger(cfg *config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// "auto" picks text on a terminal and JSON when running under a
	// supervisor that collects structured logs.
	format := cfg.Format
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
