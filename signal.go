package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first
// SIGINT/SIGTERM so the sync engine can drain queued shadow requests
// and close the store cleanly. A second signal skips the drain and
// exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		draining := false

		for {
			select {
			case sig := <-sigCh:
				if !draining {
					draining = true

					logger.Info("received signal, draining sync queue before exit",
						slog.String("signal", sig.String()),
					)
					cancel()

					continue
				}

				logger.Warn("received second signal, skipping drain",
					slog.String("signal", sig.String()),
				)
				os.Exit(1)
			case <-parent.Done():
				return
			}
		}
	}()

	return ctx
}
