package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/edgefleet/shadowd/internal/cloud"
)

// RetryConfig bounds the in-place retry loop around one request
// execution.
type RetryConfig struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is the first-pass policy for a freshly dequeued
// request.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialInterval: 3 * time.Second,
	MaxInterval:     60 * time.Second,
}

// FailedRetryConfig is the slower policy for a request that already
// exhausted the default policy once and came back unchanged.
var FailedRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialInterval: 30 * time.Second,
	MaxInterval:     120 * time.Second,
}

// Retryer executes a request with exponential backoff and jitter.
// Only failures marked ErrRetryable are retried; everything else
// surfaces immediately.
type Retryer struct {
	logger *slog.Logger
}

// NewRetryer creates a Retryer.
func NewRetryer(logger *slog.Logger) *Retryer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Retryer{logger: logger}
}

// Run executes r under cfg. A necessity check runs once up front;
// unnecessary requests succeed without executing. Returns the last
// execution error once attempts are exhausted, or the context error if
// canceled mid-backoff.
func (rt *Retryer) Run(ctx context.Context, cfg RetryConfig, sc *SyncContext, r Request) error {
	necessary, err := r.IsUpdateNecessary(ctx, sc)
	if err != nil {
		return err
	}

	if !necessary {
		rt.logger.Debug("sync request not necessary",
			slog.String("shadow", r.Key().String()),
			slog.String("kind", string(r.Kind())),
		)

		return nil
	}

	backoff := retry.NewExponential(cfg.InitialInterval)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(cfg.MaxInterval, backoff)
	backoff = retry.WithMaxRetries(cfg.MaxAttempts-1, backoff)

	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		err := r.Execute(ctx, sc)
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrRetryable) && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("sync request failed, will retry",
				slog.String("shadow", r.Key().String()),
				slog.String("kind", string(r.Kind())),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			// A throttled service names its own delay; wait it out here
			// so the exponential schedule only adds its jitter on top.
			if delay, ok := cloud.RetryAfterHint(err); ok {
				if waitErr := waitRetryAfter(ctx, delay); waitErr != nil {
					return waitErr
				}
			}

			return retry.RetryableError(err)
		}

		return err
	})
}

// waitRetryAfter sleeps for the service-requested delay or until the
// context is canceled.
func waitRetryAfter(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
