package sync

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultRealTimeWorkers is the worker count when the config leaves
// it unset.
const DefaultRealTimeWorkers = 4

// RealTimeStrategy executes requests as soon as they are queued: a
// fixed pool of workers blocks on the queue and runs whatever comes
// out. Per-shadow locks serialize conflicting work, so two workers
// never race on the same shadow.
type RealTimeStrategy struct {
	exec    *executor
	workers int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRealTimeStrategy creates a real-time strategy over the shared
// queue. Non-positive workers falls back to DefaultRealTimeWorkers.
func NewRealTimeStrategy(queue *RequestQueue, sc *SyncContext, workers int, logger *slog.Logger) *RealTimeStrategy {
	if workers <= 0 {
		workers = DefaultRealTimeWorkers
	}

	return &RealTimeStrategy{
		exec:    newExecutor(queue, sc, logger),
		workers: workers,
	}
}

// Start launches the worker pool.
func (s *RealTimeStrategy) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		s.group.Go(func() error {
			return s.worker(ctx)
		})
	}

	s.exec.logger.Info("real-time sync started",
		slog.Int("workers", s.workers),
	)

	return nil
}

// Stop cancels the workers and waits for in-flight requests.
func (s *RealTimeStrategy) Stop() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	_ = s.group.Wait()

	s.exec.logger.Info("real-time sync stopped")
}

func (s *RealTimeStrategy) worker(ctx context.Context) error {
	for {
		r, err := s.exec.queue.Take(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		s.exec.handle(ctx, r)
	}
}
