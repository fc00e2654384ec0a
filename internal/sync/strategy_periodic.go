package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// DefaultPeriodicInterval is the drain interval when the config
// leaves it unset.
const DefaultPeriodicInterval = 300 * time.Second

// PeriodicStrategy lets requests accumulate and coalesce in the
// queue, then drains everything queued on a fixed interval. A drain
// still in progress when the next tick fires is not overlapped.
type PeriodicStrategy struct {
	exec     *executor
	interval time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	draining atomic.Bool
	stopOnce stdsync.Once
}

// NewPeriodicStrategy creates a periodic strategy over the shared
// queue. Non-positive interval falls back to DefaultPeriodicInterval.
func NewPeriodicStrategy(queue *RequestQueue, sc *SyncContext, interval time.Duration, logger *slog.Logger) *PeriodicStrategy {
	if interval <= 0 {
		interval = DefaultPeriodicInterval
	}

	return &PeriodicStrategy{
		exec:     newExecutor(queue, sc, logger),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the ticker loop. The first drain runs after one full
// interval; startup reconciliation is the facade's job, not the
// ticker's.
func (s *PeriodicStrategy) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.run(ctx)

	s.exec.logger.Info("periodic sync started",
		slog.Duration("interval", s.interval),
	)

	return nil
}

// Stop cancels the ticker loop and waits for a running drain.
func (s *PeriodicStrategy) Stop() {
	if s.cancel == nil {
		return
	}

	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		s.exec.logger.Info("periodic sync stopped")
	})
}

func (s *PeriodicStrategy) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain executes every request queued at the moment of the tick.
func (s *PeriodicStrategy) drain(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	count := 0
	for ctx.Err() == nil {
		r, ok := s.exec.queue.Poll()
		if !ok {
			break
		}

		s.exec.handle(ctx, r)
		count++
	}

	if count > 0 {
		s.exec.logger.Debug("periodic drain complete",
			slog.Int("requests", count),
		)
	}
}
