package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Strategy schedules execution of queued sync requests. Start spawns
// the scheduling loops and returns; Stop cancels them and waits for
// in-flight work to finish. The queue outlives strategies: a swap
// stops one strategy and starts another over the same queue, so
// pending requests carry across.
type Strategy interface {
	Start(ctx context.Context) error
	Stop()
}

// executor runs one dequeued request to completion, including the
// failure ladder: transient failures retry in place, an exhausted
// request goes back to the queue and gets the slower policy if it
// comes straight back, and diverged shadows are rebuilt by a
// substituted full sync.
type executor struct {
	queue   *RequestQueue
	sc      *SyncContext
	retryer *Retryer
	logger  *slog.Logger
}

func newExecutor(queue *RequestQueue, sc *SyncContext, logger *slog.Logger) *executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &executor{
		queue:   queue,
		sc:      sc,
		retryer: NewRetryer(logger),
		logger:  logger,
	}
}

// handle processes r and any request it chains into via the queue.
func (e *executor) handle(ctx context.Context, r Request) {
	cfg := DefaultRetryConfig

	for r != nil {
		err := e.retryer.Run(ctx, cfg, e.sc, r)

		switch {
		case err == nil:
			return

		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			// Interrupted mid-flight; put the work back so it survives
			// a strategy swap or the next startup.
			e.requeue(r)
			return

		case errors.Is(err, ErrUnknownShadow) && r.Kind() == KindFullSync:
			// A full sync for an unconfigured shadow cannot make
			// progress; the entry was removed from the synced set.
			e.logger.Debug("dropping request for unsynced shadow",
				slog.String("shadow", r.Key().String()),
			)

			return

		case errors.Is(err, ErrConflict) || errors.Is(err, ErrUnknownShadow):
			e.logger.Info("shadow diverged, scheduling full sync",
				slog.String("shadow", r.Key().String()),
				slog.String("kind", string(r.Kind())),
				slog.String("error", err.Error()),
			)

			next, qerr := e.queue.OfferAndTake(NewFullSyncRequest(r.Key()))
			if qerr != nil {
				return
			}

			r, cfg = next, DefaultRetryConfig

		case errors.Is(err, ErrRetryable):
			// Retries exhausted. Push the request back while taking the
			// next one; getting the same request straight back means the
			// queue had nothing newer, so slow down.
			next, qerr := e.queue.OfferAndTake(r)
			if qerr != nil {
				return
			}

			if next == r {
				e.logger.Warn("sync request still failing, switching to slow retry",
					slog.String("shadow", r.Key().String()),
					slog.String("kind", string(r.Kind())),
				)

				cfg = FailedRetryConfig
				continue
			}

			r, cfg = next, DefaultRetryConfig

		default:
			e.logger.Error("sync request dropped",
				slog.String("shadow", r.Key().String()),
				slog.String("kind", string(r.Kind())),
				slog.String("error", err.Error()),
			)

			return
		}
	}
}

// requeue puts an interrupted request back, best effort. A closed
// queue means the service is shutting down; startup reconciliation
// covers the loss.
func (e *executor) requeue(r Request) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := e.queue.Put(ctx, r); err != nil {
		e.logger.Debug("interrupted request not requeued",
			slog.String("shadow", r.Key().String()),
			slog.String("error", err.Error()),
		)
	}
}
