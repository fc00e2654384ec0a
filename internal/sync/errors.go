package sync

import (
	"errors"
	"fmt"

	"github.com/edgefleet/shadowd/internal/cloud"
)

// Error classes for request execution. The strategy loop and the
// retryer pattern-match on these with errors.Is.
var (
	// ErrRetryable marks a transient failure; the retryer backs off
	// and tries again.
	ErrRetryable = errors.New("sync: retryable failure")
	// ErrSkip marks a failure that is permanent for this specific
	// request; it is logged and dropped.
	ErrSkip = errors.New("sync: request skipped")
	// ErrConflict marks diverged cloud/local versions; the strategy
	// substitutes a full sync for the same shadow.
	ErrConflict = errors.New("sync: version conflict")
	// ErrUnknownShadow marks missing sync metadata; the strategy
	// substitutes a full sync for the same shadow.
	ErrUnknownShadow = errors.New("sync: shadow not configured for sync")
	// ErrVersionMismatch is the local optimistic-concurrency failure
	// surfaced to IPC callers as a 409.
	ErrVersionMismatch = errors.New("sync: local version mismatch")
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("sync: request queue closed")
)

// classifyCloudError maps a cloud client error onto the engine's
// error classes. Conflicts escalate, transient failures retry,
// everything else is skipped.
func classifyCloudError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cloud.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case cloud.IsRetryable(err):
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	default:
		return fmt.Errorf("%w: %w", ErrSkip, err)
	}
}
