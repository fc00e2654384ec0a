package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// Handler is the engine facade. Producers (MQTT listener, IPC
// handlers, the service lifecycle) push work through it; it gates by
// sync direction and the configured shadow set, then queues. It also
// owns the running strategy and supports swapping it without losing
// queued work.
type Handler struct {
	mu stdsync.Mutex

	queue *RequestQueue
	sc    *SyncContext

	direction Direction
	synced    map[shadow.Key]struct{}
	strategy  Strategy
	logger    *slog.Logger
}

// NewHandler creates the facade with an empty synced set and
// bidirectional syncing.
func NewHandler(sc *SyncContext, queueCapacity int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		queue:     NewRequestQueue(queueCapacity),
		sc:        sc,
		direction: DirectionBetweenDeviceAndCloud,
		synced:    make(map[shadow.Key]struct{}),
		logger:    logger,
	}
}

// Queue exposes the request queue for strategy construction.
func (h *Handler) Queue() *RequestQueue {
	return h.queue
}

// PushLocalUpdate queues a cloud-accepted document for application to
// the local shadow.
func (h *Handler) PushLocalUpdate(ctx context.Context, key shadow.Key, payload []byte) error {
	return h.push(ctx, NewLocalUpdateRequest(key, payload))
}

// PushLocalDelete queues removal of the local shadow after a cloud
// delete. deletedCloudVersion may be zero when unknown.
func (h *Handler) PushLocalDelete(ctx context.Context, key shadow.Key, deletedCloudVersion int64) error {
	return h.push(ctx, NewLocalDeleteRequest(key, deletedCloudVersion))
}

// PushCloudUpdate queues propagation of a local update to the cloud.
func (h *Handler) PushCloudUpdate(ctx context.Context, key shadow.Key, update *shadow.Document) error {
	return h.push(ctx, NewCloudUpdateRequest(key, update))
}

// PushCloudDelete queues propagation of a local delete to the cloud.
func (h *Handler) PushCloudDelete(ctx context.Context, key shadow.Key) error {
	return h.push(ctx, NewCloudDeleteRequest(key))
}

// PushFullSync queues a full reconciliation for one shadow.
func (h *Handler) PushFullSync(ctx context.Context, key shadow.Key) error {
	return h.push(ctx, NewFullSyncRequest(key))
}

// PushOverwriteCloud queues a forced cloud overwrite from local state.
func (h *Handler) PushOverwriteCloud(ctx context.Context, key shadow.Key) error {
	return h.push(ctx, NewOverwriteCloudRequest(key))
}

// PushOverwriteLocal queues a forced local overwrite from cloud state.
func (h *Handler) PushOverwriteLocal(ctx context.Context, key shadow.Key) error {
	return h.push(ctx, NewOverwriteLocalRequest(key))
}

// push applies gating and enqueues. Requests for unconfigured shadows
// and requests the direction forbids are dropped silently; dropping is
// the correct outcome, not an error.
func (h *Handler) push(ctx context.Context, r Request) error {
	h.mu.Lock()
	_, configured := h.synced[r.Key()]
	direction := h.direction
	h.mu.Unlock()

	if !configured {
		h.logger.Debug("request dropped, shadow not configured for sync",
			slog.String("shadow", r.Key().String()),
			slog.String("kind", string(r.Kind())),
		)

		return nil
	}

	if !direction.allows(r.Kind()) {
		h.logger.Debug("request dropped by sync direction",
			slog.String("shadow", r.Key().String()),
			slog.String("kind", string(r.Kind())),
			slog.String("direction", string(direction)),
		)

		return nil
	}

	return h.queue.Put(ctx, r)
}

// FullSyncOnStartup queues a full sync for every configured shadow.
// Run once after the strategy starts, and again whenever cloud
// connectivity returns.
func (h *Handler) FullSyncOnStartup(ctx context.Context) error {
	h.mu.Lock()
	keys := make([]shadow.Key, 0, len(h.synced))
	for key := range h.synced {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		if err := h.queue.Put(ctx, NewFullSyncRequest(key)); err != nil {
			return fmt.Errorf("sync: queue startup full sync: %w", err)
		}
	}

	h.logger.Info("startup full sync queued",
		slog.Int("shadows", len(keys)),
	)

	return nil
}

// SetDirection changes the gating policy. Loosening the direction may
// expose drift that gating previously suppressed, so every configured
// shadow gets a full sync.
func (h *Handler) SetDirection(ctx context.Context, d Direction) error {
	h.mu.Lock()
	changed := h.direction != d
	h.direction = d
	h.mu.Unlock()

	if !changed {
		return nil
	}

	h.logger.Info("sync direction changed",
		slog.String("direction", string(d)),
	)

	return h.FullSyncOnStartup(ctx)
}

// SetStrategy swaps the scheduling strategy. The queue is shared, so
// pending requests survive the swap. A nil previous strategy means
// first start.
func (h *Handler) SetStrategy(ctx context.Context, s Strategy) error {
	h.mu.Lock()
	previous := h.strategy
	h.strategy = s
	h.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}

	if s == nil {
		return nil
	}

	return s.Start(ctx)
}

// SetSyncedShadows reconciles the configured shadow set. Added shadows
// get sync info rows and a startup full sync; removed shadows lose
// their sync info, and any queued work for them dies with an
// unknown-shadow error at execution.
func (h *Handler) SetSyncedShadows(ctx context.Context, keys []shadow.Key) error {
	next := make(map[shadow.Key]struct{}, len(keys))
	for _, key := range keys {
		next[key] = struct{}{}
	}

	h.mu.Lock()
	previous := h.synced
	h.synced = next
	h.mu.Unlock()

	for _, key := range keys {
		if _, ok := previous[key]; ok {
			continue
		}

		inserted, err := h.sc.DAO.InsertSyncInfoIfNotExists(ctx, &store.SyncInfo{Key: key})
		if err != nil {
			return fmt.Errorf("sync: register shadow %s: %w", key, err)
		}

		if inserted {
			h.logger.Debug("shadow registered for sync",
				slog.String("shadow", key.String()),
			)
		}

		if err := h.queue.Put(ctx, NewFullSyncRequest(key)); err != nil {
			return fmt.Errorf("sync: queue full sync for %s: %w", key, err)
		}
	}

	for key := range previous {
		if _, ok := next[key]; ok {
			continue
		}

		if _, err := h.sc.DAO.DeleteSyncInformation(ctx, key); err != nil {
			return fmt.Errorf("sync: deregister shadow %s: %w", key, err)
		}

		h.logger.Debug("shadow deregistered from sync",
			slog.String("shadow", key.String()),
		)
	}

	return nil
}

// Synced reports whether a shadow is configured for syncing.
func (h *Handler) Synced(key shadow.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.synced[key]

	return ok
}

// Stop shuts the engine down: the strategy first so workers stop
// consuming, then the queue to wake anything still blocked.
func (h *Handler) Stop() {
	h.mu.Lock()
	s := h.strategy
	h.strategy = nil
	h.mu.Unlock()

	if s != nil {
		s.Stop()
	}

	h.queue.Close()
}
