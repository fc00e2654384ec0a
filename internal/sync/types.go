// Package sync implements the shadow synchronization engine: the
// deduplicating request queue, request coalescing, the sync request
// variants and their reconciliation logic, retry policy, and the
// real-time and periodic scheduling strategies.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// Kind tags a sync request variant.
type Kind string

// Request kinds.
const (
	KindLocalUpdate    Kind = "localUpdate"
	KindLocalDelete    Kind = "localDelete"
	KindCloudUpdate    Kind = "cloudUpdate"
	KindCloudDelete    Kind = "cloudDelete"
	KindFullSync       Kind = "fullSync"
	KindOverwriteCloud Kind = "overwriteCloud"
	KindOverwriteLocal Kind = "overwriteLocal"
	KindMergedFullSync Kind = "mergedFullSync"
)

// isCloudSide reports whether a kind propagates device state toward
// the cloud. Used by direction gating and merged-request reduction.
func (k Kind) isCloudSide() bool {
	return k == KindCloudUpdate || k == KindCloudDelete || k == KindOverwriteCloud
}

// isLocalSide reports whether a kind propagates cloud state toward
// the device.
func (k Kind) isLocalSide() bool {
	return k == KindLocalUpdate || k == KindLocalDelete || k == KindOverwriteLocal
}

// Direction is the configured sync direction policy.
type Direction string

// Sync directions.
const (
	DirectionBetweenDeviceAndCloud Direction = "betweenDeviceAndCloud"
	DirectionDeviceToCloud         Direction = "deviceToCloud"
	DirectionCloudToDevice         Direction = "cloudToDevice"
)

// allows reports whether a request kind may be enqueued under this
// direction. Full syncs are always allowed; they are explicit
// reconciliation, not propagation.
func (d Direction) allows(k Kind) bool {
	switch d {
	case DirectionDeviceToCloud:
		return k == KindFullSync || k == KindMergedFullSync || !k.isLocalSide()
	case DirectionCloudToDevice:
		return k == KindFullSync || k == KindMergedFullSync || !k.isCloudSide()
	default:
		return true
	}
}

// DAO is the storage surface the engine needs. Satisfied by
// *store.Store.
type DAO interface {
	GetShadowThing(ctx context.Context, key shadow.Key) (*store.StoredDocument, error)
	UpdateShadowThing(ctx context.Context, key shadow.Key, payload []byte, version int64) ([]byte, error)
	DeleteShadowThing(ctx context.Context, key shadow.Key) (*store.StoredDocument, error)
	GetDeletedShadowVersion(ctx context.Context, key shadow.Key) (int64, bool, error)
	GetShadowSyncInformation(ctx context.Context, key shadow.Key) (*store.SyncInfo, error)
	UpdateSyncInformation(ctx context.Context, info *store.SyncInfo) error
	InsertSyncInfoIfNotExists(ctx context.Context, info *store.SyncInfo) (bool, error)
	DeleteSyncInformation(ctx context.Context, key shadow.Key) (bool, error)
	ListSyncedShadows(ctx context.Context) ([]shadow.Key, error)
}

// CloudClient performs the remote shadow service calls. Satisfied by
// *cloud.Client.
type CloudClient interface {
	GetThingShadow(ctx context.Context, key shadow.Key) ([]byte, error)
	UpdateThingShadow(ctx context.Context, key shadow.Key, payload []byte) ([]byte, error)
	DeleteThingShadow(ctx context.Context, key shadow.Key) error
}

// OutboundLimiter gates outbound cloud calls. Satisfied by
// *ratelimit.Limiter.
type OutboundLimiter interface {
	AcquireOutbound(ctx context.Context) error
}

// SyncContext bundles the collaborators a request needs to execute.
// It flows one way, from the service wiring into the strategy and
// down to each request; requests never reach back into the facade.
type SyncContext struct {
	DAO      DAO
	Cloud    CloudClient
	Outbound OutboundLimiter // nil means unlimited
	Locks    *KeyLocks
	Local    *LocalWriter
	Logger   *slog.Logger

	nowFunc func() time.Time
}

// NewSyncContext builds a SyncContext. The per-shadow locks and the
// local writer are created here so IPC handlers can share them.
func NewSyncContext(dao DAO, cloudClient CloudClient, outbound OutboundLimiter, logger *slog.Logger) *SyncContext {
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncContext{
		DAO:      dao,
		Cloud:    cloudClient,
		Outbound: outbound,
		Locks:    NewKeyLocks(),
		Local:    NewLocalWriter(dao, logger),
		Logger:   logger,
		nowFunc:  time.Now,
	}
}

// now returns the current time, honoring the injected clock.
func (sc *SyncContext) now() time.Time {
	if sc.nowFunc != nil {
		return sc.nowFunc()
	}

	return time.Now()
}

// acquireOutbound consumes an outbound permit if a limiter is set.
func (sc *SyncContext) acquireOutbound(ctx context.Context) error {
	if sc.Outbound == nil {
		return nil
	}

	return sc.Outbound.AcquireOutbound(ctx)
}

// Request is one unit of sync work for a single (thing, shadow).
// Requests are owned by the queue until dequeued and by the
// executing worker afterwards.
type Request interface {
	// Key identifies the shadow this request reconciles.
	Key() shadow.Key
	// Kind tags the variant for merging and direction gating.
	Kind() Kind
	// IsUpdateNecessary reports whether executing would change
	// anything. It may opportunistically advance sync metadata when
	// the intended effect is already reflected.
	IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error)
	// Execute runs the reconciliation under the per-shadow lock.
	Execute(ctx context.Context, sc *SyncContext) error
}
