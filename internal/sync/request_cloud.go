package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgefleet/shadowd/internal/cloud"
)

// IsUpdateNecessary for CloudUpdate: unnecessary when the local
// version is already reflected in sync info, meaning a full sync or a
// later update beat this request to the cloud.
func (r *CloudUpdateRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	stored, err := sc.DAO.GetShadowThing(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if stored == nil {
		return false, nil
	}

	return stored.Version > info.LocalVersion, nil
}

// Execute pushes the local shadow's current state to the cloud at the
// synced cloud version. A version clash surfaces as Conflict so the
// caller escalates to a full sync.
func (r *CloudUpdateRequest) Execute(ctx context.Context, sc *SyncContext) error {
	unlock := sc.Locks.Lock(r.key)
	defer unlock()

	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	local, err := loadLocalShadow(ctx, sc, r.key)
	if err != nil {
		return err
	}

	if local == nil {
		// Deleted locally since the update was queued; the delete's own
		// request settles the cloud side.
		sc.Logger.Debug("cloud update dropped, local shadow gone",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	payload, err := cloudUpdatePayload(local.doc.State, info.CloudVersion)
	if err != nil {
		return err
	}

	if err := sc.acquireOutbound(ctx); err != nil {
		return err
	}

	resp, err := sc.Cloud.UpdateThingShadow(ctx, r.key, payload)
	if err != nil {
		return classifyCloudError(err)
	}

	now := sc.now().Unix()
	info.CloudVersion = responseVersion(resp, info.CloudVersion+1)
	info.LocalVersion = local.version
	info.LastSyncedDocument = lastSyncedBytes(local.doc, local.version)
	info.CloudDeleted = false
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("local update pushed to cloud",
		slog.String("shadow", r.key.String()),
		slog.Int64("local_version", info.LocalVersion),
		slog.Int64("cloud_version", info.CloudVersion),
	)

	return nil
}

// IsUpdateNecessary for CloudDelete: unnecessary once sync info
// records the cloud copy as deleted.
func (r *CloudDeleteRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	return !info.CloudDeleted, nil
}

// Execute deletes the cloud shadow after a local delete. A cloud-side
// 404 counts as success: the copy is gone either way.
func (r *CloudDeleteRequest) Execute(ctx context.Context, sc *SyncContext) error {
	unlock := sc.Locks.Lock(r.key)
	defer unlock()

	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	if info.CloudDeleted {
		return nil
	}

	if err := sc.acquireOutbound(ctx); err != nil {
		return err
	}

	if err := sc.Cloud.DeleteThingShadow(ctx, r.key); err != nil && !errors.Is(err, cloud.ErrNotFound) {
		return classifyCloudError(err)
	}

	deletedLocal, ok, err := sc.DAO.GetDeletedShadowVersion(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if !ok {
		// No tombstone recorded; the delete still bumped the local
		// document version past the last synced one.
		deletedLocal = info.LocalVersion + 1
	}

	info.LocalVersion = deletedLocal
	info.CloudVersion++
	info.CloudDeleted = true
	info.LastSyncedDocument = nil
	info.LastSyncTime = sc.now().Unix()

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("local delete pushed to cloud",
		slog.String("shadow", r.key.String()),
		slog.Int64("cloud_version", info.CloudVersion),
	)

	return nil
}
