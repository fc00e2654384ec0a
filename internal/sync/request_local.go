package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// IsUpdateNecessary for LocalUpdate: the update is unnecessary when
// its cloud version is already reflected in sync info. When the local
// state already matches a later cloud version, the cloud version in
// sync info is advanced opportunistically without touching the local
// document.
func (r *LocalUpdateRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	doc, err := shadow.ParseDocument(r.payload)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSkip, err)
	}

	if doc.Version <= info.CloudVersion {
		return false, nil
	}

	if base := lastSyncedBase(info); base != nil && doc.Equal(base) {
		info.CloudVersion = doc.Version
		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return false, fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("cloud version advanced without local write",
			slog.String("shadow", r.key.String()),
			slog.Int64("cloud_version", doc.Version),
		)

		return false, nil
	}

	return true, nil
}

// Execute applies a cloud document to the local shadow. The payload's
// version must be exactly one ahead of the synced cloud version;
// anything further ahead means a cloud update was missed and the
// caller escalates to a full sync.
func (r *LocalUpdateRequest) Execute(ctx context.Context, sc *SyncContext) error {
	unlock := sc.Locks.Lock(r.key)
	defer unlock()

	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	doc, err := shadow.ParseDocument(r.payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSkip, err)
	}

	cloudVersion := doc.Version

	switch {
	case cloudVersion <= info.CloudVersion:
		// Already reflected; nothing to do.
		sc.Logger.Debug("local update already subsumed",
			slog.String("shadow", r.key.String()),
			slog.Int64("payload_version", cloudVersion),
			slog.Int64("synced_cloud_version", info.CloudVersion),
		)

		return nil

	case cloudVersion == info.CloudVersion+1:
		res, err := sc.Local.Apply(ctx, r.key, doc, info.LocalVersion+1)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		now := sc.now().Unix()
		info.LocalVersion = res.Version
		info.CloudVersion = cloudVersion
		info.LastSyncedDocument = lastSyncedBytes(doc, res.Version)
		info.CloudDeleted = false
		info.CloudUpdateTime = now
		info.LastSyncTime = now

		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("cloud update applied locally",
			slog.String("shadow", r.key.String()),
			slog.Int64("local_version", res.Version),
			slog.Int64("cloud_version", cloudVersion),
		)

		return nil

	default:
		return fmt.Errorf("%w: shadow %s: cloud version %d skips past synced %d",
			ErrConflict, r.key, cloudVersion, info.CloudVersion)
	}
}

// IsUpdateNecessary for LocalDelete: unnecessary when the local copy
// is already gone and sync info records the cloud delete.
func (r *LocalDeleteRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	if !info.CloudDeleted {
		return true, nil
	}

	stored, err := sc.DAO.GetShadowThing(ctx, r.key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	return stored != nil, nil
}

// Execute removes the local shadow after a cloud-side delete.
// Deleting an already-absent shadow is a success: only the sync
// metadata needs to catch up.
func (r *LocalDeleteRequest) Execute(ctx context.Context, sc *SyncContext) error {
	unlock := sc.Locks.Lock(r.key)
	defer unlock()

	info, err := sc.DAO.GetShadowSyncInformation(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if info == nil {
		return fmt.Errorf("%w: %s", ErrUnknownShadow, r.key)
	}

	if _, err := sc.Local.Delete(ctx, r.key); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	deletedLocal, ok, err := sc.DAO.GetDeletedShadowVersion(ctx, r.key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if !ok {
		deletedLocal = info.LocalVersion + 1
	}

	deletedCloud := r.deletedCloudVersion
	if deletedCloud == 0 {
		deletedCloud = info.CloudVersion + 1
	}

	info.LocalVersion = deletedLocal
	info.CloudVersion = deletedCloud
	info.CloudDeleted = true
	info.LastSyncedDocument = nil
	info.LastSyncTime = sc.now().Unix()

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("cloud delete applied locally",
		slog.String("shadow", r.key.String()),
		slog.Int64("local_version", deletedLocal),
		slog.Int64("cloud_version", deletedCloud),
	)

	return nil
}
