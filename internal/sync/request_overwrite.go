package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgefleet/shadowd/internal/cloud"
	"github.com/edgefleet/shadowd/internal/shadow"
)

// IsUpdateNecessary for OverwriteCloud: always. The point of an
// overwrite is to force the target side regardless of sync state.
func (r *OverwriteCloudRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	return true, nil
}

// Execute forces the cloud copy to match local state, discarding
// whatever the cloud holds. A missing local shadow deletes the cloud
// copy.
func (r *OverwriteCloudRequest) Execute(ctx context.Context, sc *SyncContext) error {
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

	cloudDoc, err := fetchCloudShadow(ctx, sc, r.key)
	if err != nil {
		return err
	}

	now := sc.now().Unix()

	if local == nil {
		if cloudDoc != nil {
			if err := sc.acquireOutbound(ctx); err != nil {
				return err
			}

			if err := sc.Cloud.DeleteThingShadow(ctx, r.key); err != nil && !errors.Is(err, cloud.ErrNotFound) {
				return classifyCloudError(err)
			}

			info.CloudVersion = cloudDoc.Version + 1
		}

		info.CloudDeleted = true
		info.LastSyncedDocument = nil
		info.LastSyncTime = now

		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("cloud shadow overwritten by local delete",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	var cloudVersion int64
	if cloudDoc != nil {
		cloudVersion = cloudDoc.Version
	}

	payload, err := cloudUpdatePayload(local.doc.State, cloudVersion)
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

	info.CloudVersion = responseVersion(resp, cloudVersion+1)
	info.LocalVersion = local.version
	info.LastSyncedDocument = lastSyncedBytes(local.doc, local.version)
	info.CloudDeleted = false
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("cloud shadow overwritten from local",
		slog.String("shadow", r.key.String()),
		slog.Int64("cloud_version", info.CloudVersion),
	)

	return nil
}

// IsUpdateNecessary for OverwriteLocal: always, same as OverwriteCloud.
func (r *OverwriteLocalRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	return true, nil
}

// Execute forces the local copy to match cloud state, discarding local
// edits. A missing cloud shadow deletes the local copy.
func (r *OverwriteLocalRequest) Execute(ctx context.Context, sc *SyncContext) error {
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

	cloudDoc, err := fetchCloudShadow(ctx, sc, r.key)
	if err != nil {
		return err
	}

	now := sc.now().Unix()

	if cloudDoc == nil {
		if local != nil {
			if _, err := sc.Local.Delete(ctx, r.key); err != nil {
				return fmt.Errorf("%w: %w", ErrRetryable, err)
			}

			deletedLocal, ok, err := sc.DAO.GetDeletedShadowVersion(ctx, r.key)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrRetryable, err)
			}

			if !ok {
				deletedLocal = local.version + 1
			}

			info.LocalVersion = deletedLocal
		}

		info.CloudDeleted = true
		info.LastSyncedDocument = nil
		info.LastSyncTime = now

		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("local shadow overwritten by cloud delete",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	var newLocalVersion int64
	if local != nil && cloudDoc.Equal(local.doc) {
		newLocalVersion = local.version
	} else {
		var curDoc *shadow.Document
		nextVersion := info.LocalVersion + 1
		if local != nil {
			curDoc = local.doc
			nextVersion = local.version + 1
		}

		res, err := replaceLocal(ctx, sc, r.key, curDoc, cloudDoc, nextVersion)
		if err != nil {
			return err
		}

		newLocalVersion = res.Version
	}

	info.LocalVersion = newLocalVersion
	info.CloudVersion = cloudDoc.Version
	info.LastSyncedDocument = lastSyncedBytes(cloudDoc, newLocalVersion)
	info.CloudDeleted = false
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("local shadow overwritten from cloud",
		slog.String("shadow", r.key.String()),
		slog.Int64("local_version", newLocalVersion),
		slog.Int64("cloud_version", cloudDoc.Version),
	)

	return nil
}
