package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// IsUpdateNecessary for FullSync: always. A full sync that finds both
// sides already converged is itself the cheapest way to prove it.
func (r *FullSyncRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	return true, nil
}

// Execute reconciles local and cloud from scratch. Existence decides
// the shape of the work; when both sides exist, a three-way merge over
// the last-synced base converges them with local changes winning
// overlapping fields.
func (r *FullSyncRequest) Execute(ctx context.Context, sc *SyncContext) error {
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

	base := lastSyncedBase(info)

	switch {
	case local == nil && cloudDoc == nil:
		return r.syncBothAbsent(ctx, sc, info, base)
	case cloudDoc == nil:
		return r.syncCloudAbsent(ctx, sc, info, base, local)
	case local == nil:
		return r.syncLocalAbsent(ctx, sc, info, base, cloudDoc)
	default:
		return r.syncBothPresent(ctx, sc, info, base, local, cloudDoc)
	}
}

// syncBothAbsent settles sync info when neither side has a document.
// If the pair had synced before, both deletes are now acknowledged.
func (r *FullSyncRequest) syncBothAbsent(ctx context.Context, sc *SyncContext, info *store.SyncInfo, base *shadow.Document) error {
	if base != nil {
		deletedLocal, ok, err := sc.DAO.GetDeletedShadowVersion(ctx, r.key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		if ok {
			info.LocalVersion = deletedLocal
		}

		info.CloudVersion++
		info.CloudDeleted = true
		info.LastSyncedDocument = nil
	}

	info.LastSyncTime = sc.now().Unix()
	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("full sync: both sides absent",
		slog.String("shadow", r.key.String()),
	)

	return nil
}

// syncCloudAbsent handles a missing cloud document. A prior sync with
// no local edits since means the cloud copy was deleted, so the local
// copy follows; a local document that is new or carries unsynced
// edits is pushed to the cloud instead.
func (r *FullSyncRequest) syncCloudAbsent(ctx context.Context, sc *SyncContext, info *store.SyncInfo, base *shadow.Document, local *localShadow) error {
	if base != nil && local.version == info.LocalVersion {
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

		now := sc.now().Unix()
		info.LocalVersion = deletedLocal
		info.CloudVersion++
		info.CloudDeleted = true
		info.LastSyncedDocument = nil
		info.LastSyncTime = now

		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("full sync: cloud delete applied locally",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	// With a base, the cloud copy is gone and this recreates it: no
	// expected version. Without one the shadow never synced and the
	// stored cloud version (usually zero) applies.
	expectedVersion := info.CloudVersion
	if base != nil {
		expectedVersion = 0
	}

	payload, err := cloudUpdatePayload(local.doc.State, expectedVersion)
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

	sc.Logger.Debug("full sync: local shadow created in cloud",
		slog.String("shadow", r.key.String()),
		slog.Int64("cloud_version", info.CloudVersion),
	)

	return nil
}

// syncLocalAbsent handles a missing local document. A prior sync with
// the cloud unchanged since means the local copy was deleted, so the
// cloud copy follows; a cloud document that is new or moved on since
// the last sync is written locally instead.
func (r *FullSyncRequest) syncLocalAbsent(ctx context.Context, sc *SyncContext, info *store.SyncInfo, base *shadow.Document, cloudDoc *shadow.Document) error {
	if base != nil && cloudDoc.Version == info.CloudVersion {
		if err := sc.acquireOutbound(ctx); err != nil {
			return err
		}

		if err := sc.Cloud.DeleteThingShadow(ctx, r.key); err != nil {
			return classifyCloudError(err)
		}

		deletedLocal, ok, err := sc.DAO.GetDeletedShadowVersion(ctx, r.key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		if ok {
			info.LocalVersion = deletedLocal
		}

		info.CloudVersion = cloudDoc.Version + 1
		info.CloudDeleted = true
		info.LastSyncedDocument = nil
		info.LastSyncTime = sc.now().Unix()

		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		sc.Logger.Debug("full sync: local delete applied to cloud",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	res, err := replaceLocal(ctx, sc, r.key, nil, cloudDoc, info.LocalVersion+1)
	if err != nil {
		return err
	}

	now := sc.now().Unix()
	info.LocalVersion = res.Version
	info.CloudVersion = cloudDoc.Version
	info.LastSyncedDocument = lastSyncedBytes(cloudDoc, res.Version)
	info.CloudDeleted = false
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("full sync: cloud shadow created locally",
		slog.String("shadow", r.key.String()),
		slog.Int64("local_version", res.Version),
	)

	return nil
}

// syncBothPresent converges two live documents. Each side's changes
// since the base are computed as patches and layered onto the base,
// cloud first, so local edits win overlapping fields. A converged pair
// touches neither side.
func (r *FullSyncRequest) syncBothPresent(ctx context.Context, sc *SyncContext, info *store.SyncInfo, base *shadow.Document, local *localShadow, cloudDoc *shadow.Document) error {
	localChanged := local.version != info.LocalVersion
	cloudChanged := cloudDoc.Version != info.CloudVersion

	if !localChanged && !cloudChanged {
		info.LastSyncTime = sc.now().Unix()
		if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}

		return nil
	}

	var baseDesired, baseReported map[string]any
	if base != nil {
		baseDesired = base.State.Desired
		baseReported = base.State.Reported
	}

	merged := &shadow.Document{
		State: shadow.State{
			Desired: shadow.Merge(
				shadow.Merge(baseDesired, shadow.Diff(baseDesired, cloudDoc.State.Desired)),
				shadow.Diff(baseDesired, local.doc.State.Desired),
			),
			Reported: shadow.Merge(
				shadow.Merge(baseReported, shadow.Diff(baseReported, cloudDoc.State.Reported)),
				shadow.Diff(baseReported, local.doc.State.Reported),
			),
		},
	}
	merged.State.Delta = shadow.CalculateDelta(merged.State.Desired, merged.State.Reported)

	newLocalVersion := local.version
	if !merged.Equal(local.doc) {
		res, err := replaceLocal(ctx, sc, r.key, local.doc, merged, local.version+1)
		if err != nil {
			return err
		}

		newLocalVersion = res.Version
	}

	newCloudVersion := cloudDoc.Version
	if !merged.Equal(cloudDoc) {
		payload, err := cloudUpdatePayload(merged.State, cloudDoc.Version)
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

		newCloudVersion = responseVersion(resp, cloudDoc.Version+1)
	}

	now := sc.now().Unix()
	info.LocalVersion = newLocalVersion
	info.CloudVersion = newCloudVersion
	info.LastSyncedDocument = lastSyncedBytes(merged, newLocalVersion)
	info.CloudDeleted = false
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if err := sc.DAO.UpdateSyncInformation(ctx, info); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	sc.Logger.Debug("full sync: both sides converged",
		slog.String("shadow", r.key.String()),
		slog.Int64("local_version", newLocalVersion),
		slog.Int64("cloud_version", newCloudVersion),
	)

	return nil
}

// IsUpdateNecessary for MergedFullSync: necessary while any
// constituent still is.
func (r *MergedFullSyncRequest) IsUpdateNecessary(ctx context.Context, sc *SyncContext) (bool, error) {
	for _, part := range r.parts {
		necessary, err := part.IsUpdateNecessary(ctx, sc)
		if err != nil {
			return false, err
		}

		if necessary {
			return true, nil
		}
	}

	return false, nil
}

// Execute re-checks each constituent in arrival order and drops the
// ones already subsumed. If the survivors all point the same way they
// reduce to a single request; a genuinely two-sided remainder needs a
// full sync.
func (r *MergedFullSyncRequest) Execute(ctx context.Context, sc *SyncContext) error {
	live := make([]Request, 0, len(r.parts))
	for _, part := range r.parts {
		necessary, err := part.IsUpdateNecessary(ctx, sc)
		if err != nil {
			return err
		}

		if necessary {
			live = append(live, part)
		}
	}

	if len(live) == 0 {
		sc.Logger.Debug("merged sync fully subsumed",
			slog.String("shadow", r.key.String()),
		)

		return nil
	}

	if sameSided(live) {
		reduced := live[0]
		for _, part := range live[1:] {
			reduced = Merge(reduced, part)
		}

		if reduced.Kind() != KindMergedFullSync && reduced.Kind() != KindFullSync {
			return reduced.Execute(ctx, sc)
		}
	}

	return NewFullSyncRequest(r.key).Execute(ctx, sc)
}

// sameSided reports whether every request targets the same side.
func sameSided(rs []Request) bool {
	local := rs[0].Kind().isLocalSide()
	for _, r := range rs[1:] {
		if r.Kind().isLocalSide() != local {
			return false
		}
	}

	return true
}
