package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// SQL statements for sync metadata operations.
const (
	sqlGetSyncInfo = `SELECT last_synced_document, cloud_version, local_version,
		cloud_update_time, last_sync_time, cloud_deleted
		FROM sync WHERE thing_name = ? AND shadow_name = ?`

	sqlUpsertSyncInfo = `INSERT INTO sync
		(thing_name, shadow_name, last_synced_document, cloud_version,
		 local_version, cloud_update_time, last_sync_time, cloud_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thing_name, shadow_name) DO UPDATE SET
		 last_synced_document = excluded.last_synced_document,
		 cloud_version = excluded.cloud_version,
		 local_version = excluded.local_version,
		 cloud_update_time = excluded.cloud_update_time,
		 last_sync_time = excluded.last_sync_time,
		 cloud_deleted = excluded.cloud_deleted`

	sqlInsertSyncInfo = `INSERT INTO sync
		(thing_name, shadow_name, last_synced_document, cloud_version,
		 local_version, cloud_update_time, last_sync_time, cloud_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thing_name, shadow_name) DO NOTHING`

	sqlDeleteSyncInfo = `DELETE FROM sync WHERE thing_name = ? AND shadow_name = ?`

	sqlListSyncedShadows = `SELECT thing_name, shadow_name FROM sync
		ORDER BY thing_name, shadow_name`
)

// SyncInfo is the per-shadow record of the last successful
// reconciliation. CloudDeleted true implies LastSyncedDocument nil.
type SyncInfo struct {
	Key                shadow.Key
	LastSyncedDocument []byte
	CloudVersion       int64
	LocalVersion       int64
	CloudUpdateTime    int64
	LastSyncTime       int64
	CloudDeleted       bool
}

// GetShadowSyncInformation returns the sync record for a key, or
// (nil, nil) when the shadow is not under sync configuration.
func (s *Store) GetShadowSyncInformation(ctx context.Context, key shadow.Key) (*SyncInfo, error) {
	var (
		info    = SyncInfo{Key: key}
		deleted int64
		doc     []byte
	)

	err := s.db.QueryRowContext(ctx, sqlGetSyncInfo, key.ThingName, key.ShadowName).
		Scan(&doc, &info.CloudVersion, &info.LocalVersion,
			&info.CloudUpdateTime, &info.LastSyncTime, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting sync info %s: %w", key, err)
	}

	info.LastSyncedDocument = doc
	info.CloudDeleted = deleted != 0

	return &info, nil
}

// UpdateSyncInformation upserts a sync record, stamping LastSyncTime
// if the caller left it zero.
func (s *Store) UpdateSyncInformation(ctx context.Context, info *SyncInfo) error {
	if info.CloudDeleted && info.LastSyncedDocument != nil {
		return fmt.Errorf("store: sync info %s: cloud-deleted record must not carry a document", info.Key)
	}

	lastSync := info.LastSyncTime
	if lastSync == 0 {
		lastSync = s.nowFunc().Unix()
	}

	_, err := s.db.ExecContext(ctx, sqlUpsertSyncInfo,
		info.Key.ThingName, info.Key.ShadowName, info.LastSyncedDocument,
		info.CloudVersion, info.LocalVersion, info.CloudUpdateTime,
		lastSync, boolToInt(info.CloudDeleted))
	if err != nil {
		return fmt.Errorf("store: updating sync info %s: %w", info.Key, err)
	}

	return nil
}

// InsertSyncInfoIfNotExists inserts a sync record only when the key
// has none, reporting whether a row was inserted. Used when a shadow
// first enters the sync configuration (versions start at zero).
func (s *Store) InsertSyncInfoIfNotExists(ctx context.Context, info *SyncInfo) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlInsertSyncInfo,
		info.Key.ThingName, info.Key.ShadowName, info.LastSyncedDocument,
		info.CloudVersion, info.LocalVersion, info.CloudUpdateTime,
		info.LastSyncTime, boolToInt(info.CloudDeleted))
	if err != nil {
		return false, fmt.Errorf("store: inserting sync info %s: %w", info.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: inserting sync info %s: %w", info.Key, err)
	}

	return n > 0, nil
}

// DeleteSyncInformation removes a sync record, reporting whether a
// row existed. Called when a shadow leaves the sync configuration.
func (s *Store) DeleteSyncInformation(ctx context.Context, key shadow.Key) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlDeleteSyncInfo, key.ThingName, key.ShadowName)
	if err != nil {
		return false, fmt.Errorf("store: deleting sync info %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: deleting sync info %s: %w", key, err)
	}

	return n > 0, nil
}

// ListSyncedShadows returns every key that has a sync record, in
// stable (thing, shadow) order.
func (s *Store) ListSyncedShadows(ctx context.Context) ([]shadow.Key, error) {
	rows, err := s.db.QueryContext(ctx, sqlListSyncedShadows)
	if err != nil {
		return nil, fmt.Errorf("store: listing synced shadows: %w", err)
	}
	defer rows.Close()

	var keys []shadow.Key

	for rows.Next() {
		var thing, name string
		if err := rows.Scan(&thing, &name); err != nil {
			return nil, fmt.Errorf("store: scanning synced shadow: %w", err)
		}

		keys = append(keys, shadow.Key{ThingName: thing, ShadowName: name})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating synced shadows: %w", err)
	}

	return keys, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
