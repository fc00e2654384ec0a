package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// SQL statements for document operations.
const (
	sqlGetDocument = `SELECT payload, version FROM documents
		WHERE thing_name = ? AND shadow_name = ? AND payload IS NOT NULL`

	sqlUpsertDocument = `INSERT INTO documents
		(thing_name, shadow_name, payload, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thing_name, shadow_name) DO UPDATE SET
		 payload = excluded.payload,
		 version = excluded.version,
		 updated_at = excluded.updated_at`

	sqlTombstoneDocument = `UPDATE documents
		SET payload = NULL, deleted_version = version, version = 0, updated_at = ?
		WHERE thing_name = ? AND shadow_name = ? AND payload IS NOT NULL`

	sqlGetDeletedVersion = `SELECT deleted_version FROM documents
		WHERE thing_name = ? AND shadow_name = ? AND deleted_version IS NOT NULL`

	sqlListNamedShadows = `SELECT shadow_name FROM documents
		WHERE thing_name = ? AND shadow_name != '' AND payload IS NOT NULL
		ORDER BY shadow_name`
)

// StoredDocument is a live shadow document row: the serialized
// payload plus the version column (kept denormalized for cheap
// version checks without parsing).
type StoredDocument struct {
	Payload []byte
	Version int64
}

// GetShadowThing returns the live document for a key, or (nil, nil)
// if the shadow does not exist or has been deleted.
func (s *Store) GetShadowThing(ctx context.Context, key shadow.Key) (*StoredDocument, error) {
	var (
		payload []byte
		version int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetDocument, key.ThingName, key.ShadowName).
		Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting document %s: %w", key, err)
	}

	return &StoredDocument{Payload: payload, Version: version}, nil
}

// UpdateShadowThing writes a document payload at the given version,
// returning the previous payload (nil if the shadow was absent).
// Version bookkeeping is the caller's responsibility; the store only
// records what it is given.
func (s *Store) UpdateShadowThing(ctx context.Context, key shadow.Key, payload []byte, version int64) ([]byte, error) {
	prev, err := s.GetShadowThing(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().Unix()

	_, err = s.db.ExecContext(ctx, sqlUpsertDocument,
		key.ThingName, key.ShadowName, payload, version, now)
	if err != nil {
		return nil, fmt.Errorf("store: updating document %s: %w", key, err)
	}

	s.logger.Debug("document updated",
		slog.String("shadow", key.String()),
		slog.Int64("version", version),
	)

	if prev == nil {
		return nil, nil
	}

	return prev.Payload, nil
}

// DeleteShadowThing tombstones a live document, retaining its version
// as the deleted version for later reconciliation. Returns the
// document that was deleted, or nil if the shadow was already absent.
func (s *Store) DeleteShadowThing(ctx context.Context, key shadow.Key) (*StoredDocument, error) {
	prev, err := s.GetShadowThing(ctx, key)
	if err != nil {
		return nil, err
	}

	if prev == nil {
		return nil, nil
	}

	now := s.nowFunc().Unix()

	if _, err := s.db.ExecContext(ctx, sqlTombstoneDocument, now, key.ThingName, key.ShadowName); err != nil {
		return nil, fmt.Errorf("store: deleting document %s: %w", key, err)
	}

	s.logger.Debug("document deleted",
		slog.String("shadow", key.String()),
		slog.Int64("deleted_version", prev.Version),
	)

	return prev, nil
}

// GetDeletedShadowVersion returns the version a shadow had when it
// was last deleted, or (0, false) if the shadow was never deleted.
func (s *Store) GetDeletedShadowVersion(ctx context.Context, key shadow.Key) (int64, bool, error) {
	var v int64

	err := s.db.QueryRowContext(ctx, sqlGetDeletedVersion, key.ThingName, key.ShadowName).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("store: getting deleted version %s: %w", key, err)
	}

	return v, true, nil
}

// ListNamedShadowsForThing returns the live named shadows of a thing,
// sorted by name. The classic shadow is never included. Negative
// offset or limit are ignored (the full window from zero applies);
// an offset at or past the end returns an empty slice.
func (s *Store) ListNamedShadowsForThing(ctx context.Context, thingName string, offset, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListNamedShadows, thingName)
	if err != nil {
		return nil, fmt.Errorf("store: listing named shadows for %s: %w", thingName, err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scanning shadow name: %w", err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating shadow names: %w", err)
	}

	// Windowing in code keeps the negative-means-ignored rule out of SQL.
	if offset < 0 {
		offset = 0
	}

	if offset >= len(names) {
		return []string{}, nil
	}

	names = names[offset:]

	if limit >= 0 && limit < len(names) {
		names = names[:limit]
	}

	return names, nil
}
