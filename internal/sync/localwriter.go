package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// LocalWriter applies shadow mutations to the local store with the
// document semantics shared by IPC handlers and the sync engine:
// state merge, delta recomputation, metadata stamping, and version
// accounting. Callers hold the per-shadow lock.
type LocalWriter struct {
	dao     DAO
	logger  *slog.Logger
	nowFunc func() time.Time
}

// LocalUpdateResult reports the outcome of a local write: the new
// document version and the serialized current document.
type LocalUpdateResult struct {
	Version  int64
	Document []byte
}

// NewLocalWriter creates a writer over the given DAO.
func NewLocalWriter(dao DAO, logger *slog.Logger) *LocalWriter {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalWriter{dao: dao, logger: logger, nowFunc: time.Now}
}

// Update merges an update document into the current local shadow with
// optimistic concurrency: a non-zero version in the update must match
// the current document version, otherwise ErrVersionMismatch. The new
// document's version is current+1 (1 on create).
func (w *LocalWriter) Update(ctx context.Context, key shadow.Key, update *shadow.Document) (*LocalUpdateResult, error) {
	current, version, err := w.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if update.Version > 0 && update.Version != version {
		return nil, fmt.Errorf("%w: shadow %s: update carries version %d, current is %d",
			ErrVersionMismatch, key, update.Version, version)
	}

	return w.apply(ctx, key, current, update, version+1)
}

// Apply writes an update at an explicit new version, bypassing the
// concurrency check. The sync engine uses it to replay cloud changes
// at the version the sync metadata dictates.
func (w *LocalWriter) Apply(ctx context.Context, key shadow.Key, update *shadow.Document, newVersion int64) (*LocalUpdateResult, error) {
	current, _, err := w.load(ctx, key)
	if err != nil {
		return nil, err
	}

	return w.apply(ctx, key, current, update, newVersion)
}

// Delete tombstones the local shadow. Returns the deleted document,
// or nil if the shadow was already absent.
func (w *LocalWriter) Delete(ctx context.Context, key shadow.Key) (*store.StoredDocument, error) {
	return w.dao.DeleteShadowThing(ctx, key)
}

// load reads and parses the current document. Absent shadows return
// (nil, 0, nil).
func (w *LocalWriter) load(ctx context.Context, key shadow.Key) (*shadow.Document, int64, error) {
	stored, err := w.dao.GetShadowThing(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	if stored == nil {
		return nil, 0, nil
	}

	doc, err := shadow.ParseDocument(stored.Payload)
	if err != nil {
		// A stored document that no longer parses means local
		// corruption; surface it rather than silently overwriting.
		return nil, 0, fmt.Errorf("sync: stored document %s unreadable: %w", key, err)
	}

	return doc, stored.Version, nil
}

// apply merges, stamps, and persists the new document revision.
func (w *LocalWriter) apply(ctx context.Context, key shadow.Key, current, update *shadow.Document, newVersion int64) (*LocalUpdateResult, error) {
	if current == nil {
		current = &shadow.Document{}
	}

	now := w.nowFunc().Unix()
	merged := shadow.MergeStates(current, update, now)
	merged.Version = newVersion
	merged.ClientToken = ""

	payload, err := merged.Bytes()
	if err != nil {
		return nil, err
	}

	if _, err := w.dao.UpdateShadowThing(ctx, key, payload, newVersion); err != nil {
		return nil, err
	}

	w.logger.Debug("local shadow updated",
		slog.String("shadow", key.String()),
		slog.Int64("version", newVersion),
	)

	return &LocalUpdateResult{Version: newVersion, Document: payload}, nil
}
