package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgefleet/shadowd/internal/cloud"
	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// localShadow is a parsed view of the stored local document.
type localShadow struct {
	doc     *shadow.Document
	version int64
}

// loadLocalShadow reads and parses the local document. Absent shadows
// return (nil, nil).
func loadLocalShadow(ctx context.Context, sc *SyncContext, key shadow.Key) (*localShadow, error) {
	stored, err := sc.DAO.GetShadowThing(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	if stored == nil {
		return nil, nil
	}

	doc, err := shadow.ParseDocument(stored.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: local document %s unreadable: %w", ErrSkip, key, err)
	}

	return &localShadow{doc: doc, version: stored.Version}, nil
}

// fetchCloudShadow reads and parses the cloud document, consuming an
// outbound permit first. Absent shadows (404) return (nil, nil).
func fetchCloudShadow(ctx context.Context, sc *SyncContext, key shadow.Key) (*shadow.Document, error) {
	if err := sc.acquireOutbound(ctx); err != nil {
		return nil, err
	}

	raw, err := sc.Cloud.GetThingShadow(ctx, key)
	if errors.Is(err, cloud.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, classifyCloudError(err)
	}

	doc, err := shadow.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: cloud document %s unreadable: %w", ErrSkip, key, err)
	}

	return doc, nil
}

// lastSyncedBase parses the last-synced document from sync info.
// Missing or unreadable bases return nil (treated as "never synced").
func lastSyncedBase(info *store.SyncInfo) *shadow.Document {
	if info == nil || info.LastSyncedDocument == nil {
		return nil
	}

	doc, err := shadow.ParseDocument(info.LastSyncedDocument)
	if err != nil {
		return nil
	}

	return doc
}

// lastSyncedBytes serializes a document for the LastSyncedDocument
// column: state only plus the local version, no metadata and no
// client token.
func lastSyncedBytes(doc *shadow.Document, localVersion int64) []byte {
	stripped := &shadow.Document{
		State:   doc.State,
		Version: localVersion,
	}

	b, err := stripped.Bytes()
	if err != nil {
		return nil
	}

	return b
}

// responseVersion extracts the version from a cloud update response,
// falling back when the response is unreadable or carries none.
func responseVersion(resp []byte, fallback int64) int64 {
	doc, err := shadow.ParseDocument(resp)
	if err != nil || doc.Version == 0 {
		return fallback
	}

	return doc.Version
}

// replaceLocal rewrites the local shadow to exactly match target's
// state, writing at newVersion. Uses a diff patch so keys absent in
// target are removed. A nil current writes target state wholesale.
func replaceLocal(ctx context.Context, sc *SyncContext, key shadow.Key, current *shadow.Document, target *shadow.Document, newVersion int64) (*LocalUpdateResult, error) {
	var curDesired, curReported map[string]any
	if current != nil {
		curDesired = current.State.Desired
		curReported = current.State.Reported
	}

	patch := &shadow.Document{
		State: shadow.State{
			Desired:  shadow.Diff(curDesired, target.State.Desired),
			Reported: shadow.Diff(curReported, target.State.Reported),
		},
	}

	res, err := sc.Local.Apply(ctx, key, patch, newVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	return res, nil
}

// cloudUpdatePayload serializes a state document for an outbound
// cloud update at the given optimistic-concurrency version.
func cloudUpdatePayload(state shadow.State, version int64) ([]byte, error) {
	doc := &shadow.Document{
		State:   shadow.State{Desired: state.Desired, Reported: state.Reported},
		Version: version,
	}

	b, err := doc.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSkip, err)
	}

	return b, nil
}
