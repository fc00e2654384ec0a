package sync

import (
	"github.com/edgefleet/shadowd/internal/shadow"
)

// baseRequest carries the key shared by every variant.
type baseRequest struct {
	key shadow.Key
}

func (b baseRequest) Key() shadow.Key {
	return b.key
}

// LocalUpdateRequest applies a cloud-side update (an accepted cloud
// document) to the local shadow. The payload's embedded version is
// the cloud version of the producing update.
type LocalUpdateRequest struct {
	baseRequest
	payload []byte
}

// NewLocalUpdateRequest creates a LocalUpdate for a raw cloud payload.
func NewLocalUpdateRequest(key shadow.Key, payload []byte) *LocalUpdateRequest {
	return &LocalUpdateRequest{baseRequest{key}, payload}
}

func (r *LocalUpdateRequest) Kind() Kind { return KindLocalUpdate }

// LocalDeleteRequest removes the local shadow after a cloud-side
// delete. The hint is the cloud version at which the delete happened
// (zero when unknown).
type LocalDeleteRequest struct {
	baseRequest
	deletedCloudVersion int64
}

// NewLocalDeleteRequest creates a LocalDelete.
func NewLocalDeleteRequest(key shadow.Key, deletedCloudVersion int64) *LocalDeleteRequest {
	return &LocalDeleteRequest{baseRequest{key}, deletedCloudVersion}
}

func (r *LocalDeleteRequest) Kind() Kind { return KindLocalDelete }

// CloudUpdateRequest pushes a local update document to the cloud.
// The update is held parsed so queued requests can be coalesced by
// JSON merge.
type CloudUpdateRequest struct {
	baseRequest
	update *shadow.Document
}

// NewCloudUpdateRequest creates a CloudUpdate for a parsed update
// document.
func NewCloudUpdateRequest(key shadow.Key, update *shadow.Document) *CloudUpdateRequest {
	return &CloudUpdateRequest{baseRequest{key}, update}
}

func (r *CloudUpdateRequest) Kind() Kind { return KindCloudUpdate }

// CloudDeleteRequest removes the cloud shadow after a local delete.
type CloudDeleteRequest struct {
	baseRequest
}

// NewCloudDeleteRequest creates a CloudDelete.
func NewCloudDeleteRequest(key shadow.Key) *CloudDeleteRequest {
	return &CloudDeleteRequest{baseRequest{key}}
}

func (r *CloudDeleteRequest) Kind() Kind { return KindCloudDelete }

// FullSyncRequest reconciles both sides from scratch: read local,
// cloud, and the last-synced base, then converge.
type FullSyncRequest struct {
	baseRequest
}

// NewFullSyncRequest creates a FullSync.
func NewFullSyncRequest(key shadow.Key) *FullSyncRequest {
	return &FullSyncRequest{baseRequest{key}}
}

func (r *FullSyncRequest) Kind() Kind { return KindFullSync }

// OverwriteCloudRequest forces the cloud copy to match local state.
type OverwriteCloudRequest struct {
	baseRequest
}

// NewOverwriteCloudRequest creates an OverwriteCloud.
func NewOverwriteCloudRequest(key shadow.Key) *OverwriteCloudRequest {
	return &OverwriteCloudRequest{baseRequest{key}}
}

func (r *OverwriteCloudRequest) Kind() Kind { return KindOverwriteCloud }

// OverwriteLocalRequest forces the local copy to match cloud state.
type OverwriteLocalRequest struct {
	baseRequest
}

// NewOverwriteLocalRequest creates an OverwriteLocal.
func NewOverwriteLocalRequest(key shadow.Key) *OverwriteLocalRequest {
	return &OverwriteLocalRequest{baseRequest{key}}
}

func (r *OverwriteLocalRequest) Kind() Kind { return KindOverwriteLocal }

// MergedFullSyncRequest is the coalescing of requests from both
// sides. It keeps the original constituents in arrival order; at
// execution it drops the unnecessary ones and either reduces to a
// single same-sided request or falls back to a full sync.
type MergedFullSyncRequest struct {
	baseRequest
	parts []Request
}

// NewMergedFullSyncRequest creates a merged request from constituent
// requests in arrival order.
func NewMergedFullSyncRequest(key shadow.Key, parts ...Request) *MergedFullSyncRequest {
	return &MergedFullSyncRequest{baseRequest{key}, parts}
}

func (r *MergedFullSyncRequest) Kind() Kind { return KindMergedFullSync }

// withPart returns a new merged request with one more constituent.
func (r *MergedFullSyncRequest) withPart(p Request) *MergedFullSyncRequest {
	parts := make([]Request, 0, len(r.parts)+1)
	parts = append(parts, r.parts...)
	parts = append(parts, p)

	return &MergedFullSyncRequest{baseRequest{r.key}, parts}
}
