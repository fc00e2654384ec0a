package sync

import (
	"github.com/edgefleet/shadowd/internal/shadow"
)

// Merge coalesces two requests for the same (thing, shadow) into
// one, per the variant cross-product. The existing request arrived
// first; the incoming one is newer. Merge is pure: neither input is
// mutated, and Merge(r, r) is equivalent to r.
func Merge(existing, incoming Request) Request {
	if existing == nil {
		return incoming
	}

	key := existing.Key()

	// Overwrites dominate: an incoming overwrite replaces whatever is
	// queued, unless the queued entry is the opposite-side overwrite,
	// which only a full sync can settle.
	switch incoming.Kind() {
	case KindOverwriteCloud:
		if existing.Kind() == KindOverwriteLocal {
			return NewFullSyncRequest(key)
		}

		return incoming
	case KindOverwriteLocal:
		if existing.Kind() == KindOverwriteCloud {
			return NewFullSyncRequest(key)
		}

		return incoming
	}

	switch ex := existing.(type) {
	case *OverwriteCloudRequest, *OverwriteLocalRequest:
		// A queued overwrite subsumes later ordinary requests: it
		// already replaces the whole target-side state.
		return existing

	case *FullSyncRequest:
		return existing

	case *MergedFullSyncRequest:
		if incoming.Kind() == KindFullSync {
			return incoming
		}

		return ex.withPart(incoming)

	case *LocalUpdateRequest:
		switch inc := incoming.(type) {
		case *LocalUpdateRequest:
			return mergeLocalUpdates(ex, inc)
		case *LocalDeleteRequest:
			return inc
		case *CloudUpdateRequest, *CloudDeleteRequest:
			return NewMergedFullSyncRequest(key, ex, incoming)
		case *FullSyncRequest:
			return inc
		}

	case *LocalDeleteRequest:
		switch inc := incoming.(type) {
		case *LocalUpdateRequest:
			// The delete already supersedes the older cloud state the
			// update carries.
			return ex
		case *LocalDeleteRequest:
			return inc
		case *CloudUpdateRequest:
			return NewMergedFullSyncRequest(key, ex, incoming)
		case *CloudDeleteRequest:
			return inc
		case *FullSyncRequest:
			return inc
		}

	case *CloudUpdateRequest:
		switch inc := incoming.(type) {
		case *LocalUpdateRequest, *LocalDeleteRequest:
			return NewMergedFullSyncRequest(key, ex, incoming)
		case *CloudUpdateRequest:
			return mergeCloudUpdates(ex, inc)
		case *CloudDeleteRequest:
			return inc
		case *FullSyncRequest:
			return inc
		}

	case *CloudDeleteRequest:
		switch inc := incoming.(type) {
		case *LocalUpdateRequest:
			return NewMergedFullSyncRequest(key, ex, incoming)
		case *LocalDeleteRequest, *CloudUpdateRequest, *CloudDeleteRequest:
			// The pending cloud delete stands: a local delete is
			// satisfied by it, and a cloud update racing a delete
			// resolves in favor of the delete.
			return ex
		case *FullSyncRequest:
			return inc
		}
	}

	// Unknown pairing (e.g. an incoming merged request, which only
	// the merger itself creates). Converge via full sync.
	return NewFullSyncRequest(key)
}

// mergeLocalUpdates coalesces two pending cloud documents headed for
// the local shadow. The older version is the base and the newer
// overlays it, so the newest writer wins overlapping fields while
// fields only the older document carries are preserved. Unparseable
// payloads fall back to a full sync.
func mergeLocalUpdates(a, b *LocalUpdateRequest) Request {
	docA, errA := shadow.ParseDocument(a.payload)
	docB, errB := shadow.ParseDocument(b.payload)

	if errA != nil && errB != nil {
		return NewFullSyncRequest(a.key)
	}

	if errA != nil {
		return b
	}

	if errB != nil {
		return a
	}

	base, overlay := docA, docB
	if docB.Version < docA.Version {
		base, overlay = docB, docA
	}

	merged := &shadow.Document{
		State: shadow.State{
			Desired:  composePatch(base.State.Desired, overlay.State.Desired),
			Reported: composePatch(base.State.Reported, overlay.State.Reported),
		},
		Version: max(docA.Version, docB.Version),
	}
	merged.State.Delta = shadow.CalculateDelta(merged.State.Desired, merged.State.Reported)

	payload, err := merged.Bytes()
	if err != nil {
		return NewFullSyncRequest(a.key)
	}

	return NewLocalUpdateRequest(a.key, payload)
}

// mergeCloudUpdates coalesces two pending update documents headed
// for the cloud.
func mergeCloudUpdates(a, b *CloudUpdateRequest) Request {
	merged := &shadow.Document{
		State: shadow.State{
			Desired:  composePatch(a.update.State.Desired, b.update.State.Desired),
			Reported: composePatch(a.update.State.Reported, b.update.State.Reported),
		},
	}

	return NewCloudUpdateRequest(a.key, merged)
}

// composePatch layers patch b over patch a without applying either:
// explicit nulls in b survive into the result so a pending delete-key
// instruction is not lost before the composite is applied.
func composePatch(a, b map[string]any) map[string]any {
	if a == nil && b == nil {
		return nil
	}

	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}

	for k, v := range b {
		if v == nil {
			out[k] = nil
			continue
		}

		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = composePatch(am, bm)
				continue
			}
		}

		out[k] = v
	}

	return out
}
