package shadow

import (
	"errors"
	"reflect"
)

// ErrPayloadTooLarge indicates a serialized document exceeds the
// configured size limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// Merge recursively merges overlay into base with overlay precedence.
// A JSON null in overlay deletes the key from the result. Neither
// input is mutated; the result shares no mutable structure with them.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = copyValue(v)
	}

	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}

		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bv, ov)
				continue
			}
		}

		out[k] = copyValue(v)
	}

	return out
}

// Diff computes the patch that transforms base into target under
// Merge semantics: changed and added keys appear with their target
// values, keys absent from target appear as explicit nulls. Returns
// nil when the trees are equal.
func Diff(base, target map[string]any) map[string]any {
	out := map[string]any{}

	for k, bv := range base {
		tv, ok := target[k]
		if !ok {
			out[k] = nil
			continue
		}

		bm, bIsMap := bv.(map[string]any)
		tm, tIsMap := tv.(map[string]any)

		if bIsMap && tIsMap {
			if sub := Diff(bm, tm); sub != nil {
				out[k] = sub
			}

			continue
		}

		if !deepEqual(bv, tv) {
			out[k] = copyValue(tv)
		}
	}

	for k, tv := range target {
		if _, ok := base[k]; !ok {
			out[k] = copyValue(tv)
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// CalculateDelta returns the portion of desired that differs from
// reported: keys present in desired whose reported value is missing
// or different. Returns nil when desired is fully reported.
func CalculateDelta(desired, reported map[string]any) map[string]any {
	if len(desired) == 0 {
		return nil
	}

	out := map[string]any{}

	for k, dv := range desired {
		rv, ok := reported[k]
		if !ok {
			out[k] = copyValue(dv)
			continue
		}

		dm, dIsMap := dv.(map[string]any)
		rm, rIsMap := rv.(map[string]any)

		if dIsMap && rIsMap {
			if sub := CalculateDelta(dm, rm); sub != nil {
				out[k] = sub
			}

			continue
		}

		if !deepEqual(dv, rv) {
			out[k] = copyValue(dv)
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// MergeStates merges an update's state sections into the current
// document's state, recomputes the delta, and stamps metadata leaves
// for the touched sections. The current document is not mutated.
func MergeStates(current *Document, update *Document, now int64) *Document {
	out := current.Clone()

	if update.State.Desired != nil {
		out.State.Desired = Merge(current.State.Desired, update.State.Desired)
	}

	if update.State.Reported != nil {
		out.State.Reported = Merge(current.State.Reported, update.State.Reported)
	}

	out.State.Delta = CalculateDelta(out.State.Desired, out.State.Reported)
	out.Timestamp = now

	meta := &Metadata{}
	if out.Metadata != nil {
		meta.Desired = out.Metadata.Desired
		meta.Reported = out.Metadata.Reported
	}

	if update.State.Desired != nil {
		meta.Desired = Merge(meta.Desired, timestampTree(update.State.Desired, now))
	}

	if update.State.Reported != nil {
		meta.Reported = Merge(meta.Reported, timestampTree(update.State.Reported, now))
	}

	out.Metadata = meta

	return out
}

// timestampTree mirrors the shape of a state tree, replacing every
// leaf with a {"timestamp": now} object. Null leaves (deletions) are
// dropped, matching the Merge behavior for the state itself.
func timestampTree(state map[string]any, now int64) map[string]any {
	out := make(map[string]any, len(state))

	for k, v := range state {
		if v == nil {
			out[k] = nil
			continue
		}

		if m, ok := v.(map[string]any); ok {
			out[k] = timestampTree(m, now)
			continue
		}

		out[k] = map[string]any{"timestamp": now}
	}

	return out
}

// copyValue deep-copies JSON tree values. Scalars are returned as-is
// (they are immutable); maps and slices are copied.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}

		return out
	default:
		return v
	}
}

// deepEqual compares JSON tree values. json.Unmarshal produces
// map[string]any, []any, string, float64, bool, and nil, all of
// which reflect.DeepEqual compares correctly.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
