package shadow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustTree parses a JSON object literal for test fixtures.
func mustTree(t *testing.T, s string) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))

	return m
}

func TestMerge_OverlayWins(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"SomeKey":"foo","OtherKey":1}`)
	overlay := mustTree(t, `{"OtherKey":2,"AnotherKey":"foobar"}`)

	got := Merge(base, overlay)

	want := mustTree(t, `{"SomeKey":"foo","OtherKey":2,"AnotherKey":"foobar"}`)
	assert.Equal(t, want, got)
}

func TestMerge_NullDeletesKey(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"keep":"a","drop":"b"}`)
	overlay := mustTree(t, `{"drop":null}`)

	got := Merge(base, overlay)

	want := mustTree(t, `{"keep":"a"}`)
	assert.Equal(t, want, got)
}

func TestMerge_RecursesIntoObjects(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"nested":{"a":1,"b":2},"top":true}`)
	overlay := mustTree(t, `{"nested":{"b":3,"c":4}}`)

	got := Merge(base, overlay)

	want := mustTree(t, `{"nested":{"a":1,"b":3,"c":4},"top":true}`)
	assert.Equal(t, want, got)
}

func TestMerge_TypeChangeReplacesSubtree(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"v":{"a":1}}`)
	overlay := mustTree(t, `{"v":"scalar"}`)

	got := Merge(base, overlay)

	assert.Equal(t, mustTree(t, `{"v":"scalar"}`), got)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"nested":{"a":1}}`)
	overlay := mustTree(t, `{"nested":{"b":2}}`)

	_ = Merge(base, overlay)

	assert.Equal(t, mustTree(t, `{"nested":{"a":1}}`), base)
	assert.Equal(t, mustTree(t, `{"nested":{"b":2}}`), overlay)
}

func TestDiff_EqualTreesReturnNil(t *testing.T) {
	t.Parallel()

	a := mustTree(t, `{"x":{"y":1},"z":[1,2]}`)
	b := mustTree(t, `{"x":{"y":1},"z":[1,2]}`)

	assert.Nil(t, Diff(a, b))
}

func TestDiff_RemovedKeysBecomeNulls(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"a":1,"b":2}`)
	target := mustTree(t, `{"a":1}`)

	got := Diff(base, target)

	require.Len(t, got, 1)
	assert.Contains(t, got, "b")
	assert.Nil(t, got["b"])
}

func TestDiff_RoundTripsThroughMerge(t *testing.T) {
	t.Parallel()

	base := mustTree(t, `{"a":1,"b":{"c":2,"d":3},"e":"x"}`)
	target := mustTree(t, `{"a":1,"b":{"c":9,"f":4},"g":true}`)

	patch := Diff(base, target)
	got := Merge(base, patch)

	assert.Equal(t, target, got)
}

func TestCalculateDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		desired  string
		reported string
		want     string // "" means nil delta
	}{
		{
			name:     "fully reported",
			desired:  `{"color":"red"}`,
			reported: `{"color":"red"}`,
			want:     "",
		},
		{
			name:     "missing key",
			desired:  `{"color":"red","power":true}`,
			reported: `{"color":"red"}`,
			want:     `{"power":true}`,
		},
		{
			name:     "different nested value",
			desired:  `{"engine":{"rpm":900,"temp":80}}`,
			reported: `{"engine":{"rpm":700,"temp":80}}`,
			want:     `{"engine":{"rpm":900}}`,
		},
		{
			name:     "reported extras ignored",
			desired:  `{"a":1}`,
			reported: `{"a":1,"b":2}`,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := CalculateDelta(mustTree(t, tt.desired), mustTree(t, tt.reported))

			if tt.want == "" {
				assert.Nil(t, got)
				return
			}

			assert.Equal(t, mustTree(t, tt.want), got)
		})
	}
}

func TestMergeStates_UpdatesDeltaAndMetadata(t *testing.T) {
	t.Parallel()

	current := &Document{
		State: State{
			Desired:  mustTree(t, `{"color":"red"}`),
			Reported: mustTree(t, `{"color":"blue"}`),
		},
		Version: 3,
	}

	update := &Document{
		State: State{Reported: mustTree(t, `{"color":"red"}`)},
	}

	const now = int64(1700000000)
	got := MergeStates(current, update, now)

	assert.Nil(t, got.State.Delta, "reported caught up with desired")
	assert.Equal(t, mustTree(t, `{"color":"red"}`), got.State.Reported)
	require.NotNil(t, got.Metadata)
	assert.Equal(t,
		map[string]any{"color": map[string]any{"timestamp": now}},
		got.Metadata.Reported)

	// Current document untouched.
	assert.Equal(t, mustTree(t, `{"color":"blue"}`), current.State.Reported)
}
