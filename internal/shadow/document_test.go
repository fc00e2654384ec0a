package shadow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`{
		"state": {"desired": {"SomeKey": "foo"}, "reported": {"SomeKey": "foo"}},
		"version": 10,
		"timestamp": 1700000000
	}`))
	require.NoError(t, err)

	assert.Equal(t, int64(10), doc.Version)
	assert.Equal(t, "foo", doc.State.Desired["SomeKey"])
	assert.Nil(t, doc.State.Delta)
}

func TestParseDocument_Malformed(t *testing.T) {
	t.Parallel()

	_, err := ParseDocument([]byte(`{"state": `))
	assert.Error(t, err)
}

func TestParseDocument_NegativeVersion(t *testing.T) {
	t.Parallel()

	_, err := ParseDocument([]byte(`{"state":{},"version":-2}`))
	assert.Error(t, err)
}

func TestParseDocument_UnknownTopLevelKeysTolerated(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`{"state":{},"somethingNew":true}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)
}

func TestDocument_RoundTrip(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`{"state":{"desired":{"a":1}},"version":4}`))
	require.NoError(t, err)

	b, err := doc.Bytes()
	require.NoError(t, err)

	again, err := ParseDocument(b)
	require.NoError(t, err)
	assert.True(t, doc.Equal(again))
	assert.Equal(t, doc.Version, again.Version)
}

func TestDocument_EqualIgnoresVersionAndMetadata(t *testing.T) {
	t.Parallel()

	a := &Document{State: State{Desired: map[string]any{"x": "y"}}, Version: 1}
	b := &Document{State: State{Desired: map[string]any{"x": "y"}}, Version: 9}

	assert.True(t, a.Equal(b))

	b.State.Desired["x"] = "z"
	assert.False(t, a.Equal(b))
}

func TestNewKey_NormalizesNFC(t *testing.T) {
	t.Parallel()

	// "é" as combining sequence vs precomposed.
	decomposed := "cafe\u0301"
	precomposed := "caf\u00e9"

	assert.Equal(t, NewKey(precomposed, ""), NewKey(decomposed, ""))
}

func TestKey_IsClassic(t *testing.T) {
	t.Parallel()

	assert.True(t, NewKey("T1", "").IsClassic())
	assert.False(t, NewKey("T1", "config").IsClassic())
	assert.Equal(t, "T1/config", NewKey("T1", "config").String())
	assert.Equal(t, "T1", NewKey("T1", "").String())
}

func TestCheckSize(t *testing.T) {
	t.Parallel()

	payload := []byte(strings.Repeat("a", 100))

	assert.NoError(t, CheckSize(payload, 100))
	assert.ErrorIs(t, CheckSize(payload, 99), ErrPayloadTooLarge)

	// Zero limit falls back to the default.
	assert.NoError(t, CheckSize(payload, 0))
}
