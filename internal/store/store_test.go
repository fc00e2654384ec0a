package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/shadowd/internal/shadow"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "shadow.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestDocuments_UpdateGetDelete(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	key := shadow.NewKey("T1", "config")

	// Absent shadow reads as nil.
	doc, err := s.GetShadowThing(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// First write returns no previous payload.
	prev, err := s.UpdateShadowThing(ctx, key, []byte(`{"state":{"desired":{"a":1}},"version":1}`), 1)
	require.NoError(t, err)
	assert.Nil(t, prev)

	// Second write returns the first payload.
	prev, err = s.UpdateShadowThing(ctx, key, []byte(`{"state":{"desired":{"a":2}},"version":2}`), 2)
	require.NoError(t, err)
	assert.Contains(t, string(prev), `"a":1`)

	doc, err = s.GetShadowThing(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(2), doc.Version)

	// Delete tombstones and retains the deleted version.
	deleted, err := s.DeleteShadowThing(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, int64(2), deleted.Version)

	doc, err = s.GetShadowThing(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, doc)

	v, ok, err := s.GetDeletedShadowVersion(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), v)

	// Deleting an absent shadow is a nil no-op.
	deleted, err = s.DeleteShadowThing(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestListNamedShadowsForThing(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
		_, err := s.UpdateShadowThing(ctx, shadow.NewKey("T1", name), []byte(`{}`), 1)
		require.NoError(t, err)
	}

	// Classic shadow and other things never appear.
	_, err := s.UpdateShadowThing(ctx, shadow.NewKey("T1", ""), []byte(`{}`), 1)
	require.NoError(t, err)
	_, err = s.UpdateShadowThing(ctx, shadow.NewKey("T2", "other"), []byte(`{}`), 1)
	require.NoError(t, err)

	names, err := s.ListNamedShadowsForThing(ctx, "T1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "delta", "gamma"}, names)

	// Negative offset ignored.
	names, err = s.ListNamedShadowsForThing(ctx, "T1", -5, -1)
	require.NoError(t, err)
	assert.Len(t, names, 4)

	// Paging window.
	names, err = s.ListNamedShadowsForThing(ctx, "T1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "delta"}, names)

	// Offset past the end.
	names, err = s.ListNamedShadowsForThing(ctx, "T1", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Deleted shadows drop out of the listing.
	_, err = s.DeleteShadowThing(ctx, shadow.NewKey("T1", "beta"))
	require.NoError(t, err)

	names, err = s.ListNamedShadowsForThing(ctx, "T1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "delta", "gamma"}, names)
}

func TestSyncInfo_Lifecycle(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	s.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()
	key := shadow.NewKey("T1", "")

	info, err := s.GetShadowSyncInformation(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, info)

	inserted, err := s.InsertSyncInfoIfNotExists(ctx, &SyncInfo{Key: key})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second insert is a no-op.
	inserted, err = s.InsertSyncInfoIfNotExists(ctx, &SyncInfo{Key: key, CloudVersion: 99})
	require.NoError(t, err)
	assert.False(t, inserted)

	info, err = s.GetShadowSyncInformation(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(0), info.CloudVersion)

	err = s.UpdateSyncInformation(ctx, &SyncInfo{
		Key:                key,
		LastSyncedDocument: []byte(`{"state":{}}`),
		CloudVersion:       10,
		LocalVersion:       1,
	})
	require.NoError(t, err)

	info, err = s.GetShadowSyncInformation(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(10), info.CloudVersion)
	assert.Equal(t, int64(1), info.LocalVersion)
	assert.Equal(t, int64(1700000000), info.LastSyncTime)
	assert.False(t, info.CloudDeleted)

	// Cloud-deleted records must not carry a document.
	err = s.UpdateSyncInformation(ctx, &SyncInfo{
		Key:                key,
		LastSyncedDocument: []byte(`{}`),
		CloudDeleted:       true,
	})
	assert.Error(t, err)

	err = s.UpdateSyncInformation(ctx, &SyncInfo{Key: key, CloudVersion: 11, CloudDeleted: true})
	require.NoError(t, err)

	info, err = s.GetShadowSyncInformation(ctx, key)
	require.NoError(t, err)
	assert.True(t, info.CloudDeleted)
	assert.Nil(t, info.LastSyncedDocument)

	existed, err := s.DeleteSyncInformation(ctx, key)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteSyncInformation(ctx, key)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListSyncedShadows_Ordered(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	for _, k := range []shadow.Key{
		shadow.NewKey("T2", ""),
		shadow.NewKey("T1", "b"),
		shadow.NewKey("T1", ""),
	} {
		_, err := s.InsertSyncInfoIfNotExists(ctx, &SyncInfo{Key: k})
		require.NoError(t, err)
	}

	keys, err := s.ListSyncedShadows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []shadow.Key{
		shadow.NewKey("T1", ""),
		shadow.NewKey("T1", "b"),
		shadow.NewKey("T2", ""),
	}, keys)
}
