package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/shadowd/internal/shadow"
)

func key(thing, name string) shadow.Key {
	return shadow.Key{ThingName: thing, ShadowName: name}
}

func TestQueueFIFOAcrossKeys(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("a", ""))))
	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("b", ""))))
	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("c", ""))))

	for _, want := range []string{"a", "b", "c"} {
		r, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, r.Key().ThingName)
	}

	assert.Equal(t, 0, q.Size())
}

func TestQueueCoalescingKeepsPosition(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, NewCloudUpdateRequest(key("a", ""), stateDoc(0, map[string]any{"x": float64(1)}, nil))))
	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("b", ""))))

	// A second request for "a" coalesces; "a" stays at the head.
	require.NoError(t, q.Put(ctx, NewCloudUpdateRequest(key("a", ""), stateDoc(0, map[string]any{"y": float64(2)}, nil))))

	assert.Equal(t, 2, q.Size())

	r, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", r.Key().ThingName)

	cu, ok := r.(*CloudUpdateRequest)
	require.True(t, ok)
	assert.Equal(t, float64(1), cu.update.State.Desired["x"])
	assert.Equal(t, float64(2), cu.update.State.Desired["y"])
}

func TestQueuePutBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("a", ""))))

	// Same key never blocks: it coalesces.
	require.NoError(t, q.Put(ctx, NewFullSyncRequest(key("a", ""))))

	// A new key blocks until the queue drains.
	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, NewFullSyncRequest(key("b", "")))
	}()

	select {
	case err := <-done:
		t.Fatalf("put should have blocked, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Poll()
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not unblock after drain")
	}
}

func TestQueuePutHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(1)
	require.NoError(t, q.Put(context.Background(), NewFullSyncRequest(key("a", ""))))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Put(ctx, NewFullSyncRequest(key("b", "")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueOfferAndTakeReturnsSameRequestWhenAlone(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	r := NewFullSyncRequest(key("a", ""))

	got, err := q.OfferAndTake(r)
	require.NoError(t, err)

	// Nothing else queued and nothing coalesced: the caller gets its
	// own request back, the immediate-retry signal.
	assert.Same(t, r, got)
	assert.Equal(t, 0, q.Size())
}

func TestQueueOfferAndTakeDrainsOlderWorkFirst(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	ctx := context.Background()

	older := NewFullSyncRequest(key("a", ""))
	require.NoError(t, q.Put(ctx, older))

	failed := NewFullSyncRequest(key("b", ""))
	got, err := q.OfferAndTake(failed)
	require.NoError(t, err)

	assert.Same(t, older, got)
	assert.Equal(t, 1, q.Size())
}

func TestQueueTakeUnblocksOnCancel(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("take did not unblock on cancel")
	}
}

func TestQueueRemoveOnlyMatchesIdentity(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	ctx := context.Background()

	first := NewCloudUpdateRequest(key("a", ""), stateDoc(0, map[string]any{"x": float64(1)}, nil))
	require.NoError(t, q.Put(ctx, first))

	// Coalescing replaced the entry; removing the original is a no-op.
	require.NoError(t, q.Put(ctx, NewCloudUpdateRequest(key("a", ""), stateDoc(0, map[string]any{"y": float64(2)}, nil))))
	q.Remove(first)
	assert.Equal(t, 1, q.Size())

	r, ok := q.Poll()
	require.True(t, ok)
	q.Remove(r)

	_, ok = q.Poll()
	assert.False(t, ok)
}

func TestQueueClosedRejectsOperations(t *testing.T) {
	t.Parallel()

	q := NewRequestQueue(10)
	q.Close()

	err := q.Put(context.Background(), NewFullSyncRequest(key("a", "")))
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.OfferAndTake(NewFullSyncRequest(key("a", "")))
	assert.ErrorIs(t, err, ErrQueueClosed)
}
