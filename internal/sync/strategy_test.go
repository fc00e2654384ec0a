package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/shadowd/internal/shadow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

func TestRealTimeStrategyExecutesQueuedRequests(t *testing.T) {
	t.Parallel()

	sc, dao, cl := testContext()
	k := key("t1", "engine")

	dao.seedInfo(k, 0, 0, nil)
	cl.seed(k, stateDoc(5, map[string]any{"rpm": float64(900)}, nil))

	q := NewRequestQueue(10)
	s := NewRealTimeStrategy(q, sc, 2, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, q.Put(context.Background(), NewFullSyncRequest(k)))

	waitFor(t, func() bool { return dao.doc(k) != nil }, "full sync never ran")

	doc, err := shadow.ParseDocument(dao.doc(k).Payload)
	require.NoError(t, err)
	assert.Equal(t, float64(900), doc.State.Desired["rpm"])
}

func TestRealTimeStrategyStopWaitsForWorkers(t *testing.T) {
	t.Parallel()

	sc, _, _ := testContext()

	q := NewRequestQueue(10)
	s := NewRealTimeStrategy(q, sc, 3, discardLogger())
	require.NoError(t, s.Start(context.Background()))

	// Stop must return even with idle workers blocked on Take.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestPeriodicStrategyDrainsOnTick(t *testing.T) {
	t.Parallel()

	sc, dao, cl := testContext()
	k := key("t1", "")

	dao.seedInfo(k, 0, 0, nil)
	cl.seed(k, stateDoc(2, map[string]any{"a": float64(1)}, nil))

	q := NewRequestQueue(10)
	require.NoError(t, q.Put(context.Background(), NewFullSyncRequest(k)))

	s := NewPeriodicStrategy(q, sc, 10*time.Millisecond, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitFor(t, func() bool { return dao.doc(k) != nil }, "periodic drain never ran")
	assert.Equal(t, 0, q.Size())
}

func TestExecutorSubstitutesFullSyncOnConflict(t *testing.T) {
	t.Parallel()

	sc, dao, cl := testContext()
	k := key("t1", "")

	// The queued cloud update will hit a version conflict; the executor
	// must fall back to a full sync that converges both sides.
	dao.seedDoc(t, k, stateDoc(3, map[string]any{"mode": "sport"}, nil))
	cl.seed(k, stateDoc(7, map[string]any{"mode": "eco"}, nil))
	dao.seedInfo(k, 2, 4, nil)

	e := newExecutor(NewRequestQueue(10), sc, discardLogger())
	e.handle(context.Background(), NewCloudUpdateRequest(k, stateDoc(0, map[string]any{"mode": "sport"}, nil)))

	info := dao.info(k)
	assert.Equal(t, int64(8), info.CloudVersion)
	assert.Equal(t, "sport", cl.doc(k).State.Desired["mode"])
}

func TestExecutorDropsSkippedRequests(t *testing.T) {
	t.Parallel()

	sc, _, _ := testContext()

	q := NewRequestQueue(10)
	e := newExecutor(q, sc, discardLogger())

	r := newStubRequest(KindCloudUpdate, fmt.Errorf("%w: rejected", ErrSkip))
	e.handle(context.Background(), r)

	assert.Equal(t, 1, r.executed)
	assert.Equal(t, 0, q.Size())
}

func TestExecutorDropsUnsyncedFullSync(t *testing.T) {
	t.Parallel()

	sc, _, _ := testContext()

	q := NewRequestQueue(10)
	e := newExecutor(q, sc, discardLogger())

	// No sync info exists; a full sync cannot make progress and must
	// not respawn itself forever.
	e.handle(context.Background(), NewFullSyncRequest(key("ghost", "")))
	assert.Equal(t, 0, q.Size())
}
