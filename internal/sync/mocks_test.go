package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/edgefleet/shadowd/internal/cloud"
	"github.com/edgefleet/shadowd/internal/shadow"
	"github.com/edgefleet/shadowd/internal/store"
)

// fakeDAO is an in-memory stand-in for *store.Store with the same
// tombstone and sync-info semantics.
type fakeDAO struct {
	mu      stdsync.Mutex
	docs    map[shadow.Key]*store.StoredDocument
	deleted map[shadow.Key]int64
	infos   map[shadow.Key]*store.SyncInfo

	failNext error
}

func newFakeDAO() *fakeDAO {
	return &fakeDAO{
		docs:    make(map[shadow.Key]*store.StoredDocument),
		deleted: make(map[shadow.Key]int64),
		infos:   make(map[shadow.Key]*store.SyncInfo),
	}
}

func (f *fakeDAO) takeFailure() error {
	err := f.failNext
	f.failNext = nil

	return err
}

func (f *fakeDAO) GetShadowThing(ctx context.Context, key shadow.Key) (*store.StoredDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	doc, ok := f.docs[key]
	if !ok {
		return nil, nil
	}

	cp := *doc

	return &cp, nil
}

func (f *fakeDAO) UpdateShadowThing(ctx context.Context, key shadow.Key, payload []byte, version int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	var prev []byte
	if doc, ok := f.docs[key]; ok {
		prev = doc.Payload
	}

	f.docs[key] = &store.StoredDocument{Payload: payload, Version: version}

	return prev, nil
}

func (f *fakeDAO) DeleteShadowThing(ctx context.Context, key shadow.Key) (*store.StoredDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	doc, ok := f.docs[key]
	if !ok {
		return nil, nil
	}

	delete(f.docs, key)
	f.deleted[key] = doc.Version

	return doc, nil
}

func (f *fakeDAO) GetDeletedShadowVersion(ctx context.Context, key shadow.Key) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.deleted[key]

	return v, ok, nil
}

func (f *fakeDAO) GetShadowSyncInformation(ctx context.Context, key shadow.Key) (*store.SyncInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	info, ok := f.infos[key]
	if !ok {
		return nil, nil
	}

	cp := *info

	return &cp, nil
}

func (f *fakeDAO) UpdateSyncInformation(ctx context.Context, info *store.SyncInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return err
	}

	if info.CloudDeleted && info.LastSyncedDocument != nil {
		return fmt.Errorf("fake store: cloud-deleted record must not carry a document")
	}

	cp := *info
	f.infos[info.Key] = &cp

	return nil
}

func (f *fakeDAO) InsertSyncInfoIfNotExists(ctx context.Context, info *store.SyncInfo) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.infos[info.Key]; ok {
		return false, nil
	}

	cp := *info
	f.infos[info.Key] = &cp

	return true, nil
}

func (f *fakeDAO) DeleteSyncInformation(ctx context.Context, key shadow.Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.infos[key]
	delete(f.infos, key)

	return ok, nil
}

func (f *fakeDAO) ListSyncedShadows(ctx context.Context) ([]shadow.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]shadow.Key, 0, len(f.infos))
	for key := range f.infos {
		keys = append(keys, key)
	}

	return keys, nil
}

// seedInfo registers a key for sync with the given versions.
func (f *fakeDAO) seedInfo(key shadow.Key, localVersion, cloudVersion int64, lastSynced []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.infos[key] = &store.SyncInfo{
		Key:                key,
		LocalVersion:       localVersion,
		CloudVersion:       cloudVersion,
		LastSyncedDocument: lastSynced,
	}
}

// seedDoc stores a local document.
func (f *fakeDAO) seedDoc(t interface{ Fatalf(string, ...any) }, key shadow.Key, doc *shadow.Document) {
	payload, err := doc.Bytes()
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.docs[key] = &store.StoredDocument{Payload: payload, Version: doc.Version}
}

func (f *fakeDAO) info(key shadow.Key) *store.SyncInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.infos[key]
	if !ok {
		return nil
	}

	cp := *info

	return &cp
}

func (f *fakeDAO) doc(key shadow.Key) *store.StoredDocument {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[key]
	if !ok {
		return nil
	}

	cp := *doc

	return &cp
}

// fakeCloud mimics the shadow service's optimistic concurrency: an
// update against a live shadow must carry the current version.
type fakeCloud struct {
	mu   stdsync.Mutex
	docs map[shadow.Key]*shadow.Document

	getCalls    int
	updateCalls int
	deleteCalls int

	failUpdates int
	updateErr   error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{docs: make(map[shadow.Key]*shadow.Document)}
}

func (f *fakeCloud) GetThingShadow(ctx context.Context, key shadow.Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++

	doc, ok := f.docs[key]
	if !ok {
		return nil, fmt.Errorf("fake cloud: %w", cloud.ErrNotFound)
	}

	return doc.Bytes()
}

func (f *fakeCloud) UpdateThingShadow(ctx context.Context, key shadow.Key, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++

	if f.failUpdates > 0 {
		f.failUpdates--
		return nil, f.updateErr
	}

	update, err := shadow.ParseDocument(payload)
	if err != nil {
		return nil, fmt.Errorf("fake cloud: %w: %w", cloud.ErrBadRequest, err)
	}

	current, exists := f.docs[key]
	if exists && update.Version != 0 && update.Version != current.Version {
		return nil, fmt.Errorf("fake cloud: version %d is not current: %w", update.Version, cloud.ErrConflict)
	}

	next := &shadow.Document{State: update.State}
	if exists {
		next.Version = current.Version + 1
	} else {
		next.Version = 1
	}

	f.docs[key] = next

	return next.Bytes()
}

func (f *fakeCloud) DeleteThingShadow(ctx context.Context, key shadow.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++

	if _, ok := f.docs[key]; !ok {
		return fmt.Errorf("fake cloud: %w", cloud.ErrNotFound)
	}

	delete(f.docs, key)

	return nil
}

// seed installs a cloud document at a version.
func (f *fakeCloud) seed(key shadow.Key, doc *shadow.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.docs[key] = doc
}

func (f *fakeCloud) doc(key shadow.Key) *shadow.Document {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.docs[key]
}

// testContext builds a SyncContext over fresh fakes with a fixed
// clock.
func testContext() (*SyncContext, *fakeDAO, *fakeCloud) {
	dao := newFakeDAO()
	cl := newFakeCloud()

	sc := NewSyncContext(dao, cl, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sc.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	sc.Local.nowFunc = sc.nowFunc

	return sc, dao, cl
}

// stateDoc builds a document with the given desired/reported maps and
// version.
func stateDoc(version int64, desired, reported map[string]any) *shadow.Document {
	return &shadow.Document{
		State: shadow.State{
			Desired:  desired,
			Reported: reported,
			Delta:    shadow.CalculateDelta(desired, reported),
		},
		Version: version,
	}
}
