package sync

import (
	stdsync "sync"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// KeyLocks hands out one mutex per (thing, shadow). Both the sync
// executor and the IPC write handlers lock through the same instance,
// so every write to one shadow is totally ordered. Entries are
// reference-counted and removed when the last holder releases, so the
// map does not grow one lock per key ever seen.
type KeyLocks struct {
	mu    stdsync.Mutex
	locks map[shadow.Key]*keyLock
}

type keyLock struct {
	mu   stdsync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[shadow.Key]*keyLock)}
}

// Lock acquires the per-shadow lock for key and returns the matching
// release function. The release function must be called exactly once.
func (kl *KeyLocks) Lock(key shadow.Key) func() {
	kl.mu.Lock()

	entry, ok := kl.locks[key]
	if !ok {
		entry = &keyLock{}
		kl.locks[key] = entry
	}

	entry.refs++
	kl.mu.Unlock()

	entry.mu.Lock()

	var once stdsync.Once

	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			kl.mu.Lock()
			entry.refs--

			if entry.refs == 0 {
				delete(kl.locks, key)
			}
			kl.mu.Unlock()
		})
	}
}

// held returns the number of keys with live lock entries. Test hook.
func (kl *KeyLocks) held() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	return len(kl.locks)
}
