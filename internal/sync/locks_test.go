package sync

import (
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocksMutualExclusion(t *testing.T) {
	t.Parallel()

	kl := NewKeyLocks()
	k := key("t1", "s")

	counter := 0
	var wg stdsync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			unlock := kl.Lock(k)
			defer unlock()

			counter++
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	t.Parallel()

	kl := NewKeyLocks()

	unlockA := kl.Lock(key("a", ""))
	defer unlockA()

	// A different key must not block behind "a".
	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock(key("b", ""))
		unlockB()
		close(done)
	}()

	<-done
}

func TestKeyLocksEntriesAreReclaimed(t *testing.T) {
	t.Parallel()

	kl := NewKeyLocks()

	unlock := kl.Lock(key("a", ""))
	assert.Equal(t, 1, kl.held())

	unlock()
	assert.Equal(t, 0, kl.held())

	// Double release is tolerated.
	unlock()
	assert.Equal(t, 0, kl.held())
}
