package sync

import (
	"context"
	stdsync "sync"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// DefaultQueueCapacity bounds the number of distinct (thing, shadow)
// keys with pending work. Put blocks at capacity to apply
// backpressure to producers.
const DefaultQueueCapacity = 1024

// RequestQueue holds pending sync work with at most one entry per
// (thing, shadow). New arrivals for a queued key are coalesced with
// the existing entry via Merge; coalescing never advances a key's
// position in the FIFO order.
type RequestQueue struct {
	mu       stdsync.Mutex
	notEmpty *stdsync.Cond
	notFull  *stdsync.Cond

	entries  map[shadow.Key]Request
	order    []shadow.Key // keys in first-enqueue order
	capacity int
	closed   bool
}

// NewRequestQueue creates a queue. Non-positive capacity falls back
// to DefaultQueueCapacity.
func NewRequestQueue(capacity int) *RequestQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	q := &RequestQueue{
		entries:  make(map[shadow.Key]Request),
		capacity: capacity,
	}
	q.notEmpty = stdsync.NewCond(&q.mu)
	q.notFull = stdsync.NewCond(&q.mu)

	return q
}

// Put enqueues or coalesces a request. It blocks while the queue is
// at capacity and the request's key is not already queued. Returns
// ErrQueueClosed after Close, and the context error if the caller is
// canceled while waiting.
func (q *RequestQueue) Put(ctx context.Context, r Request) error {
	// Wake this waiter if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrQueueClosed
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if _, queued := q.entries[r.Key()]; queued || len(q.order) < q.capacity {
			break
		}

		q.notFull.Wait()
	}

	q.insertLocked(r)
	q.notEmpty.Broadcast()

	return nil
}

// OfferAndTake atomically inserts (or coalesces) r and removes the
// head entry, returning it. Workers use it to push a failed request
// back while pulling their next work item: when r's key is at the
// head and nothing was coalesced, r itself comes straight back,
// signalling an immediate retry. Never blocks on capacity because the
// net queue size does not grow.
func (q *RequestQueue) OfferAndTake(r Request) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	q.insertLocked(r)

	return q.popLocked(), nil
}

// Take blocks until an entry is available, the context is canceled,
// or the queue closes. Entries come out in first-enqueue order of
// their keys.
func (q *RequestQueue) Take(ctx context.Context) (Request, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.notEmpty.Wait()
	}

	return q.popLocked(), nil
}

// Poll removes and returns the head entry without blocking. The
// second return is false when the queue is empty or closed.
func (q *RequestQueue) Poll() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.order) == 0 {
		return nil, false
	}

	return q.popLocked(), true
}

// Remove deletes the queued entry for r's key, but only if that entry
// is r itself (a coalesced replacement stays).
func (q *RequestQueue) Remove(r Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries[r.Key()] != r {
		return
	}

	q.removeKeyLocked(r.Key())
	q.notFull.Broadcast()
}

// Clear drops all pending entries.
func (q *RequestQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make(map[shadow.Key]Request)
	q.order = q.order[:0]
	q.notFull.Broadcast()
}

// Size returns the number of queued keys.
func (q *RequestQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order)
}

// RemainingCapacity returns how many more distinct keys fit.
func (q *RequestQueue) RemainingCapacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.capacity - len(q.order)
}

// Close marks the queue stopped and wakes all waiters. Only the
// service shutdown path closes the queue; strategy swaps keep the
// same queue instance alive so pending entries carry over.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// insertLocked adds r, coalescing with any queued entry for the key.
func (q *RequestQueue) insertLocked(r Request) {
	key := r.Key()

	if existing, ok := q.entries[key]; ok {
		q.entries[key] = Merge(existing, r)
		return
	}

	q.entries[key] = r
	q.order = append(q.order, key)
}

// popLocked removes and returns the head entry. Caller checks that
// the queue is non-empty.
func (q *RequestQueue) popLocked() Request {
	key := q.order[0]
	q.order = q.order[1:]

	r := q.entries[key]
	delete(q.entries, key)
	q.notFull.Broadcast()

	return r
}

// removeKeyLocked removes a key from both the map and the order.
func (q *RequestQueue) removeKeyLocked(key shadow.Key) {
	delete(q.entries, key)

	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}
