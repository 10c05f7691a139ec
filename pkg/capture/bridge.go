package capture

import (
	"context"
	"sync"
	"time"
)

// CompletionQueue carries completed slot indices from the device's
// completion goroutine to the capture loop in the order they were pushed.
//
// Push never blocks: it appends under the lock and leaves a wake token in a
// one-element channel. Next re-checks the queue after every wake, so a token
// left by an item that was already taken only costs one extra check.
type CompletionQueue struct {
	mu    sync.Mutex
	items []int
	wake  chan struct{}
}

// NewCompletionQueue returns an empty queue sized for capacity slots.
func NewCompletionQueue(capacity int) *CompletionQueue {
	return &CompletionQueue{
		items: make([]int, 0, capacity),
		wake:  make(chan struct{}, 1),
	}
}

// Push appends slot i and wakes the consumer.
func (q *CompletionQueue) Push(i int) {
	q.mu.Lock()
	q.items = append(q.items, i)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next returns the earliest pushed slot. It waits at most timeout for one to
// arrive and gives up early when ctx is done; ok is false in both cases.
func (q *CompletionQueue) Next(ctx context.Context, timeout time.Duration) (i int, ok bool) {
	if i, ok := q.pop(); ok {
		return i, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.wake:
			if i, ok := q.pop(); ok {
				return i, true
			}
		case <-timer.C:
			return q.pop()
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (q *CompletionQueue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	// At most one entry per slot, so shifting is cheap and keeps the backing
	// array from creeping forward.
	i := q.items[0]
	n := copy(q.items, q.items[1:])
	q.items = q.items[:n]
	return i, true
}

// Len returns the number of slots waiting to be taken.
func (q *CompletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
