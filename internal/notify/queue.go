package notify

import "sync"

// queue is a thread-safe FIFO queue.
//
// The queue is unbounded so that publishers never block on a slow
// subscriber. The signal channel lets the draining goroutine wait with
// select alongside its own cancellation.
type queue[E any] struct {
	mu     sync.Mutex
	items  []E
	closed bool
	signal chan struct{} // Signals item availability (buffered, size 1)
}

func newQueue[E any]() *queue[E] {
	return &queue[E]{
		items:  make([]E, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds e to the back of the queue.
// Returns false if the queue is closed.
func (q *queue[E]) Enqueue(e E) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front item without blocking.
// The second result is false if the queue is empty.
func (q *queue[E]) TryDequeue() (E, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero E
	if len(q.items) == 0 {
		return zero, false
	}

	e := q.items[0]

	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return e, true
}

// Wait returns a channel that signals when items may be available. After
// Close it is always ready.
func (q *queue[E]) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed and empty.
func (q *queue[E]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Len returns the current queue length.
func (q *queue[E]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more items will be enqueued. Items already queued
// stay available.
func (q *queue[E]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
