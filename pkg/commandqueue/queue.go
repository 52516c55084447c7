package commandqueue

import (
	"sync"
	"sync/atomic"
)

// compactThreshold is the number of consumed slots after which Dequeue
// considers shifting the live items to the front of the buffer.
const compactThreshold = 64

// Queue is an unbounded FIFO safe for many producers and a single consumer.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int

	pending atomic.Int64
	ready   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Enqueue appends item and wakes the consumer. It never blocks on the
// consumer and returns the pending count after the insert.
func (q *Queue[T]) Enqueue(item T) int {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items) - q.head
	q.pending.Store(int64(n))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return n
}

// Dequeue removes and returns the oldest item. ok is false when the queue is empty.
// Only one goroutine may call Dequeue at a time.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return item, false
	}

	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	q.pending.Store(int64(len(q.items) - q.head))
	return item, true
}

// Drain removes and returns every pending item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.pending.Store(0)
	return out
}

// PendingCount returns the number of items not yet dequeued. It does not
// take the queue lock, so the value may be stale by the time it is used.
func (q *Queue[T]) PendingCount() int {
	return int(q.pending.Load())
}

// Ready is signalled after an Enqueue. A receive may be spurious; the
// consumer must Dequeue until empty before waiting again.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
