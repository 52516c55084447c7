package commandqueue

import (
	"sync"
	"time"
)

// Failure is a dead-letter entry for a command that failed on the worker.
type Failure struct {
	Err      *ExecutionError
	FailedAt time.Time
	Duration time.Duration
}

// deadLetters keeps the most recent failures in a ring buffer; the oldest
// entry is overwritten once capacity is reached.
type deadLetters struct {
	mu    sync.Mutex
	ring  []Failure
	start int
	size  int
}

func newDeadLetters(capacity int) *deadLetters {
	if capacity <= 0 {
		capacity = 100
	}
	return &deadLetters{ring: make([]Failure, capacity)}
}

// push stores f and returns the number of retained failures.
func (d *deadLetters) push(f Failure) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	capacity := len(d.ring)
	if d.size < capacity {
		d.ring[(d.start+d.size)%capacity] = f
		d.size++
		return d.size
	}

	d.ring[d.start] = f
	d.start = (d.start + 1) % capacity
	return d.size
}

// snapshot returns retained failures, oldest first.
func (d *deadLetters) snapshot() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Failure, 0, d.size)
	for i := 0; i < d.size; i++ {
		out = append(out, d.ring[(d.start+i)%len(d.ring)])
	}
	return out
}
