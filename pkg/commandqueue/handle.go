package commandqueue

import (
	"context"
	"sync"
	"time"

	"github.com/harun/devq/pkg/command"
)

// Status is the lifecycle state of a submitted command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Handle tracks one submitted command until it completes.
// It keeps only the command's identity, not the command itself.
type Handle struct {
	id          string
	kind        command.Kind
	target      string
	submittedAt time.Time
	done        chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newHandle(cmd command.Command) *Handle {
	return &Handle{
		id:          cmd.ID(),
		kind:        cmd.Kind(),
		target:      cmd.Target(),
		submittedAt: time.Now(),
		done:        make(chan struct{}),
		status:      StatusQueued,
	}
}

func (h *Handle) ID() string             { return h.id }
func (h *Handle) Kind() command.Kind     { return h.kind }
func (h *Handle) Target() string         { return h.target }
func (h *Handle) SubmittedAt() time.Time { return h.submittedAt }

// Done is closed once the command has succeeded, failed or been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the command's failure once it is done, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Duration returns how long the command executed. It is zero until the
// command finishes and for cancelled commands.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startedAt.IsZero() || h.finishedAt.IsZero() {
		return 0
	}
	return h.finishedAt.Sub(h.startedAt)
}

// Wait blocks until the command is done or ctx ends. It returns the
// command's failure (an *ExecutionError, or ErrDispatcherClosed for a
// cancelled command), or ctx.Err().
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) markRunning(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusRunning
	h.startedAt = at
}

// finish records the outcome and releases waiters. Only the first call has effect.
func (h *Handle) finish(status Status, err error) bool {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.status = status
	h.err = err
	h.finishedAt = time.Now()
	h.mu.Unlock()

	close(h.done)
	return true
}
