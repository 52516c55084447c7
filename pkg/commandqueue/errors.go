package commandqueue

import (
	"errors"
	"fmt"

	"github.com/harun/devq/pkg/command"
)

var (
	// ErrDispatcherClosed is returned by Submit after Stop, and set on the
	// handles of commands that were still queued when Stop gave up waiting.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrWorkerRunning is returned by Start when the worker is already running.
	ErrWorkerRunning = errors.New("worker already running")

	// ErrWorkerStopped is returned by Start after Stop.
	ErrWorkerStopped = errors.New("worker stopped")
)

// ExecutionError describes a command that failed on the worker.
type ExecutionError struct {
	CommandID string
	Kind      command.Kind
	Target    string
	Panicked  bool
	Err       error
}

func (e *ExecutionError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("command %s %s(%s) %s: %v", e.CommandID, e.Kind, e.Target, verb, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking command.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
