package commandqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WorkerState is the state of the worker loop.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerExecuting
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerExecuting:
		return "executing"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// processor is what the worker calls for each dequeued record.
type processor interface {
	begin(rec *record)
	execute(ctx context.Context, rec *record) error
	finish(rec *record, err error, duration time.Duration)
	abandon(rec *record)
	seal()
}

// Worker owns the single goroutine that drains the queue.
type Worker struct {
	queue  *Queue[*record]
	proc   processor
	logger zerolog.Logger
	slow   time.Duration

	state atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func newWorker(q *Queue[*record], proc processor, slow time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:  q,
		proc:   proc,
		logger: logger,
		slow:   slow,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Start launches the worker loop. Commands run with a context carrying the
// values of ctx; cancelling ctx asks the loop to stop the same way Stop does.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	if w.started {
		return ErrWorkerRunning
	}
	w.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	go w.loop(ctx, runCtx)
	return nil
}

// Stop asks the loop to finish the in-flight command and every command still
// queued, then waits for it to exit. If ctx ends first, the run context is
// cancelled, queued commands are abandoned and ctx.Err() is returned without
// waiting for a command that ignores cancellation.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		if w.stopped {
			w.mu.Unlock()
			<-w.done
			return nil
		}
		w.stopped = true
		w.state.Store(int32(WorkerStopped))
		w.mu.Unlock()
		w.proc.seal()
		for _, rec := range w.queue.Drain() {
			w.proc.abandon(rec)
		}
		close(w.done)
		return nil
	}
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}

// Done is closed when the loop has exited, or when Stop ran before Start.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) loop(ctx, runCtx context.Context) {
	defer close(w.done)
	defer w.cancel()
	defer w.state.Store(int32(WorkerStopped))

	w.logger.Debug().Msg("Worker loop started")
	defer w.logger.Debug().Msg("Worker loop stopped")

	stopping := false
	sealed := false
	parentDone := ctx.Done()

	for {
		if rec, ok := w.queue.Dequeue(); ok {
			if runCtx.Err() != nil {
				w.proc.abandon(rec)
				continue
			}
			w.process(runCtx, rec)
			continue
		}

		if stopping {
			if sealed {
				return
			}
			// One more pass picks up anything enqueued before the seal.
			w.proc.seal()
			sealed = true
			continue
		}

		select {
		case <-w.queue.Ready():
		case <-w.stop:
			stopping = true
		case <-parentDone:
			stopping = true
			parentDone = nil
		}
	}
}

func (w *Worker) process(ctx context.Context, rec *record) {
	w.state.Store(int32(WorkerExecuting))
	defer w.state.Store(int32(WorkerIdle))

	w.proc.begin(rec)

	if w.slow > 0 {
		timer := time.AfterFunc(w.slow, func() {
			w.logger.Warn().
				Str("command_id", rec.cmd.ID()).
				Str("command", rec.cmd.String()).
				Dur("threshold", w.slow).
				Int("queued_behind", w.queue.PendingCount()).
				Msg("Command running longer than expected")
		})
		defer timer.Stop()
	}

	start := time.Now()
	err := w.invoke(ctx, rec)
	w.proc.finish(rec, err, time.Since(start))
}

// invoke runs the command, converting a panic into a *PanicError.
func (w *Worker) invoke(ctx context.Context, rec *record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return w.proc.execute(ctx, rec)
}
