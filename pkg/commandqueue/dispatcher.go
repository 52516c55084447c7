package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/devq/internal/observability"
	"github.com/harun/devq/internal/tracing"
	"github.com/harun/devq/pkg/command"
)

const tracerName = "devq.commandqueue"

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	// ID names the dispatcher in logs and audit events. Defaults to a nanoid.
	ID string

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// DedupTTL bounds how long a queued or running command ID suppresses
	// duplicate submissions. Zero means 5 minutes; negative disables
	// deduplication. A finished command can always be submitted again.
	DedupTTL time.Duration

	// SlowCommandThreshold logs a warning when one command runs longer.
	// Zero means 5 seconds; negative disables the warning.
	SlowCommandThreshold time.Duration

	// DeadLetterCapacity bounds the number of retained failures. Defaults to 100.
	DeadLetterCapacity int
}

// record is a queued command together with its completion handle.
type record struct {
	cmd        command.Command
	ctx        context.Context
	handle     *Handle
	enqueuedAt time.Time
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Submitted  int64
	Succeeded  int64
	Failed     int64
	Cancelled  int64
	Pending    int
	InFlight   bool
	DeadLetter int
}

// Dispatcher accepts commands from any number of goroutines and executes
// them one at a time, in submission order, on a single worker.
type Dispatcher struct {
	id     string
	logger zerolog.Logger

	queue       *Queue[*record]
	worker      *Worker
	dedup       *dedupCache
	deadLetters *deadLetters

	mu          sync.Mutex
	closed      bool
	outstanding int
	idleWaiters []chan struct{}

	inFlight  atomic.Bool
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// NewDispatcher creates a dispatcher. Call Start to begin executing commands;
// commands submitted before Start wait in the queue.
func NewDispatcher(opts Options) *Dispatcher {
	observability.EnsureRegistered()

	id := opts.ID
	if id == "" {
		id = gonanoid.Must(10)
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	logger := base.With().Str("component", "dispatcher").Str("dispatcher_id", id).Logger()

	slow := opts.SlowCommandThreshold
	if slow == 0 {
		slow = 5 * time.Second
	}

	d := &Dispatcher{
		id:            id,
		logger:        logger,
		queue:         NewQueue[*record](),
		dedup:         newDedupCache(opts.DedupTTL),
		deadLetters:   newDeadLetters(opts.DeadLetterCapacity),
		eventHandlers: make(map[string][]EventHandler),
	}
	d.worker = newWorker(d.queue, d, slow, logger.With().Str("component", "worker").Logger())
	return d
}

// ID returns the dispatcher's identifier.
func (d *Dispatcher) ID() string {
	return d.id
}

// Start launches the worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.worker.Start(ctx); err != nil {
		return err
	}
	d.dedup.start(ctx)

	d.logger.Info().Int("pending", d.queue.PendingCount()).Msg("Dispatcher started")
	observability.RecordLifecycleAudit(ctx, "dispatcher_started", d.id, nil)
	return nil
}

// Stop closes the dispatcher to new submissions and waits for the worker to
// execute everything already accepted. If ctx ends first, commands that have
// not started are cancelled with ErrDispatcherClosed and ctx.Err() is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	pending := d.queue.PendingCount()
	d.logger.Info().Int("pending", pending).Bool("in_flight", d.inFlight.Load()).Msg("Stopping dispatcher")

	err := d.worker.Stop(ctx)
	d.dedup.stop()

	if err != nil {
		d.logger.Warn().Err(err).Int("pending", d.queue.PendingCount()).Msg("Dispatcher stop deadline reached, abandoning queued commands")
	} else {
		d.logger.Info().Msg("Dispatcher stopped")
	}

	observability.RecordLifecycleAudit(ctx, "dispatcher_stopped", d.id, map[string]interface{}{
		"pending_at_stop": pending,
		"clean":           err == nil,
	})
	return err
}

// Submit enqueues cmd and returns immediately.
func (d *Dispatcher) Submit(cmd command.Command) (*Handle, error) {
	return d.SubmitWithContext(context.Background(), cmd)
}

// SubmitWithContext enqueues cmd and propagates tracing metadata from ctx to
// its execution. Cancelling ctx after Submit returns does not affect the command.
//
// A command whose earlier submission is still queued or running is not
// enqueued again; the original handle is returned. Once that submission has
// finished, submitting the same command executes it again.
func (d *Dispatcher) SubmitWithContext(ctx context.Context, cmd command.Command) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"commandqueue.submit",
		attribute.String("command.id", cmd.ID()),
		attribute.String("command.kind", cmd.Kind().String()),
		attribute.String("command.target", cmd.Target()),
	)
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx = tracing.WithCommandID(ctx, cmd.ID())
	logger := tracing.LoggerFromContext(ctx, d.logger)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		span.SetStatus(codes.Error, ErrDispatcherClosed.Error())
		return nil, ErrDispatcherClosed
	}
	if h, dup := d.dedup.get(cmd.ID()); dup {
		d.mu.Unlock()
		logger.Debug().Str("command", cmd.String()).Msg("Duplicate submission, returning existing handle")
		return h, nil
	}

	rec := &record{
		cmd:        cmd,
		ctx:        tracing.Detach(ctx),
		handle:     newHandle(cmd),
		enqueuedAt: time.Now(),
	}
	d.outstanding++
	d.dedup.set(cmd.ID(), rec.handle)
	depth := d.queue.Enqueue(rec)
	d.mu.Unlock()

	d.submitted.Add(1)

	logger.Debug().
		Str("command", cmd.String()).
		Int("queueSize", depth).
		Msg("Command submitted")

	observability.RecordCommandSubmitted(cmd.Kind().String(), depth)

	d.emit(Event{
		Type:      EventSubmitted,
		CommandID: cmd.ID(),
		Kind:      cmd.Kind(),
		Target:    cmd.Target(),
		Data: map[string]interface{}{
			"queueSize": depth,
		},
	})

	return rec.handle, nil
}

// Done is closed once the worker has exited, after Stop or after the
// context given to Start is cancelled. Every accepted command has finished
// or been cancelled by then.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.worker.Done()
}

// HasPending reports whether any accepted command has not finished yet,
// counting both queued and in-flight commands. The answer can be stale as
// soon as it is returned; use WaitIdle or a Handle to synchronize.
func (d *Dispatcher) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding > 0
}

// PendingCount returns the number of commands waiting in the queue. A
// command being executed is not counted.
func (d *Dispatcher) PendingCount() int {
	return d.queue.PendingCount()
}

// InFlight reports whether the worker is executing a command right now.
func (d *Dispatcher) InFlight() bool {
	return d.inFlight.Load()
}

// WorkerState returns the state of the worker loop.
func (d *Dispatcher) WorkerState() WorkerState {
	return d.worker.State()
}

// WaitIdle blocks until no accepted command is outstanding or ctx ends.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	if d.outstanding == 0 {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.idleWaiters = append(d.idleWaiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the retained failed commands, oldest first.
func (d *Dispatcher) Failures() []Failure {
	return d.deadLetters.snapshot()
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Cancelled:  d.cancelled.Load(),
		Pending:    d.queue.PendingCount(),
		InFlight:   d.inFlight.Load(),
		DeadLetter: len(d.deadLetters.snapshot()),
	}
}

// seal closes the dispatcher to new submissions. The worker calls it before
// exiting so nothing can be enqueued behind its last dequeue.
func (d *Dispatcher) seal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// release marks one accepted command as finished and wakes idle waiters.
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.outstanding--
	if d.outstanding > 0 {
		return
	}
	for _, ch := range d.idleWaiters {
		close(ch)
	}
	d.idleWaiters = nil
}

func (d *Dispatcher) begin(rec *record) {
	d.inFlight.Store(true)
	observability.SetWorkerBusy(true)
	rec.handle.markRunning(time.Now())

	logger := tracing.LoggerFromContext(rec.ctx, d.logger)
	logger.Debug().
		Str("command", rec.cmd.String()).
		Dur("waited", time.Since(rec.enqueuedAt)).
		Msg("Command started")

	d.emit(Event{
		Type:      EventStarted,
		CommandID: rec.cmd.ID(),
		Kind:      rec.cmd.Kind(),
		Target:    rec.cmd.Target(),
	})
}

func (d *Dispatcher) execute(ctx context.Context, rec *record) error {
	ctx = tracing.Inherit(ctx, rec.ctx)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"commandqueue.execute",
		attribute.String("command.id", rec.cmd.ID()),
		attribute.String("command.kind", rec.cmd.Kind().String()),
		attribute.String("command.target", rec.cmd.Target()),
	)
	defer span.End()

	err := rec.cmd.Execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) finish(rec *record, err error, duration time.Duration) {
	logger := tracing.LoggerFromContext(rec.ctx, d.logger)
	kind := rec.cmd.Kind().String()

	if err == nil {
		rec.handle.finish(StatusSucceeded, nil)
		d.dedup.remove(rec.cmd.ID(), rec.handle)
		d.succeeded.Add(1)
		observability.RecordCommandExecuted(kind, observability.StatusSuccess, duration, d.queue.PendingCount())

		logger.Debug().
			Str("command", rec.cmd.String()).
			Dur("duration", duration).
			Msg("Command completed")

		d.inFlight.Store(false)
		observability.SetWorkerBusy(false)
		d.emit(Event{
			Type:      EventCompleted,
			CommandID: rec.cmd.ID(),
			Kind:      rec.cmd.Kind(),
			Target:    rec.cmd.Target(),
			Data: map[string]interface{}{
				"duration": duration.Milliseconds(),
				"success":  true,
			},
		})
		d.release()
		return
	}

	var panicErr *PanicError
	execErr := &ExecutionError{
		CommandID: rec.cmd.ID(),
		Kind:      rec.cmd.Kind(),
		Target:    rec.cmd.Target(),
		Panicked:  errors.As(err, &panicErr),
		Err:       err,
	}

	retained := d.deadLetters.push(Failure{Err: execErr, FailedAt: time.Now(), Duration: duration})
	rec.handle.finish(StatusFailed, execErr)
	d.dedup.remove(rec.cmd.ID(), rec.handle)
	d.failed.Add(1)

	event := logger.Error().
		Str("command", rec.cmd.String()).
		Dur("duration", duration).
		Bool("panicked", execErr.Panicked).
		Err(err)
	if panicErr != nil {
		event = event.Bytes("stack", panicErr.Stack)
	}
	event.Msg("Command failed")

	observability.RecordCommandExecuted(kind, observability.StatusError, duration, d.queue.PendingCount())
	observability.SetDeadLetters(retained)
	observability.RecordCommandAudit(rec.ctx, "command_failed", producerOf(rec.ctx, d.id), "failure", map[string]interface{}{
		"command_id": rec.cmd.ID(),
		"kind":       kind,
		"target":     rec.cmd.Target(),
		"error":      err.Error(),
		"panicked":   execErr.Panicked,
	})

	d.inFlight.Store(false)
	observability.SetWorkerBusy(false)
	d.emit(Event{
		Type:      EventFailed,
		CommandID: rec.cmd.ID(),
		Kind:      rec.cmd.Kind(),
		Target:    rec.cmd.Target(),
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  false,
			"error":    err.Error(),
		},
	})
	d.release()
}

func (d *Dispatcher) abandon(rec *record) {
	err := fmt.Errorf("command %s not executed: %w", rec.cmd.ID(), ErrDispatcherClosed)
	if !rec.handle.finish(StatusCancelled, err) {
		return
	}
	d.cancelled.Add(1)

	d.dedup.remove(rec.cmd.ID(), rec.handle)

	logger := tracing.LoggerFromContext(rec.ctx, d.logger)
	logger.Warn().
		Str("command", rec.cmd.String()).
		Msg("Command cancelled by shutdown")

	observability.RecordCommandExecuted(rec.cmd.Kind().String(), observability.StatusCancelled, 0, d.queue.PendingCount())
	trace.SpanFromContext(rec.ctx).AddEvent("command.cancelled")

	d.emit(Event{
		Type:      EventCancelled,
		CommandID: rec.cmd.ID(),
		Kind:      rec.cmd.Kind(),
		Target:    rec.cmd.Target(),
	})
	d.release()
}

func producerOf(ctx context.Context, fallback string) string {
	if p := tracing.GetProducer(ctx); p != "" {
		return p
	}
	return fallback
}
