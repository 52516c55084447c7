package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/harun/devq/internal/tracing"
	"github.com/harun/devq/pkg/command"
	"github.com/harun/devq/pkg/device"
)

// opLog records operations from every fake device in execution order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// fakeDevice is an Instrument whose behaviour is controlled by the test.
type fakeDevice struct {
	name    string
	log     *opLog
	active  *atomic.Int32
	overlap *atomic.Bool
	delay   time.Duration
	gate    chan struct{}
	failOn  map[int]bool
	panicOn string
	ctxs    chan context.Context
}

func newFakeDevice(name string, log *opLog) *fakeDevice {
	return &fakeDevice{
		name:    name,
		log:     log,
		active:  &atomic.Int32{},
		overlap: &atomic.Bool{},
		failOn:  map[int]bool{},
	}
}

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) run(ctx context.Context, op string) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)

	if f.ctxs != nil {
		f.ctxs <- ctx
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicOn == op {
		panic("device exploded")
	}
	f.log.add(f.name + ":" + op)
}

func (f *fakeDevice) TurnOn(ctx context.Context) error {
	f.run(ctx, "on")
	return nil
}

func (f *fakeDevice) TurnOff(ctx context.Context) error {
	f.run(ctx, "off")
	return nil
}

func (f *fakeDevice) Measure(ctx context.Context, protocolID int) error {
	op := fmt.Sprintf("measure%d", protocolID)
	f.run(ctx, op)
	if f.failOn[protocolID] {
		return fmt.Errorf("protocol %d: %w", protocolID, device.ErrProtocolFailed)
	}
	return nil
}

func newTestDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	d := NewDispatcher(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}

func TestDispatcherExecutesInSubmissionOrder(t *testing.T) {
	log := &opLog{}
	a := newFakeDevice("deviceA", log)
	b := newFakeDevice("deviceB", log)

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	for _, cmd := range []command.Command{
		command.PowerOn(a),
		command.PowerOn(b),
		command.PowerOff(a),
		command.Measure(b, 3),
	} {
		_, err := d.Submit(cmd)
		require.NoError(t, err)
	}

	waitIdle(t, d)
	assert.Equal(t, []string{"deviceA:on", "deviceB:on", "deviceA:off", "deviceB:measure3"}, log.snapshot())
	assert.False(t, d.HasPending())
}

func TestDispatcherFailureDoesNotStopLaterCommands(t *testing.T) {
	log := &opLog{}
	lab := newFakeDevice("analyzer", log)
	lab.failOn[1] = true

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	h1, err := d.Submit(command.Measure(lab, 1))
	require.NoError(t, err)
	h2, err := d.Submit(command.Measure(lab, 2))
	require.NoError(t, err)
	h3, err := d.Submit(command.PowerOff(lab))
	require.NoError(t, err)

	waitIdle(t, d)

	err = h1.Wait(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, device.ErrProtocolFailed)
	assert.Equal(t, h1.ID(), execErr.CommandID)
	assert.Equal(t, command.KindMeasure, execErr.Kind)
	assert.Equal(t, "analyzer", execErr.Target)
	assert.False(t, execErr.Panicked)
	assert.Equal(t, StatusFailed, h1.Status())

	assert.NoError(t, h2.Wait(context.Background()))
	assert.Equal(t, StatusSucceeded, h2.Status())
	assert.NoError(t, h3.Wait(context.Background()))
	assert.Equal(t, StatusSucceeded, h3.Status())
	assert.Equal(t, []string{"analyzer:measure1", "analyzer:measure2", "analyzer:off"}, log.snapshot())

	failures := d.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, h1.ID(), failures[0].Err.CommandID)

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	log := &opLog{}
	bad := newFakeDevice("bad", log)
	bad.panicOn = "on"
	good := newFakeDevice("good", log)

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	h1, err := d.Submit(command.PowerOn(bad))
	require.NoError(t, err)
	h2, err := d.Submit(command.PowerOn(good))
	require.NoError(t, err)

	waitIdle(t, d)

	var execErr *ExecutionError
	require.ErrorAs(t, h1.Err(), &execErr)
	assert.True(t, execErr.Panicked)

	var panicErr *PanicError
	require.ErrorAs(t, h1.Err(), &panicErr)
	assert.Equal(t, "device exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)

	assert.NoError(t, h2.Err())
	assert.Equal(t, []string{"good:on"}, log.snapshot())
	assert.NotEqual(t, WorkerStopped, d.WorkerState())
}

func TestDispatcherSubmitDoesNotBlock(t *testing.T) {
	log := &opLog{}
	slow := newFakeDevice("slow", log)
	slow.gate = make(chan struct{})

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(command.PowerOn(slow))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_, _ = d.Submit(command.PowerOff(slow))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked while the worker was busy")
	}

	assert.True(t, d.HasPending())
	assert.Eventually(t, d.InFlight, time.Second, time.Millisecond)
	assert.Equal(t, 100, d.PendingCount())

	close(slow.gate)
	waitIdle(t, d)
	assert.Len(t, log.snapshot(), 101)
	assert.False(t, d.HasPending())
}

func TestDispatcherSerializesExecution(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("shared", log)
	dev.delay = time.Millisecond

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	const producers, perProducer = 4, 25
	g, _ := errgroup.WithContext(context.Background())
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				if _, err := d.Submit(command.Measure(dev, p*perProducer+i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	waitIdle(t, d)
	assert.False(t, dev.overlap.Load(), "commands overlapped")

	ops := log.snapshot()
	require.Len(t, ops, producers*perProducer)

	// Each producer's commands run in the order that producer submitted them.
	last := map[int]int{}
	for _, op := range ops {
		var id int
		_, err := fmt.Sscanf(op, "shared:measure%d", &id)
		require.NoError(t, err)
		p := id / perProducer
		if prev, ok := last[p]; ok {
			assert.Less(t, prev, id)
		}
		last[p] = id
	}
}

func TestDispatcherQueuesBeforeStart(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)

	d := newTestDispatcher(t, Options{})
	h, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)

	assert.True(t, d.HasPending())
	assert.Equal(t, StatusQueued, h.Status())
	assert.Empty(t, log.snapshot())

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, []string{"tv:on"}, log.snapshot())
}

func TestDispatcherStartTwice(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrWorkerRunning)
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)
	dev.delay = 5 * time.Millisecond

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := d.Submit(command.Measure(dev, i))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	for _, h := range handles {
		assert.Equal(t, StatusSucceeded, h.Status())
	}
	assert.Len(t, log.snapshot(), 10)
	assert.Equal(t, WorkerStopped, d.WorkerState())

	_, err := d.Submit(command.PowerOn(dev))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.ErrorIs(t, d.Start(context.Background()), ErrWorkerStopped)
}

func TestDispatcherStopDeadlineCancelsQueued(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)
	dev.gate = make(chan struct{})

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	running, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)
	queued, err := d.Submit(command.PowerOff(dev))
	require.NoError(t, err)
	require.Eventually(t, d.InFlight, time.Second, time.Millisecond)

	var cancelled atomic.Int32
	d.On(EventCancelled, func(Event) { cancelled.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	// The in-flight command finishes; the queued one is abandoned.
	close(dev.gate)
	require.NoError(t, running.Wait(context.Background()))
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrDispatcherClosed)
	assert.Equal(t, StatusCancelled, queued.Status())

	waitIdle(t, d)
	assert.Equal(t, []string{"tv:on"}, log.snapshot())
	assert.Equal(t, int32(1), cancelled.Load())
	assert.Equal(t, int64(1), d.Stats().Cancelled)
}

func TestDispatcherStopWithoutStart(t *testing.T) {
	dev := newFakeDevice("tv", &opLog{})
	d := newTestDispatcher(t, Options{})

	h, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)

	require.NoError(t, d.Stop(context.Background()))
	assert.ErrorIs(t, h.Err(), ErrDispatcherClosed)
	assert.False(t, d.HasPending())

	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrWorkerStopped)
}

func TestDispatcherParentContextCancelStopsWorker(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)

	d := newTestDispatcher(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	h, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	cancel()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after parent context was cancelled")
	}
	assert.Equal(t, WorkerStopped, d.WorkerState())

	_, err = d.Submit(command.PowerOn(dev))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.False(t, d.HasPending())
	assert.NoError(t, d.WaitIdle(context.Background()))
	assert.Equal(t, []string{"tv:on"}, log.snapshot())
}

func TestDispatcherRejectsInvalidCommand(t *testing.T) {
	d := newTestDispatcher(t, Options{})

	_, err := d.Submit(command.PowerOn(nil))
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
	assert.False(t, d.HasPending())
	assert.Equal(t, int64(0), d.Stats().Submitted)
}

func TestDispatcherDeduplicatesByCommandID(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)

	d := newTestDispatcher(t, Options{DedupTTL: time.Minute})
	cmd := command.PowerOn(dev)

	h1, err := d.Submit(cmd)
	require.NoError(t, err)
	h2, err := d.Submit(cmd)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, d.PendingCount())

	require.NoError(t, d.Start(context.Background()))
	waitIdle(t, d)
	assert.Equal(t, []string{"tv:on"}, log.snapshot())

	t.Run("finished command runs again", func(t *testing.T) {
		log := &opLog{}
		dev := newFakeDevice("lab", log)
		d := newTestDispatcher(t, Options{DedupTTL: time.Minute})
		require.NoError(t, d.Start(context.Background()))

		on := command.PowerOn(dev)
		off := command.PowerOff(dev)
		var handles []*Handle
		for _, cmd := range []command.Command{on, off, on} {
			h, err := d.Submit(cmd)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			handles = append(handles, h)
		}

		assert.NotSame(t, handles[0], handles[2])
		assert.Equal(t, []string{"lab:on", "lab:off", "lab:on"}, log.snapshot())
		assert.Equal(t, int64(3), d.Stats().Submitted)
		assert.Eventually(t, func() bool { return d.dedup.size() == 0 }, time.Second, time.Millisecond)
	})

	t.Run("disabled", func(t *testing.T) {
		log := &opLog{}
		dev := newFakeDevice("tv", log)
		d := newTestDispatcher(t, Options{DedupTTL: -1})
		require.NoError(t, d.Start(context.Background()))

		cmd := command.PowerOn(dev)
		h1, err := d.Submit(cmd)
		require.NoError(t, err)
		h2, err := d.Submit(cmd)
		require.NoError(t, err)
		assert.NotSame(t, h1, h2)

		waitIdle(t, d)
		assert.Equal(t, []string{"tv:on", "tv:on"}, log.snapshot())
	})
}

func TestDispatcherEvents(t *testing.T) {
	lab := newFakeDevice("analyzer", &opLog{})
	lab.failOn[1] = true

	d := newTestDispatcher(t, Options{})

	var mu sync.Mutex
	var seen []string
	record := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type+":"+e.Target)
	}
	for _, typ := range []string{EventSubmitted, EventStarted, EventCompleted, EventFailed} {
		d.On(typ, record)
	}

	require.NoError(t, d.Start(context.Background()))
	_, err := d.Submit(command.Measure(lab, 2))
	require.NoError(t, err)
	waitIdle(t, d)
	_, err = d.Submit(command.Measure(lab, 1))
	require.NoError(t, err)
	waitIdle(t, d)

	mu.Lock()
	assert.Equal(t, []string{
		"submitted:analyzer", "started:analyzer", "completed:analyzer",
		"submitted:analyzer", "started:analyzer", "failed:analyzer",
	}, seen)
	mu.Unlock()

	d.Off(EventSubmitted)
	_, err = d.Submit(command.Measure(lab, 3))
	require.NoError(t, err)
	waitIdle(t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "started:analyzer", seen[6])
}

func TestDispatcherDeadLetterCapacity(t *testing.T) {
	lab := newFakeDevice("analyzer", &opLog{})
	for i := 0; i < 5; i++ {
		lab.failOn[i] = true
	}

	d := newTestDispatcher(t, Options{DeadLetterCapacity: 2})
	require.NoError(t, d.Start(context.Background()))

	var ids []string
	for i := 0; i < 5; i++ {
		h, err := d.Submit(command.Measure(lab, i))
		require.NoError(t, err)
		ids = append(ids, h.ID())
	}
	waitIdle(t, d)

	failures := d.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, ids[3], failures[0].Err.CommandID)
	assert.Equal(t, ids[4], failures[1].Err.CommandID)
	assert.Equal(t, int64(5), d.Stats().Failed)
}

func TestDispatcherPropagatesTraceContext(t *testing.T) {
	dev := newFakeDevice("tv", &opLog{})
	dev.ctxs = make(chan context.Context, 1)

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ctx = tracing.WithTraceID(ctx, "trace-123")
	ctx = tracing.WithProducer(ctx, "script")

	h, err := d.SubmitWithContext(ctx, command.PowerOn(dev))
	require.NoError(t, err)
	cancel()

	execCtx := <-dev.ctxs
	require.NoError(t, h.Wait(context.Background()))

	assert.Equal(t, "trace-123", tracing.GetTraceID(execCtx))
	assert.Equal(t, "script", tracing.GetProducer(execCtx))
	assert.Equal(t, h.ID(), tracing.GetCommandID(execCtx))
	assert.NoError(t, execCtx.Err(), "producer cancellation must not reach the command")
}

func TestDispatcherWaitIdleHonoursContext(t *testing.T) {
	dev := newFakeDevice("tv", &opLog{})
	dev.gate = make(chan struct{})

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))
	_, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitIdle(ctx), context.DeadlineExceeded)

	close(dev.gate)
	waitIdle(t, d)
}

func TestHandleDuration(t *testing.T) {
	dev := newFakeDevice("tv", &opLog{})
	dev.delay = 10 * time.Millisecond

	d := newTestDispatcher(t, Options{})
	require.NoError(t, d.Start(context.Background()))
	h, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), h.Duration())
	require.NoError(t, h.Wait(context.Background()))
	assert.GreaterOrEqual(t, h.Duration(), 10*time.Millisecond)
	assert.True(t, h.Status().Terminal())
}

func TestExecutionErrorMessage(t *testing.T) {
	err := &ExecutionError{
		CommandID: "c1",
		Kind:      command.KindMeasure,
		Target:    "analyzer",
		Err:       errors.New("boom"),
	}
	assert.Equal(t, "command c1 measure(analyzer) failed: boom", err.Error())

	err.Panicked = true
	assert.Contains(t, err.Error(), "panicked")
}

func TestDispatcherScenarios(t *testing.T) {
	tests := []struct {
		name     string
		failOn   []int
		steps    func(a, b *fakeDevice) []command.Command
		expected []string
		failed   int64
	}{
		{
			name: "power and measurements across devices",
			steps: func(a, b *fakeDevice) []command.Command {
				return []command.Command{
					command.PowerOn(a),
					command.Measure(b, 1),
					command.Measure(b, 2),
					command.PowerOff(b),
				}
			},
			expected: []string{"A:on", "B:measure1", "B:measure2", "B:off"},
		},
		{
			name:   "failed measurement is followed by the rest",
			failOn: []int{1},
			steps: func(a, b *fakeDevice) []command.Command {
				return []command.Command{
					command.PowerOn(a),
					command.Measure(b, 1),
					command.Measure(b, 2),
					command.PowerOff(b),
				}
			},
			expected: []string{"A:on", "B:measure1", "B:measure2", "B:off"},
			failed:   1,
		},
		{
			name: "every command runs exactly once",
			steps: func(a, b *fakeDevice) []command.Command {
				var cmds []command.Command
				for i := 0; i < 5; i++ {
					cmds = append(cmds, command.PowerOn(a), command.Measure(b, i))
				}
				return cmds
			},
			expected: []string{
				"A:on", "B:measure0", "A:on", "B:measure1", "A:on",
				"B:measure2", "A:on", "B:measure3", "A:on", "B:measure4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &opLog{}
			a := newFakeDevice("A", log)
			b := newFakeDevice("B", log)
			for _, id := range tt.failOn {
				b.failOn[id] = true
			}

			d := newTestDispatcher(t, Options{})
			require.NoError(t, d.Start(context.Background()))

			cmds := tt.steps(a, b)
			for _, cmd := range cmds {
				_, err := d.Submit(cmd)
				require.NoError(t, err)
			}

			assert.Eventually(t, func() bool { return !d.HasPending() }, 5*time.Second, time.Millisecond)

			assert.Equal(t, tt.expected, log.snapshot())
			stats := d.Stats()
			assert.Equal(t, int64(len(cmds)), stats.Submitted)
			assert.Equal(t, tt.failed, stats.Failed)
			assert.Equal(t, int64(len(cmds))-tt.failed, stats.Succeeded)
			assert.Equal(t, 0, d.PendingCount())
		})
	}
}

func TestDispatcherSurvivesPanickingEventHandler(t *testing.T) {
	log := &opLog{}
	dev := newFakeDevice("tv", log)

	d := newTestDispatcher(t, Options{})
	var completed atomic.Int32
	d.On(EventStarted, func(Event) { panic("handler exploded") })
	d.On(EventCompleted, func(Event) { completed.Add(1) })
	require.NoError(t, d.Start(context.Background()))

	h1, err := d.Submit(command.PowerOn(dev))
	require.NoError(t, err)
	h2, err := d.Submit(command.PowerOff(dev))
	require.NoError(t, err)

	waitIdle(t, d)
	assert.NoError(t, h1.Err())
	assert.NoError(t, h2.Err())
	assert.Equal(t, []string{"tv:on", "tv:off"}, log.snapshot())
	assert.Equal(t, int32(2), completed.Load())
}
