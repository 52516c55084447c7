// Package hooks runs shell scripts in response to dispatcher events, for
// example to page someone when a measurement fails.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/devq/pkg/commandqueue"
)

// Hook defines a script run for a dispatcher event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
}

// Config configures a Hook manager.
type Config struct {
	Hooks  []Hook
	Logger zerolog.Logger
}

// invocation is one queued hook run.
type invocation struct {
	event string
	data  map[string]interface{}
}

// Manager executes configured hooks. Hooks attached to a dispatcher run on
// the manager's own goroutine, in event order, so a slow script never holds
// up the dispatcher worker.
type Manager struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook

	pending  *commandqueue.Queue[invocation]
	runMu    sync.Mutex
	started  bool
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var validEvents = map[string]bool{
	commandqueue.EventSubmitted: true,
	commandqueue.EventStarted:   true,
	commandqueue.EventCompleted: true,
	commandqueue.EventFailed:    true,
	commandqueue.EventCancelled: true,
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
		pending:      commandqueue.NewQueue[invocation](),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	for _, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !validEvents[event] {
			return nil, fmt.Errorf("hook %s: unknown event %q", hook.ID, event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Events returns the events that have at least one hook, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.hooksByEvent))
	for event := range m.hooksByEvent {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Attach subscribes the manager to d's events. Matching events are queued
// and run by the loop started with Start.
func (m *Manager) Attach(d *commandqueue.Dispatcher) {
	for _, event := range m.Events() {
		d.On(event, func(e commandqueue.Event) {
			m.pending.Enqueue(invocation{event: e.Type, data: eventData(e)})
		})
	}
}

// Start launches the loop that runs queued hooks.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop(context.WithoutCancel(ctx))
}

// Stop runs the hooks still queued and waits for the loop to exit, or
// returns ctx.Err() if ctx ends first.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	started := m.started
	m.runMu.Unlock()
	if !started {
		return nil
	}

	m.stopOnce.Do(func() { close(m.stopping) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	stopping := false
	for {
		if inv, ok := m.pending.Dequeue(); ok {
			if err := m.Trigger(ctx, inv.event, inv.data); err != nil {
				m.logger.Error().Err(err).Str("event", inv.event).Msg("Hook failed")
			}
			continue
		}
		if stopping {
			return
		}
		select {
		case <-m.pending.Ready():
		case <-m.stopping:
			stopping = true
		}
	}
}

// Trigger executes hooks registered for an event synchronously.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
	}

	return nil
}

func eventData(e commandqueue.Event) map[string]interface{} {
	data := map[string]interface{}{
		"command_id": e.CommandID,
		"kind":       e.Kind.String(),
		"target":     e.Target,
	}
	for k, v := range e.Data {
		data[k] = v
	}
	return data
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "DEVQ_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "DEVQ_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
