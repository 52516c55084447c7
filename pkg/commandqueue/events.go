package commandqueue

import (
	"runtime/debug"

	"github.com/harun/devq/pkg/command"
)

// Event types emitted by the dispatcher.
const (
	EventSubmitted = "submitted"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// EventHandler is a function that handles dispatcher events. Handlers run
// synchronously on the emitting goroutine (a producer for "submitted", the
// worker otherwise) and must not block. A panicking handler is recovered and
// logged; it does not affect the command or other handlers.
type EventHandler func(event Event)

// Event describes one step in a command's lifecycle.
type Event struct {
	Type      string
	CommandID string
	Kind      command.Kind
	Target    string
	Data      map[string]interface{}
}

// On registers an event handler for a specific event type
func (d *Dispatcher) On(eventType string, handler EventHandler) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	d.eventHandlers[eventType] = append(d.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (d *Dispatcher) Off(eventType string) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	delete(d.eventHandlers, eventType)
}

func (d *Dispatcher) emit(event Event) {
	d.eventMu.RLock()
	handlers := d.eventHandlers[event.Type]
	d.eventMu.RUnlock()

	for _, handler := range handlers {
		d.callHandler(handler, event)
	}
}

func (d *Dispatcher) callHandler(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", event.Type).
				Str("command_id", event.CommandID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
