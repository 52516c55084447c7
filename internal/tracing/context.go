package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CommandIDKey is the context key for the command being submitted or executed
	CommandIDKey ContextKey = "command_id"
	// ProducerKey is the context key naming who submitted a command
	ProducerKey ContextKey = "producer"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	CommandID string
	Producer  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// WithProducer adds a producer name to the context
func WithProducer(ctx context.Context, producer string) context.Context {
	return context.WithValue(ctx, ProducerKey, producer)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	if id, ok := ctx.Value(CommandIDKey).(string); ok {
		return id
	}
	return ""
}

// GetProducer retrieves the producer name from the context
func GetProducer(ctx context.Context) string {
	if p, ok := ctx.Value(ProducerKey).(string); ok {
		return p
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		CommandID: GetCommandID(ctx),
		Producer:  GetProducer(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CommandID != "" {
		ctx = WithCommandID(ctx, tc.CommandID)
	}
	if tc.Producer != "" {
		ctx = WithProducer(ctx, tc.Producer)
	}
	return ctx
}

// NewRequestContext creates a new context with a fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
