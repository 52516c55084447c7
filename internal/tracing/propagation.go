package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.CommandID != "" {
		logger = logger.With().Str("command_id", tc.CommandID).Logger()
	}
	if tc.Producer != "" {
		logger = logger.With().Str("producer", tc.Producer).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Inherit returns dst carrying the tracing values and span context of src.
// Deadlines and cancellation still come from dst.
func Inherit(dst, src context.Context) context.Context {
	out := NewContext(dst, FromContext(src))
	if sc := trace.SpanContextFromContext(src); sc.IsValid() {
		out = trace.ContextWithSpanContext(out, sc)
	}
	return out
}

// Detach returns a background context carrying the tracing values of ctx,
// without its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return Inherit(context.Background(), ctx)
}
