package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithCommandID(ctx, "cmd-1")
	ctx = WithProducer(ctx, "cli")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "trace-1", out["trace_id"])
	assert.Equal(t, "cmd-1", out["command_id"])
	assert.Equal(t, "cli", out["producer"])
}

func TestLoggerFromContextOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("hello")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.NotContains(t, out, "trace_id")
	assert.NotContains(t, out, "command_id")
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithTraceID(parent, "trace-1")
	parent = WithCommandID(parent, "cmd-1")
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err(), "cancellation must not propagate")
	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
	assert.Equal(t, "trace-1", GetTraceID(detached))
	assert.Equal(t, "cmd-1", GetCommandID(detached))
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Config{ServiceName: "devq-test"}))

	ctx, span := StartSpan(context.Background(), "devq.test", "test.span")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestInheritKeepsDestinationCancellation(t *testing.T) {
	src := WithProducer(WithTraceID(context.Background(), "trace-1"), "cli")
	dst, cancel := context.WithCancel(context.Background())

	ctx := Inherit(dst, src)
	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "cli", GetProducer(ctx))

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
