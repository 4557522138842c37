package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", AgentID(ctx))
	assert.Equal(t, "", ScheduleID(ctx))

	ctx = WithExecutionID(ctx, "ex-123")
	ctx = WithStepID(ctx, "step-1")
	ctx = WithAgentID(ctx, "agent-42")
	ctx = WithScheduleID(ctx, "sch-9")

	assert.Equal(t, "ex-123", ExecutionID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
	assert.Equal(t, "agent-42", AgentID(ctx))
	assert.Equal(t, "sch-9", ScheduleID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecutionID(context.Background(), "ex-abc")
	ctx = WithAgentID(ctx, "agent-7")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=ex-abc")
	assert.Contains(t, output, "agent_id=agent-7")
	assert.NotContains(t, output, "step_id")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithStepID(WithExecutionID(context.Background(), "ex-auto"), "step-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"ex-auto"`)
	assert.Contains(t, output, `"step_id":"step-auto"`)
	assert.NotContains(t, output, "agent_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "runner")}))

	logger.InfoContext(WithExecutionID(context.Background(), "ex-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"ex-attr"`)
	assert.Contains(t, output, `"component":"runner"`)
}

func TestNew_Formats(t *testing.T) {
	var jsonBuf, tintBuf bytes.Buffer

	New(&jsonBuf, "json", "debug").DebugContext(WithAgentID(context.Background(), "a1"), "hello")
	assert.Contains(t, jsonBuf.String(), `"agent_id":"a1"`)

	New(&tintBuf, "tint", "warn").Info("dropped")
	assert.Empty(t, tintBuf.String())

	New(&tintBuf, "tint", "info").Info("kept", "k", "v")
	assert.Contains(t, tintBuf.String(), "kept")
	assert.Contains(t, tintBuf.String(), "k=v")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
