package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type recordingSpan struct {
	noop.Span
	sc     trace.SpanContext
	events []string
	errs   []error
	status codes.Code
}

func (s *recordingSpan) IsRecording() bool                { return true }
func (s *recordingSpan) SpanContext() trace.SpanContext   { return s.sc }
func (s *recordingSpan) SetStatus(c codes.Code, _ string) { s.status = c }

func (s *recordingSpan) AddEvent(name string, _ ...trace.EventOption) {
	s.events = append(s.events, name)
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

func newSpan(t *testing.T) *recordingSpan {
	t.Helper()
	tid, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	return &recordingSpan{sc: trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWithWriter_JSONFiltersLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: FormatJSON}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", "ref_path", "cars/c1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "cars/c1", lines[0]["ref_path"])
	assert.NotContains(t, lines[0], "trace_id")
}

func TestNewWithWriter_Console(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewWithWriter(Config{Level: "info", Format: FormatConsole}, &buf).Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestOTelHandler_CorrelatesAndAnnotates(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: FormatJSON}, &buf)
	span := newSpan(t)
	ctx := trace.ContextWithSpan(context.Background(), span)

	boom := errors.New("store down")
	logger.InfoContext(ctx, "plain")
	logger.WarnContext(ctx, "Audit record not persisted", "error", boom)
	logger.ErrorContext(ctx, "Audit record panicked", "error", boom)
	logger.ErrorContext(ctx, "no error attr")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)
	for _, l := range lines {
		assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", l["trace_id"])
		assert.Equal(t, "b7ad6b7169203331", l["span_id"])
	}

	assert.Equal(t, []string{"log_warning"}, span.events)
	require.Len(t, span.errs, 2)
	assert.Same(t, boom, span.errs[0])
	assert.EqualError(t, span.errs[1], "no error attr")
	assert.Equal(t, codes.Error, span.status)
}
