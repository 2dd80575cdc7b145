package log

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelHandler stamps trace and span IDs onto records logged inside a
// recording span. Warnings become span events; errors mark the span failed.
type OTelHandler struct {
	slog.Handler
}

func NewOTelHandler(h slog.Handler) *OTelHandler {
	return &OTelHandler{Handler: h}
}

func (h *OTelHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return h.Handler.Handle(ctx, r)
	}

	sc := span.SpanContext()
	if sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}
	if r.Level >= slog.LevelWarn {
		annotate(span, r)
	}
	return h.Handler.Handle(ctx, r)
}

func annotate(span trace.Span, r slog.Record) {
	attrs := make([]attribute.KeyValue, 0, r.NumAttrs()+1)
	var cause error

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, toAttribute(a))
		if e, ok := a.Value.Any().(error); ok && a.Key == "error" {
			cause = e
		}
		return true
	})

	if r.Level < slog.LevelError {
		attrs = append(attrs, attribute.String("message", r.Message))
		span.AddEvent("log_warning", trace.WithAttributes(attrs...))
		return
	}
	if cause == nil {
		cause = errors.New(r.Message)
	}
	span.RecordError(cause, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, r.Message)
}

func toAttribute(a slog.Attr) attribute.KeyValue {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return attribute.String(a.Key, v.String())
	case slog.KindInt64:
		return attribute.Int64(a.Key, v.Int64())
	case slog.KindFloat64:
		return attribute.Float64(a.Key, v.Float64())
	case slog.KindBool:
		return attribute.Bool(a.Key, v.Bool())
	default:
		return attribute.String(a.Key, v.String())
	}
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &OTelHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	return &OTelHandler{Handler: h.Handler.WithGroup(name)}
}
