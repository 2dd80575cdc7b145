package contextx

import (
	"context"

	"github.com/godamri/helix-activity/audit"
)

type contextKey string

const (
	TraceIDKey    contextKey = "helix.trace_id"
	RequestIDKey  contextKey = "helix.request_id"
	ActorKey      contextKey = "helix.actor"
	EntryPointKey contextKey = "helix.entry_point" // http | grpc
)

func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey, "") }
func WithTraceID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, TraceIDKey, v)
}

func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey, "") }
func WithRequestID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, RequestIDKey, v)
}

func GetEntryPoint(ctx context.Context) string { return getString(ctx, EntryPointKey, "unknown") }
func WithEntryPoint(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, EntryPointKey, v)
}

// GetActor returns the request-scoped actor, zero when none was attached.
func GetActor(ctx context.Context) audit.Actor {
	if ctx == nil {
		return audit.Actor{}
	}
	if a, ok := ctx.Value(ActorKey).(audit.Actor); ok {
		return a
	}
	return audit.Actor{}
}

// WithActor merges a over any actor already in ctx.
func WithActor(ctx context.Context, a audit.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, GetActor(ctx).Merge(a))
}

func getString(ctx context.Context, key contextKey, fallback string) string {
	if ctx == nil {
		return fallback
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return fallback
}
