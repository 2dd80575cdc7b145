package middleware

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/godamri/helix-activity/contextx"
)

const (
	TraceHeader   = "X-Trace-Id"
	RequestHeader = "X-Request-Id"
)

// traceID prefers an explicit header, then an active OTel span, then a fresh id.
func traceID(ctx context.Context, header string) string {
	if header != "" {
		return header
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	uid := uuid.New()
	return hex.EncodeToString(uid[:])
}

func requestID(header string) string {
	if header != "" {
		return header
	}
	return uuid.NewString()
}

func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := traceID(r.Context(), r.Header.Get(TraceHeader))
		rid := requestID(r.Header.Get(RequestHeader))

		w.Header().Set(TraceHeader, tid)
		w.Header().Set(RequestHeader, rid)

		ctx := contextx.WithTraceID(r.Context(), tid)
		ctx = contextx.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TraceIDUnaryInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var tid, rid string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(TraceHeader); len(v) > 0 {
			tid = v[0]
		}
		if v := md.Get(RequestHeader); len(v) > 0 {
			rid = v[0]
		}
	}
	ctx = contextx.WithTraceID(ctx, traceID(ctx, tid))
	ctx = contextx.WithRequestID(ctx, requestID(rid))
	return handler(ctx, req)
}
