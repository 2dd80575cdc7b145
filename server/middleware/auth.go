package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/contextx"
	"github.com/godamri/helix-activity/http/response"
)

// ErrNoCredentials means the request carried nothing for the strategy to
// check. Optional mode lets such requests through without an actor.
var ErrNoCredentials = errors.New("no credentials presented")

// AuthPayload decouples the strategy from the transport (HTTP/gRPC).
type AuthPayload struct {
	Headers    map[string]string
	RemoteAddr string
	Method     string
	Path       string
}

// AuthStrategy resolves the actor behind a request.
type AuthStrategy interface {
	Authenticate(ctx context.Context, payload AuthPayload) (audit.Actor, error)
}

// ActorMiddleware attaches the authenticated actor to the request context,
// where the activity tracker picks it up for every audited write.
type ActorMiddleware struct {
	strategy AuthStrategy
	optional bool
	logger   *slog.Logger
}

type Option func(*ActorMiddleware)

// Optional admits requests without credentials. Bad credentials are still
// rejected.
func Optional() Option {
	return func(m *ActorMiddleware) { m.optional = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *ActorMiddleware) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewActorMiddleware(strategy AuthStrategy, opts ...Option) *ActorMiddleware {
	m := &ActorMiddleware{strategy: strategy, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *ActorMiddleware) resolve(ctx context.Context, payload AuthPayload) (context.Context, error) {
	actor, err := m.strategy.Authenticate(ctx, payload)
	if err != nil {
		if m.optional && errors.Is(err, ErrNoCredentials) {
			return ctx, nil
		}
		return nil, err
	}
	m.logger.DebugContext(ctx, "Actor attached", "uid", actor.UID, "path", payload.Path)
	return contextx.WithActor(ctx, actor), nil
}

// HTTPMiddleware adapts an HTTP request to AuthPayload.
func (m *ActorMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, len(r.Header))
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[http.CanonicalHeaderKey(k)] = v[0]
			}
		}

		payload := AuthPayload{
			Headers:    headers,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
		}

		ctx := contextx.WithEntryPoint(r.Context(), "http")
		ctx, err := m.resolve(ctx, payload)
		if err != nil {
			code := response.ErrInvalidToken
			if errors.Is(err, ErrNoCredentials) {
				code = response.ErrMissingToken
			}
			response.ErrorJSON(w, r, code, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GRPCUnaryInterceptor adapts incoming gRPC metadata to AuthPayload.
func (m *ActorMiddleware) GRPCUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	headers := make(map[string]string)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, v := range md {
			if len(v) > 0 {
				// gRPC metadata keys arrive lowercased
				headers[http.CanonicalHeaderKey(k)] = v[0]
			}
		}
	}

	remoteAddr := "0.0.0.0:0"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}

	payload := AuthPayload{
		Headers:    headers,
		RemoteAddr: remoteAddr,
		Method:     info.FullMethod,
		Path:       info.FullMethod,
	}

	ctx = contextx.WithEntryPoint(ctx, "grpc")
	newCtx, err := m.resolve(ctx, payload)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(newCtx, req)
}

// GetHeader looks a header up case-insensitively.
func (p *AuthPayload) GetHeader(key string) string {
	if v, ok := p.Headers[key]; ok {
		return v
	}
	if v, ok := p.Headers[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	for k, v := range p.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
