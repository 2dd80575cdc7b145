package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Addr      string `envconfig:"REDIS_ADDR" yaml:"addr" validate:"required,hostname_port"`
	Password  string `envconfig:"REDIS_PASSWORD" default:"" yaml:"password"`
	DB        int    `envconfig:"REDIS_DB" default:"0" yaml:"db" validate:"min=0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"docstore" yaml:"key_prefix"`
}

// Connect initializes a Redis client and performs a fail-fast ping.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	rdb.AddHook(newTracingHook())

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return rdb, nil
}

// tracingHook opens a client span per command or pipeline, only under an
// already recording parent. Document bodies never reach span attributes.
type tracingHook struct {
	tracer trace.Tracer
}

func newTracingHook() *tracingHook {
	return &tracingHook{tracer: otel.Tracer("helix-activity/docstore/redis")}
}

func (h *tracingHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, end := h.span(ctx, "redis.command", attribute.String("db.operation", cmd.Name()))
		err := next(ctx, cmd)
		end(err)
		return err
	}
}

func (h *tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, end := h.span(ctx, "redis.pipeline",
			attribute.String("db.operation", "pipeline"),
			attribute.Int("db.redis.pipeline_length", len(cmds)),
		)
		err := next(ctx, cmds)
		end(err)
		return err
	}
}

func (h *tracingHook) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, func(error) {}
	}
	ctx, span := h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("db.system", "redis"))...),
	)
	return ctx, func(err error) {
		// redis.Nil is a cache miss, not a failure
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
