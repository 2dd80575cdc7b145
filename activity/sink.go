package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/contextx"
)

const (
	// DefaultMaxDetails is the rune budget of Record.Details.
	DefaultMaxDetails = 900
	truncationMarker  = "…"
)

// ActorResolver returns the identity to attribute a write to. It is called
// once per audit record, at the time the record is composed.
type ActorResolver func(ctx context.Context) audit.Actor

// Fields are the caller-supplied parts of a record. Empty actor fields are
// filled by the sink's resolver.
type Fields struct {
	Action  string
	Details string
	RefPath string
	Entity  string
	Before  audit.Summary
	After   audit.Summary
	Actor   audit.Actor
}

// Sink composes records and hands them to an audit.Logger. Delivery is best
// effort: failures are logged and counted, never returned.
type Sink struct {
	logger     audit.Logger
	resolve    ActorResolver
	diag       *slog.Logger
	maxDetails int
	now        func() time.Time
	shape      string
}

func newSink(logger audit.Logger, resolve ActorResolver, diag *slog.Logger, maxDetails int, now func() time.Time, shape string) *Sink {
	if maxDetails <= 0 {
		maxDetails = DefaultMaxDetails
	}
	return &Sink{
		logger:     logger,
		resolve:    resolve,
		diag:       diag,
		maxDetails: maxDetails,
		now:        now,
		shape:      shape,
	}
}

// Record composes and delivers one audit record.
func (s *Sink) Record(ctx context.Context, f Fields) {
	// the write already happened; the caller cancelling must not drop its record
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			auditRecordsTotal.WithLabelValues(s.shape, outcomeFailed).Inc()
			s.diag.ErrorContext(ctx, "Audit record panicked",
				"ref_path", f.RefPath,
				"error", fmt.Errorf("activity: %v", r),
			)
		}
	}()

	if s.logger == nil {
		return
	}
	rec := s.compose(ctx, f)
	err := s.logger.Log(ctx, rec)
	if errors.Is(err, audit.ErrNoStore) {
		auditRecordsTotal.WithLabelValues(s.shape, outcomeSkipped).Inc()
		s.diag.DebugContext(ctx, "Audit record skipped, no store", "ref_path", rec.RefPath)
		return
	}
	if err != nil {
		auditRecordsTotal.WithLabelValues(s.shape, outcomeFailed).Inc()
		s.diag.WarnContext(ctx, "Audit record not persisted",
			"action", rec.Action,
			"ref_path", rec.RefPath,
			"error", err,
		)
		return
	}
	auditRecordsTotal.WithLabelValues(s.shape, outcomeWritten).Inc()
}

func (s *Sink) compose(ctx context.Context, f Fields) audit.Record {
	now := s.now()
	action := f.Action
	if action == "" {
		action = ActionUpdate
	}

	rec := audit.Record{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   capDetails(f.Details, s.maxDetails),
		RefPath:   f.RefPath,
		Entity:    f.Entity,
		Before:    f.Before,
		After:     f.After,
		Timestamp: now,
		Date:      now.UTC().Format(time.DateOnly),
		TraceID:   traceID(ctx),
	}

	actor := f.Actor
	if s.resolve != nil {
		actor = actor.Or(s.resolve(ctx))
	}
	rec.SetActor(actor)
	return rec
}

// capDetails truncates s to limit runes and appends the truncation marker.
func capDetails(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + truncationMarker
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return contextx.GetTraceID(ctx)
}
