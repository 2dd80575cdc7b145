// Package activity records an audit trail of document writes.
//
// Writes reach the trail through two shapes. Direct calls wrap a single
// write primitive with Tracker.Replace or Tracker.Update. Reference-shaped
// clients are decorated once with Tracker.InstallCompat and every write made
// through the decorated client is recorded. Both shapes classify, summarize
// and attribute records the same way, and neither lets an audit failure
// reach the caller.
package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/docstore"
	"github.com/godamri/helix-activity/log"
)

// ErrNoDelegate is returned when an intercepted write has nothing to call.
var ErrNoDelegate = errors.New("activity: write delegate is nil")

const noFields = "—"

// Meta overrides the derived parts of a record.
type Meta struct {
	Action  string
	Details string
	Entity  string
}

type ReplaceArgs struct {
	Perform docstore.ReplaceFunc
	Ref     docstore.DocumentRef
	Data    docstore.Data
	Options []docstore.SetOption
	Meta    *Meta
}

type UpdateArgs struct {
	Perform docstore.UpdateFunc
	Ref     docstore.DocumentRef
	Data    docstore.Data
	Meta    *Meta
}

type Tracker struct {
	cfg    Config
	holder *Holder
	logger *slog.Logger
	audit  audit.Logger
	sink   *Sink
	tracer trace.Tracer
	now    func() time.Time

	compatMu  sync.Mutex
	installed map[docstore.Client]*compatClient
}

type Option func(*Tracker)

// WithHolder shares an existing Holder.
func WithHolder(h *Holder) Option {
	return func(t *Tracker) { t.holder = h }
}

// WithAuditLogger replaces the default store-backed audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(t *Tracker) { t.audit = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTracer(tr trace.Tracer) Option {
	return func(t *Tracker) { t.tracer = tr }
}

// New builds a Tracker. Without WithAuditLogger records are appended to the
// audit collection of the holder's store.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:       cfg,
		logger:    logger.With("component", "activity"),
		tracer:    otel.Tracer("helix-activity/activity"),
		now:       time.Now,
		installed: make(map[docstore.Client]*compatClient),
	}
	for _, o := range opts {
		o(t)
	}
	if t.holder == nil {
		t.holder = NewHolder()
	}
	if t.audit == nil {
		t.audit = audit.NewStoreLogger(t.holder, cfg.Audit.Collection)
	}
	t.sink = newSink(t.audit, t.holder.ResolveActor, t.logger, cfg.MaxDetailsLength, t.now, shapeModular)
	return t
}

// NewFromConfig builds the audit backends described by cfg.Audit and a
// Tracker delivering to them. The closer flushes the backends. A nil logger
// is built from cfg.Log.
func NewFromConfig(cfg Config, logger *slog.Logger, opts ...Option) (*Tracker, io.Closer, error) {
	if logger == nil {
		logger = log.New(cfg.Log)
	}
	holder := NewHolder()
	l, closer, err := audit.New(cfg.Audit, holder, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: audit backends: %w", err)
	}
	opts = append([]Option{WithHolder(holder), WithAuditLogger(l)}, opts...)
	return New(cfg, logger, opts...), closer, nil
}

// Initialize sets the store handles. Until it is called writes pass through
// without records.
func (t *Tracker) Initialize(h Handles) { t.holder.Initialize(h) }

// SetActor merges a into the current actor.
func (t *Tracker) SetActor(a audit.Actor) { t.holder.SetActor(a) }

// PatchActor overwrites the actor fields p sets; "" clears a field.
func (t *Tracker) PatchActor(p audit.ActorPatch) { t.holder.PatchActor(p) }

// ClearActor drops the current actor. Later records carry no user fields
// unless the request context names one.
func (t *Tracker) ClearActor() { t.holder.ClearActor() }

func (t *Tracker) Holder() *Holder { return t.holder }

// Replace performs a create-or-replace write and records it.
func (t *Tracker) Replace(ctx context.Context, args ReplaceArgs) (docstore.WriteResult, error) {
	if args.Perform == nil {
		return docstore.WriteResult{}, ErrNoDelegate
	}
	write := func(ctx context.Context) (docstore.WriteResult, error) {
		return args.Perform(ctx, args.Ref, args.Data, args.Options...)
	}
	return t.intercept(ctx, "replace", "تم حفظ بيانات", args.Ref, args.Data, args.Meta, write)
}

// Update performs a partial update and records it.
func (t *Tracker) Update(ctx context.Context, args UpdateArgs) (docstore.WriteResult, error) {
	if args.Perform == nil {
		return docstore.WriteResult{}, ErrNoDelegate
	}
	write := func(ctx context.Context) (docstore.WriteResult, error) {
		return args.Perform(ctx, args.Ref, args.Data)
	}
	return t.intercept(ctx, "update", "تم تحديث بيانات", args.Ref, args.Data, args.Meta, write)
}

func (t *Tracker) intercept(
	ctx context.Context,
	op, verb string,
	ref docstore.DocumentRef,
	data docstore.Data,
	meta *Meta,
	write func(context.Context) (docstore.WriteResult, error),
) (docstore.WriteResult, error) {
	refPath := ref.Path()
	ctx, span := t.tracer.Start(ctx, "activity."+op,
		trace.WithAttributes(attribute.String("docstore.path", refPath)),
	)
	defer span.End()

	keys := changedFields(data)

	// Under concurrent writers this may observe a state newer or older than
	// the one this write replaces.
	before := t.preRead(ctx, ref)

	res, err := write(ctx)
	if err != nil {
		interceptedWritesTotal.WithLabelValues(shapeModular, op, outcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return res, err
	}
	interceptedWritesTotal.WithLabelValues(shapeModular, op, outcomeOK).Inc()

	f := Fields{
		Action:  Classify(refPath, keys),
		Details: fmt.Sprintf("%s (%s)", verb, joinFields(keys)),
		RefPath: refPath,
		Before:  before,
		After:   Summarize(data),
	}
	if meta != nil {
		if meta.Action != "" {
			f.Action = meta.Action
		}
		if meta.Details != "" {
			f.Details = meta.Details
		}
		f.Entity = meta.Entity
	}
	t.sink.Record(ctx, f)

	return res, nil
}

// preRead returns the summary of the current document, or nil when it is
// missing or cannot be read.
func (t *Tracker) preRead(ctx context.Context, ref docstore.DocumentRef) (before audit.Summary) {
	if t.cfg.SkipPreRead || !ref.Valid() {
		return nil
	}
	read := t.holder.reader()
	if read == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			preReadFailuresTotal.Inc()
			t.logger.DebugContext(ctx, "Pre-write read panicked", "ref_path", ref.Path(), "error", fmt.Errorf("activity: %v", r))
			before = nil
		}
	}()

	snap, err := read(ctx, ref)
	if err != nil {
		preReadFailuresTotal.Inc()
		t.logger.DebugContext(ctx, "Pre-write read failed", "ref_path", ref.Path(), "error", err)
		return nil
	}
	if snap == nil || !snap.Exists {
		return nil
	}
	return Summarize(snap.Data())
}

// changedFields returns the sorted top level keys of data.
func changedFields(data docstore.Data) []string {
	keys := docstore.Keys(data)
	slices.Sort(keys)
	return keys
}

func joinFields(keys []string) string {
	if len(keys) == 0 {
		return noFields
	}
	return strings.Join(keys, ", ")
}
