package activity

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/contextx"
	"github.com/godamri/helix-activity/docstore"
	"github.com/godamri/helix-activity/docstore/memstore"
)

func mustRef(t *testing.T, path string) docstore.DocumentRef {
	t.Helper()
	ref, err := docstore.Doc(path)
	require.NoError(t, err)
	return ref
}

func TestTracker_ReplaceRecordsWrite(t *testing.T) {
	tr, store, _ := newTestTracker()
	tr.SetActor(audit.Actor{UID: "u1", Email: "ops@mzj.sa", Name: "Sara", Role: "admin"})
	ref := mustRef(t, "mzj_admin_state/main")

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     ref,
		Data: docstore.Data{
			"stock":     []any{1, 2, 3},
			"updatedAt": "now",
		},
	})
	require.NoError(t, err)

	snap, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	rec := docs[0]
	assert.Equal(t, ActionInventory, rec["action"])
	assert.Equal(t, "تم حفظ بيانات (stock, updatedAt)", rec["details"])
	assert.Equal(t, "mzj_admin_state/main", rec["refPath"])
	assert.Equal(t, map[string]any{"stockCount": 3}, rec["after"])
	assert.Nil(t, rec["before"])
	assert.Equal(t, "u1", rec["userUid"])
	assert.Equal(t, "ops@mzj.sa", rec["userEmail"])
	assert.Equal(t, "Sara", rec["userName"])
	assert.Equal(t, "admin", rec["userRole"])
	assert.Equal(t, "2026-03-14", rec["date"])
	assert.NotEmpty(t, rec["id"])
	assert.IsType(t, fixedNow, rec["ts"])
}

func TestTracker_UpdateCapturesBefore(t *testing.T) {
	tr, store, _ := newTestTracker()
	ref := mustRef(t, "requests/r1")
	ctx := context.Background()

	_, err := store.Set(ctx, ref, docstore.Data{"status": "open", "kind": "shoot", "notes": "x"})
	require.NoError(t, err)

	_, err = tr.Update(ctx, UpdateArgs{
		Perform: store.Update,
		Ref:     ref,
		Data:    docstore.Data{"status": "closed"},
	})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	rec := docs[0]
	assert.Equal(t, ActionRequestUpdate, rec["action"])
	assert.Equal(t, "تم تحديث بيانات (status)", rec["details"])
	assert.Equal(t, map[string]any{"status": "open", "kind": "shoot"}, rec["before"])
	assert.Equal(t, map[string]any{"status": "closed"}, rec["after"])
	assert.Nil(t, rec["userUid"])
}

func TestTracker_EmptyPayloadDetails(t *testing.T) {
	tr, store, _ := newTestTracker()

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     mustRef(t, "users/u1"),
		Data:    docstore.Data{},
	})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Equal(t, ActionUpdate, docs[0]["action"])
	assert.Equal(t, "تم حفظ بيانات (—)", docs[0]["details"])
}

func TestTracker_MetaOverrides(t *testing.T) {
	tr, store, _ := newTestTracker()

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
		Meta:    &Meta{Action: "بيع سيارة", Details: "sold to walk-in", Entity: "car"},
	})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Equal(t, "بيع سيارة", docs[0]["action"])
	assert.Equal(t, "sold to walk-in", docs[0]["details"])
	assert.Equal(t, "car", docs[0]["entity"])
}

func TestTracker_PartialMetaKeepsDerivedParts(t *testing.T) {
	tr, store, _ := newTestTracker()

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
		Meta:    &Meta{Entity: "car"},
	})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Equal(t, ActionCarEdit, docs[0]["action"])
	assert.Equal(t, "تم حفظ بيانات (price)", docs[0]["details"])
}

func TestTracker_DetailsCapped(t *testing.T) {
	tr, store, _ := newTestTracker()

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
		Meta:    &Meta{Details: strings.Repeat("ب", 2000)},
	})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	details := docs[0]["details"].(string)
	assert.Equal(t, DefaultMaxDetails+1, utf8.RuneCountInString(details))
	assert.True(t, strings.HasSuffix(details, "…"))
}

func TestCapDetails(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", capDetails("abc", 3))
	assert.Equal(t, "ab…", capDetails("abc", 2))
	assert.Equal(t, "مرحبا", capDetails("مرحبا", 5))
	assert.Equal(t, "مر…", capDetails("مرحبا", 2))
}

func TestTracker_DelegateErrorPropagatesWithoutRecord(t *testing.T) {
	fs := &failingStore{Store: memstore.New(), failSet: errBoom}
	h := &captureHandler{}
	tr := New(DefaultConfig(), slog.New(h))
	tr.Initialize(HandlesFor(fs))

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: fs.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
	})
	assert.Equal(t, errBoom, err)

	_, err = tr.Update(context.Background(), UpdateArgs{
		Perform: fs.Update,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 2},
	})
	assert.Equal(t, errBoom, err)

	assert.Empty(t, auditDocs(fs.Store))
	assert.NotContains(t, fs.Calls(), "add")
}

func TestTracker_NilDelegate(t *testing.T) {
	tr, _, _ := newTestTracker()

	_, err := tr.Replace(context.Background(), ReplaceArgs{Ref: mustRef(t, "cars/c1")})
	assert.ErrorIs(t, err, ErrNoDelegate)

	_, err = tr.Update(context.Background(), UpdateArgs{Ref: mustRef(t, "cars/c1")})
	assert.ErrorIs(t, err, ErrNoDelegate)
}

func TestTracker_ReadsBeforeWriting(t *testing.T) {
	fs := &failingStore{Store: memstore.New()}
	tr := New(DefaultConfig(), slog.New(&captureHandler{}))
	tr.Initialize(HandlesFor(fs))

	_, err := tr.Update(context.Background(), UpdateArgs{
		Perform: func(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
			return fs.Set(ctx, ref, data)
		},
		Ref:  mustRef(t, "cars/c1"),
		Data: docstore.Data{"price": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"get", "set", "add"}, fs.Calls())
}

func TestTracker_PreReadFailureLeavesBeforeNil(t *testing.T) {
	tests := []struct {
		name  string
		store *failingStore
	}{
		{"read error", &failingStore{Store: memstore.New(), failGet: errBoom}},
		{"read panic", &failingStore{Store: memstore.New(), panicGet: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := tt.store
			_, err := fs.Store.Set(context.Background(), mustRef(t, "requests/r1"), docstore.Data{"status": "open"})
			require.NoError(t, err)

			tr := New(DefaultConfig(), slog.New(&captureHandler{}))
			tr.Initialize(HandlesFor(fs))

			_, err = tr.Update(context.Background(), UpdateArgs{
				Perform: fs.Update,
				Ref:     mustRef(t, "requests/r1"),
				Data:    docstore.Data{"status": "closed"},
			})
			require.NoError(t, err)

			docs := auditDocs(fs.Store)
			require.Len(t, docs, 1)
			assert.Nil(t, docs[0]["before"])
			assert.Equal(t, map[string]any{"status": "closed"}, docs[0]["after"])
		})
	}
}

func TestTracker_NoReaderSkipsPreRead(t *testing.T) {
	store := memstore.New()
	tr := New(DefaultConfig(), slog.New(&captureHandler{}))
	tr.Initialize(Handles{Store: store})

	ref := mustRef(t, "requests/r1")
	_, err := store.Set(context.Background(), ref, docstore.Data{"status": "open"})
	require.NoError(t, err)

	_, err = tr.Update(context.Background(), UpdateArgs{Perform: store.Update, Ref: ref, Data: docstore.Data{"status": "closed"}})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Nil(t, docs[0]["before"])
}

func TestTracker_UninitializedPassesThrough(t *testing.T) {
	store := memstore.New()
	tr := New(DefaultConfig(), slog.New(&captureHandler{}))

	ref := mustRef(t, "cars/c1")
	_, err := tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: ref, Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	assert.Empty(t, auditDocs(store))
}

func TestTracker_AuditFailureIsSuppressed(t *testing.T) {
	fs := &failingStore{Store: memstore.New(), failAdd: errBoom}
	h := &captureHandler{}
	tr := New(DefaultConfig(), slog.New(h))
	tr.Initialize(HandlesFor(fs))

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: fs.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fs.Len())
	assert.Equal(t, 1, h.count(slog.LevelWarn, "Audit record not persisted"))
}

func TestTracker_AuditLoggerPanicIsSuppressed(t *testing.T) {
	h := &captureHandler{}
	store := memstore.New()
	tr := New(DefaultConfig(), slog.New(h), WithAuditLogger(audit.LoggerFunc(func(context.Context, audit.Record) error {
		panic("logger exploded")
	})))
	tr.Initialize(HandlesFor(store))

	_, err := tr.Replace(context.Background(), ReplaceArgs{
		Perform: store.Set,
		Ref:     mustRef(t, "cars/c1"),
		Data:    docstore.Data{"price": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.count(slog.LevelError, "Audit record panicked"))
}

func TestTracker_ContextActorOverridesHolder(t *testing.T) {
	var got []audit.Record
	tr, store, _ := newTestTracker(WithAuditLogger(audit.LoggerFunc(func(_ context.Context, rec audit.Record) error {
		got = append(got, rec)
		return nil
	})))
	tr.SetActor(audit.Actor{UID: "holder", Email: "holder@mzj.sa", Role: "viewer"})

	ctx := contextx.WithActor(context.Background(), audit.Actor{UID: "req", Name: "Omar"})
	_, err := tr.Replace(ctx, ReplaceArgs{Perform: store.Set, Ref: mustRef(t, "cars/c1"), Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	require.Len(t, got, 1)
	rec := got[0]
	require.NotNil(t, rec.UserUID)
	assert.Equal(t, "req", *rec.UserUID)
	assert.Equal(t, "Omar", *rec.UserName)
	assert.Equal(t, "holder@mzj.sa", *rec.UserEmail)
	assert.Equal(t, "viewer", *rec.UserRole)
}

func TestTracker_CancelledContextStillRecords(t *testing.T) {
	var recorded int
	store := memstore.New()
	tr := New(DefaultConfig(), slog.New(&captureHandler{}), WithAuditLogger(audit.LoggerFunc(func(ctx context.Context, _ audit.Record) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recorded++
		return nil
	})))
	tr.Initialize(HandlesFor(store))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := tr.Replace(ctx, ReplaceArgs{
		Perform: func(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
			res, err := store.Set(ctx, ref, data, opts...)
			cancel()
			return res, err
		},
		Ref:  mustRef(t, "cars/c1"),
		Data: docstore.Data{"price": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)
}

func TestHolder_SetActorMerges(t *testing.T) {
	t.Parallel()

	var h Holder
	h.SetActor(audit.Actor{UID: "u1", Email: "a@mzj.sa"})
	h.SetActor(audit.Actor{Name: "Sara"})
	h.SetActor(audit.Actor{Email: "b@mzj.sa"})

	assert.Equal(t, audit.Actor{UID: "u1", Email: "b@mzj.sa", Name: "Sara"}, h.Actor())
	assert.Nil(t, h.AuditStore())
}

func TestHolder_ClearActor(t *testing.T) {
	t.Parallel()

	var h Holder
	h.SetActor(audit.Actor{UID: "u1", Email: "a@mzj.sa"})
	h.ClearActor()
	assert.True(t, h.Actor().IsZero())
}

func TestTracker_ClearActorStopsAttribution(t *testing.T) {
	tr, store, _ := newTestTracker()
	tr.SetActor(audit.Actor{UID: "u1", Email: "a@mzj.sa", Role: "admin"})
	ref := mustRef(t, "cars/c1")

	_, err := tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: ref, Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	tr.ClearActor()
	_, err = tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: ref, Data: docstore.Data{"price": 2}})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0]["userUid"])
	for _, key := range []string{"userUid", "userEmail", "userName", "userRole"} {
		assert.Nil(t, docs[1][key], key)
	}
}

func TestTracker_PatchActorClearsField(t *testing.T) {
	tr, store, _ := newTestTracker()
	tr.SetActor(audit.Actor{UID: "u1", Email: "a@mzj.sa", Name: "Sara", Role: "admin"})

	empty, viewer := "", "viewer"
	tr.PatchActor(audit.ActorPatch{Email: &empty, Role: &viewer})

	_, err := tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: mustRef(t, "cars/c1"), Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Equal(t, "u1", docs[0]["userUid"])
	assert.Nil(t, docs[0]["userEmail"])
	assert.Equal(t, "Sara", docs[0]["userName"])
	assert.Equal(t, "viewer", docs[0]["userRole"])
}

func TestTracker_ZeroConfigPreReads(t *testing.T) {
	store := memstore.New()
	tr := New(Config{}, slog.New(&captureHandler{}))
	tr.Initialize(HandlesFor(store))

	ref := mustRef(t, "requests/r1")
	_, err := store.Set(context.Background(), ref, docstore.Data{"status": "open"})
	require.NoError(t, err)

	_, err = tr.Update(context.Background(), UpdateArgs{Perform: store.Update, Ref: ref, Data: docstore.Data{"status": "closed"}})
	require.NoError(t, err)

	docs := auditDocs(store)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"status": "open"}, docs[0]["before"])
}

func TestTracker_SkipPreRead(t *testing.T) {
	fs := &failingStore{Store: memstore.New()}
	cfg := DefaultConfig()
	cfg.SkipPreRead = true
	tr := New(cfg, slog.New(&captureHandler{}))
	tr.Initialize(HandlesFor(fs))

	_, err := tr.Update(context.Background(), UpdateArgs{Perform: fs.Update, Ref: mustRef(t, "cars/c1"), Data: docstore.Data{"price": 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"update", "add"}, fs.Calls())
}

func TestTracker_UninitializedCountsSkipped(t *testing.T) {
	skipped := testutil.ToFloat64(auditRecordsTotal.WithLabelValues(shapeModular, outcomeSkipped))
	written := testutil.ToFloat64(auditRecordsTotal.WithLabelValues(shapeModular, outcomeWritten))

	h := &captureHandler{}
	store := memstore.New()
	tr := New(DefaultConfig(), slog.New(h))
	_, err := tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: mustRef(t, "cars/c1"), Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	assert.Equal(t, skipped+1, testutil.ToFloat64(auditRecordsTotal.WithLabelValues(shapeModular, outcomeSkipped)))
	assert.Equal(t, written, testutil.ToFloat64(auditRecordsTotal.WithLabelValues(shapeModular, outcomeWritten)))
	assert.Zero(t, h.count(slog.LevelWarn, "Audit record not persisted"))
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Async = true
	cfg.Audit.BufferSize = 8

	tr, closer, err := NewFromConfig(cfg, slog.New(&captureHandler{}))
	require.NoError(t, err)

	store := memstore.New()
	tr.Initialize(HandlesFor(store))
	_, err = tr.Replace(context.Background(), ReplaceArgs{Perform: store.Set, Ref: mustRef(t, "cars/c1"), Data: docstore.Data{"price": 1}})
	require.NoError(t, err)

	require.NoError(t, closer.Close())
	assert.Len(t, auditDocs(store), 1)
}
