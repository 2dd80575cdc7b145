package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/godamri/helix-activity/docstore"
	"github.com/godamri/helix-activity/docstore/memstore"
)

var errBoom = errors.New("boom")

// fixedNow is 01:30 in Riyadh, still the previous day in UTC.
var fixedNow = time.Date(2026, 3, 15, 1, 30, 0, 0, time.FixedZone("AST", 3*60*60))

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

func newTestTracker(opts ...Option) (*Tracker, *memstore.Store, *captureHandler) {
	h := &captureHandler{}
	store := memstore.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	t := New(DefaultConfig(), slog.New(h), opts...)
	t.Initialize(HandlesFor(store))
	return t, store, h
}

func auditDocs(s *memstore.Store) []docstore.Data {
	return s.Documents("mzj_activity_log")
}

// failingStore fails selected operations and records call order.
type failingStore struct {
	*memstore.Store

	mu       sync.Mutex
	calls    []string
	failGet  error
	failSet  error
	failAdd  error
	panicGet bool
}

func (s *failingStore) log(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *failingStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *failingStore) Get(ctx context.Context, ref docstore.DocumentRef) (*docstore.Snapshot, error) {
	s.log("get")
	if s.panicGet {
		panic("reader exploded")
	}
	if s.failGet != nil {
		return nil, s.failGet
	}
	return s.Store.Get(ctx, ref)
}

func (s *failingStore) Set(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	s.log("set")
	if s.failSet != nil {
		return docstore.WriteResult{}, s.failSet
	}
	return s.Store.Set(ctx, ref, data, opts...)
}

func (s *failingStore) Update(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
	s.log("update")
	if s.failSet != nil {
		return docstore.WriteResult{}, s.failSet
	}
	return s.Store.Update(ctx, ref, data)
}

func (s *failingStore) Add(ctx context.Context, collection string, data docstore.Data) (docstore.DocumentRef, docstore.WriteResult, error) {
	s.log("add")
	if s.failAdd != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, s.failAdd
	}
	return s.Store.Add(ctx, collection, data)
}
