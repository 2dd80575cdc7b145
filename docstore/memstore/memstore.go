// Package memstore is an in-process docstore.Store for local development and
// tests.
package memstore

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/godamri/helix-activity/docstore"
)

type Store struct {
	mu   sync.RWMutex
	docs map[string]docstore.Data
	now  func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for write results and ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		docs: make(map[string]docstore.Data),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, ref docstore.DocumentRef) (*docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, docstore.ErrInvalidPath
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[ref.Path()]
	if !ok {
		return docstore.NewSnapshot(ref, nil), nil
	}
	return docstore.NewSnapshot(ref, maps.Clone(doc)), nil
}

func (s *Store) Set(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(docstore.Op{Kind: docstore.OpSet, Ref: ref, Data: data, Merge: docstore.IsMerge(opts...)}, s.now())
}

func (s *Store) Update(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(docstore.Op{Kind: docstore.OpUpdate, Ref: ref, Data: data}, s.now())
}

func (s *Store) Delete(ctx context.Context, ref docstore.DocumentRef) (docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(docstore.Op{Kind: docstore.OpDelete, Ref: ref}, s.now())
}

func (s *Store) Add(ctx context.Context, collection string, data docstore.Data) (docstore.DocumentRef, docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, err
	}
	ref := docstore.DocumentRef{Collection: collection, ID: uuid.NewString()}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.apply(docstore.Op{Kind: docstore.OpSet, Ref: ref, Data: data}, s.now())
	if err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, err
	}
	return ref, res, nil
}

// Commit validates every op before applying any of them.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) ([]docstore.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]bool, len(ops))
	for _, op := range ops {
		if !op.Ref.Valid() {
			return nil, docstore.ErrInvalidPath
		}
		path := op.Ref.Path()
		exists, seen := pending[path]
		if !seen {
			_, exists = s.docs[path]
		}
		switch op.Kind {
		case docstore.OpUpdate:
			if !exists {
				return nil, docstore.ErrNotFound
			}
		case docstore.OpSet:
			pending[path] = true
		case docstore.OpDelete:
			pending[path] = false
		}
	}

	now := s.now()
	results := make([]docstore.WriteResult, 0, len(ops))
	for _, op := range ops {
		res, err := s.apply(op, now)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) SupportsServerTimestamp() bool { return true }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Documents returns copies of every document in collection.
func (s *Store) Documents(collection string) []docstore.Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []docstore.Data
	prefix := collection + "/"
	for path, doc := range s.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		// skip documents of nested sub-collections
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, maps.Clone(doc))
	}
	return out
}

// apply must be called with s.mu held.
func (s *Store) apply(op docstore.Op, now time.Time) (docstore.WriteResult, error) {
	if !op.Ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	path := op.Ref.Path()
	data := docstore.ResolveTimestamps(op.Data, now)

	switch op.Kind {
	case docstore.OpSet:
		if existing, ok := s.docs[path]; ok && op.Merge {
			merged := maps.Clone(existing)
			maps.Copy(merged, data)
			data = merged
		}
		s.docs[path] = data
	case docstore.OpUpdate:
		existing, ok := s.docs[path]
		if !ok {
			return docstore.WriteResult{}, docstore.ErrNotFound
		}
		merged := maps.Clone(existing)
		maps.Copy(merged, data)
		s.docs[path] = merged
	case docstore.OpDelete:
		delete(s.docs, path)
	}
	return docstore.WriteResult{UpdateTime: now}, nil
}
