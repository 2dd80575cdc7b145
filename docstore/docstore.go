// Package docstore is the narrow boundary to a document-oriented data store.
//
// Store is the direct-call shape: free primitives taking a DocumentRef.
// Client is the reference-shaped shape older call sites use
// (client.Doc("cars/1").Set(...)). NewClient builds a Client over any Store.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("docstore: document not found")
	ErrInvalidPath = errors.New("docstore: invalid document path")
	ErrAborted     = errors.New("docstore: write aborted")
	ErrUnavailable = errors.New("docstore: store unavailable")
)

type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value. Stores replace it with their own
// clock at write time.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ServerClock is implemented by stores that resolve ServerTimestamp.
type ServerClock interface {
	SupportsServerTimestamp() bool
}

// HasServerClock reports whether s resolves ServerTimestamp sentinels.
func HasServerClock(s any) bool {
	c, ok := s.(ServerClock)
	return ok && c.SupportsServerTimestamp()
}

// Data is a document body.
type Data = map[string]any

// DocumentRef identifies a document. Collection may itself be nested
// ("orgs/1/cars").
type DocumentRef struct {
	Collection string
	ID         string
}

// Doc parses a slash separated path with an even number of segments.
func Doc(path string) (DocumentRef, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return DocumentRef{}, ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return DocumentRef{}, ErrInvalidPath
		}
	}
	return DocumentRef{
		Collection: strings.Join(segs[:len(segs)-1], "/"),
		ID:         segs[len(segs)-1],
	}, nil
}

// Path returns "collection/id", or "" for the zero ref.
func (r DocumentRef) Path() string {
	if r.Collection == "" && r.ID == "" {
		return ""
	}
	return r.Collection + "/" + r.ID
}

func (r DocumentRef) Valid() bool {
	return r.Collection != "" && r.ID != ""
}

// Snapshot is the state of a document at read time.
type Snapshot struct {
	Ref    DocumentRef
	Exists bool
	data   Data
}

func NewSnapshot(ref DocumentRef, data Data) *Snapshot {
	return &Snapshot{Ref: ref, Exists: data != nil, data: data}
}

// Data returns the document fields, nil when the document does not exist.
func (s *Snapshot) Data() Data {
	if s == nil || !s.Exists {
		return nil
	}
	return s.data
}

// SetOption tunes Set. Merge keeps fields absent from the payload.
type SetOption struct {
	Merge bool
}

var MergeAll = SetOption{Merge: true}

// IsMerge reports whether any of opts requests merge semantics.
func IsMerge(opts ...SetOption) bool {
	for _, o := range opts {
		if o.Merge {
			return true
		}
	}
	return false
}

type WriteResult struct {
	UpdateTime time.Time
}

type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a single write inside a batch.
type Op struct {
	Kind  OpKind
	Ref   DocumentRef
	Data  Data
	Merge bool
}

// Store is the direct-call write/read surface.
type Store interface {
	Get(ctx context.Context, ref DocumentRef) (*Snapshot, error)
	Set(ctx context.Context, ref DocumentRef, data Data, opts ...SetOption) (WriteResult, error)
	// Update fails with ErrNotFound when the document does not exist.
	Update(ctx context.Context, ref DocumentRef, data Data) (WriteResult, error)
	Delete(ctx context.Context, ref DocumentRef) (WriteResult, error)
	// Add creates a document with a generated ID.
	Add(ctx context.Context, collection string, data Data) (DocumentRef, WriteResult, error)
	Commit(ctx context.Context, ops []Op) ([]WriteResult, error)
}

// Primitive function shapes, used by callers that wrap a single write.
type (
	ReadFunc    func(ctx context.Context, ref DocumentRef) (*Snapshot, error)
	ReplaceFunc func(ctx context.Context, ref DocumentRef, data Data, opts ...SetOption) (WriteResult, error)
	UpdateFunc  func(ctx context.Context, ref DocumentRef, data Data) (WriteResult, error)
)

// Keys returns the top level field names of data.
func Keys(data Data) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys
}

// ResolveTimestamps returns a copy of data with every top level
// ServerTimestamp sentinel replaced by now.
func ResolveTimestamps(data Data, now time.Time) Data {
	out := make(Data, len(data))
	for k, v := range data {
		if IsServerTimestamp(v) {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// HasServerTimestamp reports whether any top level field is the sentinel.
func HasServerTimestamp(data Data) bool {
	for _, v := range data {
		if IsServerTimestamp(v) {
			return true
		}
	}
	return false
}
