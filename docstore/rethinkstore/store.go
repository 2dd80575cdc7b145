// Package rethinkstore maps documents onto RethinkDB tables: one table per
// collection, one row per document. Rows keep the document fields under
// "data" so user fields never collide with the primary key.
package rethinkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/godamri/helix-activity/docstore"
)

const (
	fieldID        = "id"
	fieldData      = "data"
	fieldUpdatedAt = "updated_at"
)

type Config struct {
	Addr       string `envconfig:"RETHINKDB_ADDR" yaml:"addr" validate:"required,hostname_port"`
	Database   string `envconfig:"RETHINKDB_DATABASE" default:"activity" yaml:"database" validate:"required"`
	User       string `envconfig:"RETHINKDB_USER" yaml:"user"`
	Password   string `envconfig:"RETHINKDB_PASS" yaml:"password"`
	AutoCreate bool   `envconfig:"RETHINKDB_AUTO_CREATE" default:"true" yaml:"auto_create"`
}

// Connect opens a session to the configured address.
func Connect(cfg Config) (*r.Session, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rethinkstore: explicit address required")
	}
	opts := r.ConnectOpts{
		Address:      addr,
		Database:     cfg.Database,
		InitialCap:   2,
		MaxOpen:      10,
		Timeout:      3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if u := strings.TrimSpace(cfg.User); u != "" {
		opts.Username = u
	}
	if p := strings.TrimSpace(cfg.Password); p != "" {
		opts.Password = p
	}
	sess, err := r.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("rethinkstore: connect failed addr=%s: %w", addr, err)
	}
	return sess, nil
}

type Store struct {
	q          r.QueryExecutor
	db         string
	autoCreate bool

	mu     sync.Mutex
	tables map[string]bool
}

type Option func(*Store)

// WithAutoCreate creates a collection's table the first time it is written.
func WithAutoCreate() Option {
	return func(s *Store) { s.autoCreate = true }
}

// New wraps a session (or r.Mock) bound to database db.
func New(q r.QueryExecutor, db string, opts ...Option) *Store {
	s := &Store{q: q, db: db, tables: make(map[string]bool)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SupportsServerTimestamp reports true: sentinels become r.Now().
func (s *Store) SupportsServerTimestamp() bool { return true }

// Ping only inspects the session's pool; it does not round-trip.
func (s *Store) Ping(context.Context) error {
	if !s.q.IsConnected() {
		return fmt.Errorf("%w: rethinkdb session closed", docstore.ErrUnavailable)
	}
	return nil
}

// TableName restricts a collection path to RethinkDB's identifier charset.
// Nested collections flatten with a double underscore.
func TableName(collection string) string {
	segs := strings.Split(strings.Trim(collection, "/"), "/")
	for i, seg := range segs {
		b := make([]rune, 0, len(seg))
		for _, ch := range seg {
			if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' {
				b = append(b, ch)
			} else {
				b = append(b, '_')
			}
		}
		segs[i] = string(b)
	}
	return strings.Join(segs, "__")
}

func (s *Store) table(collection string) r.Term {
	name := TableName(collection)
	if s.db == "" {
		return r.Table(name)
	}
	return r.DB(s.db).Table(name)
}

func (s *Store) run(ctx context.Context) r.RunOpts {
	return r.RunOpts{Context: ctx}
}

// EnsureTable creates the table backing collection if absent.
func (s *Store) EnsureTable(ctx context.Context, collection string) error {
	name := TableName(collection)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return nil
	}
	term := r.TableCreate(name)
	if s.db != "" {
		term = r.DB(s.db).TableCreate(name)
	}
	if _, err := term.RunWrite(s.q, s.run(ctx)); err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("rethinkstore: create table %s: %w", name, err)
	}
	s.tables[name] = true
	return nil
}

func (s *Store) prepare(ctx context.Context, collection string) error {
	if !s.autoCreate {
		return nil
	}
	return s.EnsureTable(ctx, collection)
}

func (s *Store) Get(ctx context.Context, ref docstore.DocumentRef) (*docstore.Snapshot, error) {
	if !ref.Valid() {
		return nil, docstore.ErrInvalidPath
	}
	cur, err := s.table(ref.Collection).Get(ref.ID).Run(s.q, s.run(ctx))
	if err != nil {
		return nil, fmt.Errorf("rethinkstore: get %s: %w", ref.Path(), err)
	}
	defer cur.Close()

	var row map[string]any
	if err := cur.One(&row); err != nil && !errors.Is(err, r.ErrEmptyResult) {
		return nil, fmt.Errorf("rethinkstore: get %s: %w", ref.Path(), err)
	}
	if row == nil {
		return docstore.NewSnapshot(ref, nil), nil
	}
	return docstore.NewSnapshot(ref, fromRow(row)), nil
}

func (s *Store) Set(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	if !ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	if err := s.prepare(ctx, ref.Collection); err != nil {
		return docstore.WriteResult{}, err
	}
	if _, err := s.setTerm(ref, data, docstore.IsMerge(opts...)).RunWrite(s.q, s.run(ctx)); err != nil {
		return docstore.WriteResult{}, fmt.Errorf("rethinkstore: set %s: %w", ref.Path(), err)
	}
	return docstore.WriteResult{UpdateTime: time.Now()}, nil
}

func (s *Store) setTerm(ref docstore.DocumentRef, data docstore.Data, merge bool) r.Term {
	if !merge {
		return s.table(ref.Collection).Insert(toRow(ref.ID, data), r.InsertOpts{Conflict: "replace"})
	}
	// literal fields replace nested objects instead of deep-merging them
	patch := map[string]any{fieldData: literals(data), fieldUpdatedAt: r.Now()}
	return s.table(ref.Collection).Get(ref.ID).Replace(func(row r.Term) any {
		return r.Branch(row.Eq(nil), toRow(ref.ID, data), row.Merge(patch))
	})
}

func (s *Store) Update(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
	if !ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	resp, err := s.updateTerm(ref, data).RunWrite(s.q, s.run(ctx))
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("rethinkstore: update %s: %w", ref.Path(), err)
	}
	if resp.Skipped > 0 {
		return docstore.WriteResult{}, docstore.ErrNotFound
	}
	return docstore.WriteResult{UpdateTime: time.Now()}, nil
}

func (s *Store) updateTerm(ref docstore.DocumentRef, data docstore.Data) r.Term {
	return s.table(ref.Collection).Get(ref.ID).Update(map[string]any{
		fieldData:      literals(data),
		fieldUpdatedAt: r.Now(),
	})
}

func (s *Store) Delete(ctx context.Context, ref docstore.DocumentRef) (docstore.WriteResult, error) {
	if !ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	if _, err := s.table(ref.Collection).Get(ref.ID).Delete().RunWrite(s.q, s.run(ctx)); err != nil {
		return docstore.WriteResult{}, fmt.Errorf("rethinkstore: delete %s: %w", ref.Path(), err)
	}
	return docstore.WriteResult{UpdateTime: time.Now()}, nil
}

// Add lets RethinkDB generate the primary key.
func (s *Store) Add(ctx context.Context, collection string, data docstore.Data) (docstore.DocumentRef, docstore.WriteResult, error) {
	if TableName(collection) == "" {
		return docstore.DocumentRef{}, docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	if err := s.prepare(ctx, collection); err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, err
	}
	row := map[string]any{fieldData: resolve(data), fieldUpdatedAt: r.Now()}
	resp, err := s.table(collection).Insert(row).RunWrite(s.q, s.run(ctx))
	if err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, fmt.Errorf("rethinkstore: add to %s: %w", collection, err)
	}
	if len(resp.GeneratedKeys) == 0 {
		return docstore.DocumentRef{}, docstore.WriteResult{}, fmt.Errorf("rethinkstore: add to %s: no generated key", collection)
	}
	ref := docstore.DocumentRef{Collection: collection, ID: resp.GeneratedKeys[0]}
	return ref, docstore.WriteResult{UpdateTime: time.Now()}, nil
}

// Commit checks that every update target exists, then applies ops in order.
// RethinkDB has no multi-document transactions: a failure part way through
// leaves the earlier ops applied and is reported as ErrAborted.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) ([]docstore.WriteResult, error) {
	exists := make(map[string]bool, len(ops))
	for _, op := range ops {
		if !op.Ref.Valid() {
			return nil, docstore.ErrInvalidPath
		}
		path := op.Ref.Path()
		switch op.Kind {
		case docstore.OpSet:
			exists[path] = true
		case docstore.OpDelete:
			exists[path] = false
		case docstore.OpUpdate:
			ok, seen := exists[path]
			if !seen {
				snap, err := s.Get(ctx, op.Ref)
				if err != nil {
					return nil, err
				}
				ok = snap.Exists
			}
			if !ok {
				return nil, docstore.ErrNotFound
			}
		}
	}

	results := make([]docstore.WriteResult, 0, len(ops))
	for i, op := range ops {
		var (
			res docstore.WriteResult
			err error
		)
		switch op.Kind {
		case docstore.OpSet:
			res, err = s.Set(ctx, op.Ref, op.Data, docstore.SetOption{Merge: op.Merge})
		case docstore.OpUpdate:
			res, err = s.Update(ctx, op.Ref, op.Data)
		case docstore.OpDelete:
			res, err = s.Delete(ctx, op.Ref)
		}
		if err != nil {
			if i == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("%w: op %d of %d: %w", docstore.ErrAborted, i+1, len(ops), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func toRow(id string, data docstore.Data) map[string]any {
	return map[string]any{
		fieldID:        id,
		fieldData:      resolve(data),
		fieldUpdatedAt: r.Now(),
	}
}

func fromRow(row map[string]any) docstore.Data {
	data, _ := row[fieldData].(map[string]any)
	if data == nil {
		return docstore.Data{}
	}
	return data
}

// resolve swaps ServerTimestamp sentinels for r.Now().
func resolve(data docstore.Data) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if docstore.IsServerTimestamp(v) {
			out[k] = r.Now()
			continue
		}
		out[k] = v
	}
	return out
}

func literals(data docstore.Data) map[string]any {
	out := resolve(data)
	for k, v := range out {
		out[k] = r.Literal(v)
	}
	return out
}
