// Package pgstore keeps documents as jsonb rows of a single Postgres table
// keyed by (collection, id). Batches run in one transaction.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/godamri/helix-activity/docstore"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db    *sql.DB
	table string
}

func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = "activity_documents"
	}
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// SupportsServerTimestamp reports true: sentinels resolve to the database
// clock.
func (s *Store) SupportsServerTimestamp() bool { return true }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", docstore.ErrUnavailable, err)
	}
	return nil
}

// EnsureSchema creates the document table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	collection text NOT NULL,
	id text NOT NULL,
	data jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return MapError(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref docstore.DocumentRef) (*docstore.Snapshot, error) {
	if !ref.Valid() {
		return nil, docstore.ErrInvalidPath
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+s.table+` WHERE collection = $1 AND id = $2`,
		ref.Collection, ref.ID,
	).Scan(&raw)
	if IsNoRows(err) {
		return docstore.NewSnapshot(ref, nil), nil
	}
	if err != nil {
		return nil, MapError(err)
	}
	var data docstore.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("pgstore: decode %s: %w", ref.Path(), err)
	}
	if data == nil {
		data = docstore.Data{}
	}
	return docstore.NewSnapshot(ref, data), nil
}

func (s *Store) Set(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	return s.apply(ctx, s.db, docstore.Op{Kind: docstore.OpSet, Ref: ref, Data: data, Merge: docstore.IsMerge(opts...)})
}

func (s *Store) Update(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
	return s.apply(ctx, s.db, docstore.Op{Kind: docstore.OpUpdate, Ref: ref, Data: data})
}

func (s *Store) Delete(ctx context.Context, ref docstore.DocumentRef) (docstore.WriteResult, error) {
	return s.apply(ctx, s.db, docstore.Op{Kind: docstore.OpDelete, Ref: ref})
}

func (s *Store) Add(ctx context.Context, collection string, data docstore.Data) (docstore.DocumentRef, docstore.WriteResult, error) {
	ref := docstore.DocumentRef{Collection: collection, ID: uuid.NewString()}
	res, err := s.apply(ctx, s.db, docstore.Op{Kind: docstore.OpSet, Ref: ref, Data: data})
	if err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, err
	}
	return ref, res, nil
}

// Commit runs ops in a single transaction.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) ([]docstore.WriteResult, error) {
	for _, op := range ops {
		if !op.Ref.Valid() {
			return nil, docstore.ErrInvalidPath
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]docstore.WriteResult, 0, len(ops))
	for _, op := range ops {
		res, err := s.apply(ctx, tx, op)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, MapError(err)
	}
	return results, nil
}

func (s *Store) apply(ctx context.Context, q querier, op docstore.Op) (docstore.WriteResult, error) {
	if !op.Ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}

	if op.Kind == docstore.OpDelete {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM `+s.table+` WHERE collection = $1 AND id = $2`,
			op.Ref.Collection, op.Ref.ID,
		); err != nil {
			return docstore.WriteResult{}, MapError(err)
		}
		return docstore.WriteResult{UpdateTime: time.Now()}, nil
	}

	data := op.Data
	if docstore.HasServerTimestamp(data) {
		var now time.Time
		if err := q.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
			return docstore.WriteResult{}, MapError(err)
		}
		data = docstore.ResolveTimestamps(data, now)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("pgstore: encode %s: %w", op.Ref.Path(), err)
	}

	var stmt string
	switch {
	case op.Kind == docstore.OpUpdate:
		stmt = `UPDATE ` + s.table + ` SET data = data || $3::jsonb, updated_at = now()
WHERE collection = $1 AND id = $2 RETURNING updated_at`
	case op.Merge:
		stmt = `INSERT INTO ` + s.table + ` AS d (collection, id, data) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO UPDATE SET data = d.data || EXCLUDED.data, updated_at = now()
RETURNING updated_at`
	default:
		stmt = `INSERT INTO ` + s.table + ` (collection, id, data) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
RETURNING updated_at`
	}

	var updated time.Time
	err = q.QueryRowContext(ctx, stmt, op.Ref.Collection, op.Ref.ID, string(body)).Scan(&updated)
	if err != nil {
		// MapError turns a missing update target into ErrNotFound
		return docstore.WriteResult{}, MapError(err)
	}
	return docstore.WriteResult{UpdateTime: updated}, nil
}
