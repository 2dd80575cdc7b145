// Package redisstore keeps documents as JSON strings in Redis, one key per
// document path. Multi-document writes use WATCH/MULTI so a batch applies
// entirely or not at all.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/godamri/helix-activity/docstore"
)

// maxAttempts bounds optimistic retries when a watched key changes.
const maxAttempts = 5

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "docstore"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// SupportsServerTimestamp reports true: sentinels resolve to the Redis TIME.
func (s *Store) SupportsServerTimestamp() bool { return true }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %w", docstore.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) key(ref docstore.DocumentRef) string {
	return s.prefix + ":" + ref.Path()
}

func (s *Store) Get(ctx context.Context, ref docstore.DocumentRef) (*docstore.Snapshot, error) {
	if !ref.Valid() {
		return nil, docstore.ErrInvalidPath
	}
	doc, err := load(ctx, s.rdb, s.key(ref))
	if err != nil {
		return nil, err
	}
	return docstore.NewSnapshot(ref, doc), nil
}

func (s *Store) Set(ctx context.Context, ref docstore.DocumentRef, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	return s.one(ctx, docstore.Op{Kind: docstore.OpSet, Ref: ref, Data: data, Merge: docstore.IsMerge(opts...)})
}

func (s *Store) Update(ctx context.Context, ref docstore.DocumentRef, data docstore.Data) (docstore.WriteResult, error) {
	return s.one(ctx, docstore.Op{Kind: docstore.OpUpdate, Ref: ref, Data: data})
}

func (s *Store) Delete(ctx context.Context, ref docstore.DocumentRef) (docstore.WriteResult, error) {
	if !ref.Valid() {
		return docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	if err := s.rdb.Del(ctx, s.key(ref)).Err(); err != nil {
		return docstore.WriteResult{}, fmt.Errorf("redisstore: delete %s: %w", ref.Path(), err)
	}
	return docstore.WriteResult{UpdateTime: time.Now()}, nil
}

// Add writes a new document with a random ID. A plain SET suffices since the
// key cannot exist yet.
func (s *Store) Add(ctx context.Context, collection string, data docstore.Data) (docstore.DocumentRef, docstore.WriteResult, error) {
	ref := docstore.DocumentRef{Collection: collection, ID: uuid.NewString()}
	if !ref.Valid() {
		return docstore.DocumentRef{}, docstore.WriteResult{}, docstore.ErrInvalidPath
	}
	now, err := s.clock(ctx, []docstore.Op{{Data: data}})
	if err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, err
	}
	b, err := json.Marshal(docstore.ResolveTimestamps(data, now))
	if err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, fmt.Errorf("redisstore: encode %s: %w", ref.Path(), err)
	}
	if err := s.rdb.Set(ctx, s.key(ref), b, 0).Err(); err != nil {
		return docstore.DocumentRef{}, docstore.WriteResult{}, fmt.Errorf("redisstore: add to %s: %w", collection, err)
	}
	return ref, docstore.WriteResult{UpdateTime: now}, nil
}

func (s *Store) one(ctx context.Context, op docstore.Op) (docstore.WriteResult, error) {
	res, err := s.Commit(ctx, []docstore.Op{op})
	if err != nil {
		return docstore.WriteResult{}, err
	}
	return res[0], nil
}

// Commit applies ops atomically. Keys are watched while their current state
// is read; a concurrent change restarts the attempt.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) ([]docstore.WriteResult, error) {
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		if !op.Ref.Valid() {
			return nil, docstore.ErrInvalidPath
		}
		keys = append(keys, s.key(op.Ref))
	}
	if len(ops) == 0 {
		return []docstore.WriteResult{}, nil
	}

	now, err := s.clock(ctx, ops)
	if err != nil {
		return nil, err
	}

	txf := func(tx *redis.Tx) error {
		state, err := plan(ctx, tx, keys, ops, now)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, doc := range state {
				if doc == nil {
					pipe.Del(ctx, k)
					continue
				}
				b, err := json.Marshal(doc)
				if err != nil {
					return fmt.Errorf("redisstore: encode %s: %w", k, err)
				}
				pipe.Set(ctx, k, b, 0)
			}
			return nil
		})
		return err
	}

	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(5*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil:
		results := make([]docstore.WriteResult, len(ops))
		for i := range results {
			results[i] = docstore.WriteResult{UpdateTime: now}
		}
		return results, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("%w: %w", docstore.ErrAborted, err)
	case errors.Is(err, docstore.ErrNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("redisstore: commit: %w", err)
	}
}

// plan computes the final state of every touched key. A nil document means
// the key is deleted.
func plan(ctx context.Context, tx getter, keys []string, ops []docstore.Op, now time.Time) (map[string]docstore.Data, error) {
	state := make(map[string]docstore.Data, len(ops))
	loaded := make(map[string]bool, len(ops))

	for i, op := range ops {
		k := keys[i]
		if !loaded[k] {
			doc, err := load(ctx, tx, k)
			if err != nil {
				return nil, err
			}
			state[k] = doc
			loaded[k] = true
		}
		cur := state[k]
		data := docstore.ResolveTimestamps(op.Data, now)

		switch op.Kind {
		case docstore.OpSet:
			if op.Merge && cur != nil {
				merged := maps.Clone(cur)
				maps.Copy(merged, data)
				data = merged
			}
			state[k] = data
		case docstore.OpUpdate:
			if cur == nil {
				return nil, docstore.ErrNotFound
			}
			merged := maps.Clone(cur)
			maps.Copy(merged, data)
			state[k] = merged
		case docstore.OpDelete:
			state[k] = nil
		default:
			return nil, fmt.Errorf("redisstore: unknown op %q", op.Kind)
		}
	}
	return state, nil
}

// getter is satisfied by both the client and a watched *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load returns nil for a missing key.
func load(ctx context.Context, c getter, key string) (docstore.Data, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return decode(b)
}

func decode(b []byte) (docstore.Data, error) {
	var doc docstore.Data
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("redisstore: decode: %w", err)
	}
	if doc == nil {
		doc = docstore.Data{}
	}
	return doc, nil
}

// clock asks Redis for its time only when a sentinel needs resolving.
func (s *Store) clock(ctx context.Context, ops []docstore.Op) (time.Time, error) {
	for _, op := range ops {
		if docstore.HasServerTimestamp(op.Data) {
			t, err := s.rdb.Time(ctx).Result()
			if err != nil {
				return time.Time{}, fmt.Errorf("redisstore: server time: %w", err)
			}
			return t, nil
		}
	}
	return time.Now(), nil
}
