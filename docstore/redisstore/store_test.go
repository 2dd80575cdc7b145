package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godamri/helix-activity/docstore"
)

type fakeKV map[string]string

func (f fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

var (
	c1 = docstore.DocumentRef{Collection: "cars", ID: "c1"}
	c2 = docstore.DocumentRef{Collection: "cars", ID: "c2"}
)

func TestStore_Key(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "docstore:cars/c1", New(nil, "").key(c1))
	assert.Equal(t, "mzj:orgs/o1/cars/c1", New(nil, "mzj").key(docstore.DocumentRef{Collection: "orgs/o1/cars", ID: "c1"}))
}

func TestPlan(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	kv := fakeKV{"docstore:cars/c1": `{"price":1,"model":"LX"}`}
	keys := []string{"docstore:cars/c1", "docstore:cars/c2", "docstore:cars/c1"}

	state, err := plan(context.Background(), kv, keys, []docstore.Op{
		{Kind: docstore.OpSet, Ref: c1, Data: docstore.Data{"price": 2}, Merge: true},
		{Kind: docstore.OpSet, Ref: c2, Data: docstore.Data{"ts": docstore.ServerTimestamp}},
		{Kind: docstore.OpUpdate, Ref: c1, Data: docstore.Data{"sold": true}},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, docstore.Data{"price": 2, "model": "LX", "sold": true}, state["docstore:cars/c1"])
	assert.Equal(t, docstore.Data{"ts": now}, state["docstore:cars/c2"])
}

func TestPlan_ReplaceDropsFields(t *testing.T) {
	t.Parallel()

	kv := fakeKV{"docstore:cars/c1": `{"price":1,"model":"LX"}`}
	state, err := plan(context.Background(), kv, []string{"docstore:cars/c1"}, []docstore.Op{
		{Kind: docstore.OpSet, Ref: c1, Data: docstore.Data{"price": 3}},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, docstore.Data{"price": 3}, state["docstore:cars/c1"])
}

func TestPlan_UpdateMissing(t *testing.T) {
	t.Parallel()

	_, err := plan(context.Background(), fakeKV{}, []string{"docstore:cars/c1"}, []docstore.Op{
		{Kind: docstore.OpUpdate, Ref: c1, Data: docstore.Data{"price": 1}},
	}, time.Now())
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestPlan_DeleteThenUpdate(t *testing.T) {
	t.Parallel()

	kv := fakeKV{"docstore:cars/c1": `{"price":1}`}
	keys := []string{"docstore:cars/c1", "docstore:cars/c1"}
	_, err := plan(context.Background(), kv, keys, []docstore.Op{
		{Kind: docstore.OpDelete, Ref: c1},
		{Kind: docstore.OpUpdate, Ref: c1, Data: docstore.Data{"price": 2}},
	}, time.Now())
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestPlan_DeleteMarksNil(t *testing.T) {
	t.Parallel()

	kv := fakeKV{"docstore:cars/c1": `{"price":1}`}
	state, err := plan(context.Background(), kv, []string{"docstore:cars/c1"}, []docstore.Op{
		{Kind: docstore.OpDelete, Ref: c1},
	}, time.Now())
	require.NoError(t, err)
	doc, ok := state["docstore:cars/c1"]
	assert.True(t, ok)
	assert.Nil(t, doc)
}

func TestLoad_CorruptValue(t *testing.T) {
	t.Parallel()

	_, err := load(context.Background(), fakeKV{"k": "{not json"}, "k")
	assert.Error(t, err)

	doc, err := load(context.Background(), fakeKV{"k": "null"}, "k")
	require.NoError(t, err)
	assert.Equal(t, docstore.Data{}, doc)
}

func TestStore_InvalidRefs(t *testing.T) {
	t.Parallel()

	s := New(nil, "")
	ctx := context.Background()

	_, err := s.Get(ctx, docstore.DocumentRef{Collection: "cars"})
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)

	_, err = s.Commit(ctx, []docstore.Op{{Kind: docstore.OpSet, Ref: docstore.DocumentRef{ID: "x"}}})
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)

	_, _, err = s.Add(ctx, "", docstore.Data{})
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)

	res, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestTracingHook_SkipsWithoutParent(t *testing.T) {
	h := newTracingHook()
	called := false
	process := h.ProcessHook(func(ctx context.Context, cmd redis.Cmder) error {
		called = true
		return nil
	})

	require.NoError(t, process(context.Background(), redis.NewStatusCmd(context.Background(), "ping")))
	assert.True(t, called)

	ctx := context.Background()
	got, end := h.span(ctx, "redis.command")
	end(nil)
	assert.Equal(t, ctx, got)
}
