package docstore

import (
	"context"
	"strings"
)

// Client is the reference-shaped API: handles are created first and the
// write is a method on the handle.
type Client interface {
	Doc(path string) Document
	Collection(path string) Collection
	Batch() WriteBatch
}

type Document interface {
	Ref() DocumentRef
	Path() string
	Get(ctx context.Context) (*Snapshot, error)
	Set(ctx context.Context, data Data, opts ...SetOption) (WriteResult, error)
	Update(ctx context.Context, data Data) (WriteResult, error)
	Delete(ctx context.Context) (WriteResult, error)
}

type Collection interface {
	Path() string
	Doc(id string) Document
	Add(ctx context.Context, data Data) (Document, WriteResult, error)
}

// WriteBatch accumulates writes applied together by Commit.
type WriteBatch interface {
	Set(doc Document, data Data, opts ...SetOption) WriteBatch
	Update(doc Document, data Data) WriteBatch
	Delete(doc Document) WriteBatch
	Len() int
	Commit(ctx context.Context) ([]WriteResult, error)
}

// NewClient returns a Client backed by store.
func NewClient(store Store) Client {
	return &client{store: store}
}

type client struct {
	store Store
}

func (c *client) Doc(path string) Document {
	ref, err := Doc(path)
	return &document{store: c.store, ref: ref, path: strings.Trim(path, "/"), err: err}
}

func (c *client) Collection(path string) Collection {
	return &collection{store: c.store, path: strings.Trim(path, "/")}
}

func (c *client) Batch() WriteBatch {
	return &batch{store: c.store}
}

type document struct {
	store Store
	ref   DocumentRef
	path  string
	err   error
}

func (d *document) Ref() DocumentRef { return d.ref }
func (d *document) Path() string     { return d.path }

func (d *document) Get(ctx context.Context) (*Snapshot, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.store.Get(ctx, d.ref)
}

func (d *document) Set(ctx context.Context, data Data, opts ...SetOption) (WriteResult, error) {
	if d.err != nil {
		return WriteResult{}, d.err
	}
	return d.store.Set(ctx, d.ref, data, opts...)
}

func (d *document) Update(ctx context.Context, data Data) (WriteResult, error) {
	if d.err != nil {
		return WriteResult{}, d.err
	}
	return d.store.Update(ctx, d.ref, data)
}

func (d *document) Delete(ctx context.Context) (WriteResult, error) {
	if d.err != nil {
		return WriteResult{}, d.err
	}
	return d.store.Delete(ctx, d.ref)
}

type collection struct {
	store Store
	path  string
}

func (c *collection) Path() string { return c.path }

func (c *collection) Doc(id string) Document {
	ref := DocumentRef{Collection: c.path, ID: id}
	var err error
	if c.path == "" || id == "" || strings.Contains(id, "/") {
		err = ErrInvalidPath
	}
	return &document{store: c.store, ref: ref, path: ref.Path(), err: err}
}

func (c *collection) Add(ctx context.Context, data Data) (Document, WriteResult, error) {
	if c.path == "" || len(strings.Split(c.path, "/"))%2 == 0 {
		return nil, WriteResult{}, ErrInvalidPath
	}
	ref, res, err := c.store.Add(ctx, c.path, data)
	if err != nil {
		return nil, WriteResult{}, err
	}
	return &document{store: c.store, ref: ref, path: ref.Path()}, res, nil
}

type batch struct {
	store Store
	ops   []Op
	err   error
}

func (b *batch) add(doc Document, op Op) WriteBatch {
	if b.err != nil {
		return b
	}
	if doc == nil || !doc.Ref().Valid() {
		b.err = ErrInvalidPath
		return b
	}
	op.Ref = doc.Ref()
	b.ops = append(b.ops, op)
	return b
}

func (b *batch) Set(doc Document, data Data, opts ...SetOption) WriteBatch {
	return b.add(doc, Op{Kind: OpSet, Data: data, Merge: IsMerge(opts...)})
}

func (b *batch) Update(doc Document, data Data) WriteBatch {
	return b.add(doc, Op{Kind: OpUpdate, Data: data})
}

func (b *batch) Delete(doc Document) WriteBatch {
	return b.add(doc, Op{Kind: OpDelete})
}

func (b *batch) Len() int { return len(b.ops) }

func (b *batch) Commit(ctx context.Context) ([]WriteResult, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.store.Commit(ctx, b.ops)
}
