package activity

import (
	"context"
	"reflect"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/docstore"
)

const batchRefPath = "(batch)"

// compatMarker is implemented by clients already decorated by InstallCompat.
type compatMarker interface {
	activityCompat()
}

// InstallCompat decorates client so that every successful Set, Update,
// Delete, Add and batch Commit made through it is recorded. Records go to the
// audit collection of store (the tracker's audit logger when store is nil)
// and are attributed to resolve(ctx), evaluated per write.
//
// Installing on an already decorated client, or twice on the same client,
// returns the same decorated client.
func (t *Tracker) InstallCompat(client docstore.Client, store docstore.Store, resolve ActorResolver) docstore.Client {
	if client == nil {
		return nil
	}
	if _, ok := client.(compatMarker); ok {
		return client
	}

	keyable := reflect.TypeOf(client).Comparable()
	if keyable {
		t.compatMu.Lock()
		defer t.compatMu.Unlock()
		if c, ok := t.installed[client]; ok {
			return c
		}
	}

	var l audit.Logger = t.audit
	if store != nil {
		l = audit.NewStoreLogger(audit.StaticStore(store), t.cfg.Audit.Collection)
	}
	if resolve == nil {
		resolve = func(context.Context) audit.Actor { return audit.Actor{} }
	}

	c := &compatClient{
		inner: client,
		sink:  newSink(l, resolve, t.logger, t.cfg.MaxDetailsLength, t.now, shapeCompat),
	}
	if keyable {
		t.installed[client] = c
	}
	t.logger.Info("Compat client decorated", "client", reflect.TypeOf(client).String())
	return c
}

type compatClient struct {
	inner docstore.Client
	sink  *Sink
}

func (c *compatClient) activityCompat() {}

func (c *compatClient) Doc(path string) docstore.Document {
	return &compatDocument{inner: c.inner.Doc(path), client: c}
}

func (c *compatClient) Collection(path string) docstore.Collection {
	return &compatCollection{inner: c.inner.Collection(path), client: c}
}

func (c *compatClient) Batch() docstore.WriteBatch {
	return &compatBatch{inner: c.inner.Batch(), client: c}
}

// record runs only after the delegated write succeeded.
func (c *compatClient) record(ctx context.Context, op, action, refPath, details string) {
	interceptedWritesTotal.WithLabelValues(shapeCompat, op, outcomeOK).Inc()
	c.sink.Record(ctx, Fields{Action: action, RefPath: refPath, Details: details})
}

func (c *compatClient) failed(op string) {
	interceptedWritesTotal.WithLabelValues(shapeCompat, op, outcomeError).Inc()
}

type compatDocument struct {
	inner  docstore.Document
	client *compatClient
}

func (d *compatDocument) Ref() docstore.DocumentRef { return d.inner.Ref() }
func (d *compatDocument) Path() string              { return d.inner.Path() }

func (d *compatDocument) Get(ctx context.Context) (*docstore.Snapshot, error) {
	return d.inner.Get(ctx)
}

func (d *compatDocument) Set(ctx context.Context, data docstore.Data, opts ...docstore.SetOption) (docstore.WriteResult, error) {
	res, err := d.inner.Set(ctx, data, opts...)
	if err != nil {
		d.client.failed("set")
		return res, err
	}
	keys := changedFields(data)
	d.client.record(ctx, "set", Classify(d.Path(), keys), d.Path(), "set: "+joinFields(keys))
	return res, nil
}

func (d *compatDocument) Update(ctx context.Context, data docstore.Data) (docstore.WriteResult, error) {
	res, err := d.inner.Update(ctx, data)
	if err != nil {
		d.client.failed("update")
		return res, err
	}
	keys := changedFields(data)
	d.client.record(ctx, "update", Classify(d.Path(), keys), d.Path(), "update: "+joinFields(keys))
	return res, nil
}

func (d *compatDocument) Delete(ctx context.Context) (docstore.WriteResult, error) {
	res, err := d.inner.Delete(ctx)
	if err != nil {
		d.client.failed("delete")
		return res, err
	}
	d.client.record(ctx, "delete", ActionDelete, d.Path(), "delete")
	return res, nil
}

type compatCollection struct {
	inner  docstore.Collection
	client *compatClient
}

func (c *compatCollection) Path() string { return c.inner.Path() }

func (c *compatCollection) Doc(id string) docstore.Document {
	return &compatDocument{inner: c.inner.Doc(id), client: c.client}
}

// Add records against the collection path; the generated ID is not known to
// the classifier rules.
func (c *compatCollection) Add(ctx context.Context, data docstore.Data) (docstore.Document, docstore.WriteResult, error) {
	doc, res, err := c.inner.Add(ctx, data)
	if err != nil {
		c.client.failed("add")
		return doc, res, err
	}
	keys := changedFields(data)
	c.client.record(ctx, "add", Classify(c.Path(), keys), c.Path(), "add: "+joinFields(keys))
	return &compatDocument{inner: doc, client: c.client}, res, nil
}

// compatBatch records a single entry per Commit, whatever it contains.
type compatBatch struct {
	inner  docstore.WriteBatch
	client *compatClient
}

func (b *compatBatch) Set(doc docstore.Document, data docstore.Data, opts ...docstore.SetOption) docstore.WriteBatch {
	b.inner.Set(unwrap(doc), data, opts...)
	return b
}

func (b *compatBatch) Update(doc docstore.Document, data docstore.Data) docstore.WriteBatch {
	b.inner.Update(unwrap(doc), data)
	return b
}

func (b *compatBatch) Delete(doc docstore.Document) docstore.WriteBatch {
	b.inner.Delete(unwrap(doc))
	return b
}

func (b *compatBatch) Len() int { return b.inner.Len() }

func (b *compatBatch) Commit(ctx context.Context) ([]docstore.WriteResult, error) {
	res, err := b.inner.Commit(ctx)
	if err != nil {
		b.client.failed("commit")
		return res, err
	}
	b.client.record(ctx, "commit", ActionBatch, batchRefPath, "batch.commit")
	return res, nil
}

func unwrap(doc docstore.Document) docstore.Document {
	if d, ok := doc.(*compatDocument); ok {
		return d.inner
	}
	return doc
}
