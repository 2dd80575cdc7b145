package audit

import (
	"context"
	"fmt"

	"github.com/godamri/helix-activity/docstore"
)

// DefaultCollection is the collection reserved for audit history.
const DefaultCollection = "mzj_activity_log"

// StoreResolver hands out the store audit records are written to. It returns
// nil until the store is known.
type StoreResolver interface {
	AuditStore() docstore.Store
}

// StaticStore resolves to a fixed store.
func StaticStore(s docstore.Store) StoreResolver {
	return staticStore{s}
}

type staticStore struct{ s docstore.Store }

func (s staticStore) AuditStore() docstore.Store { return s.s }

// StoreLogger appends each record as a new document of the audit collection.
type StoreLogger struct {
	stores     StoreResolver
	collection string
}

func NewStoreLogger(stores StoreResolver, collection string) *StoreLogger {
	if collection == "" {
		collection = DefaultCollection
	}
	return &StoreLogger{stores: stores, collection: collection}
}

// Log returns ErrNoStore, writing nothing, while no store is available.
func (l *StoreLogger) Log(ctx context.Context, rec Record) error {
	if l.stores == nil {
		return ErrNoStore
	}
	store := l.stores.AuditStore()
	if store == nil {
		return ErrNoStore
	}
	if _, _, err := store.Add(ctx, l.collection, Document(rec, docstore.HasServerClock(store))); err != nil {
		return fmt.Errorf("audit: append to %s: %w", l.collection, err)
	}
	return nil
}

// Document renders rec in its persisted shape. With serverClock the timestamp
// is left to the store, otherwise rec.Timestamp is written.
func Document(rec Record, serverClock bool) docstore.Data {
	var ts any = rec.Timestamp
	if serverClock {
		ts = docstore.ServerTimestamp
	}
	doc := docstore.Data{
		"id":        rec.ID,
		"action":    rec.Action,
		"details":   rec.Details,
		"refPath":   rec.RefPath,
		"entity":    rec.Entity,
		"before":    summaryValue(rec.Before),
		"after":     summaryValue(rec.After),
		"userUid":   stringValue(rec.UserUID),
		"userEmail": stringValue(rec.UserEmail),
		"userName":  stringValue(rec.UserName),
		"userRole":  stringValue(rec.UserRole),
		"ts":        ts,
		"date":      rec.Date,
	}
	if rec.TraceID != "" {
		doc["traceId"] = rec.TraceID
	}
	return doc
}

func summaryValue(s Summary) any {
	if s == nil {
		return nil
	}
	return map[string]any(s)
}

func stringValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
