package audit

import (
	"context"
	"errors"
	"time"
)

// ErrNoStore is returned by loggers that had nowhere to write a record.
var ErrNoStore = errors.New("audit: no store available")

// Actor is the operator identity attached to a record. Empty fields are
// unknown.
type Actor struct {
	UID   string `json:"uid,omitempty" yaml:"uid"`
	Email string `json:"email,omitempty" yaml:"email"`
	Name  string `json:"name,omitempty" yaml:"name"`
	Role  string `json:"role,omitempty" yaml:"role"`
}

// Merge returns a with every non-empty field of other applied on top.
func (a Actor) Merge(other Actor) Actor {
	if other.UID != "" {
		a.UID = other.UID
	}
	if other.Email != "" {
		a.Email = other.Email
	}
	if other.Name != "" {
		a.Name = other.Name
	}
	if other.Role != "" {
		a.Role = other.Role
	}
	return a
}

// ActorPatch overwrites the fields it sets. A field set to "" is cleared.
type ActorPatch struct {
	UID   *string
	Email *string
	Name  *string
	Role  *string
}

// Apply returns a with the set fields of p applied.
func (a Actor) Apply(p ActorPatch) Actor {
	if p.UID != nil {
		a.UID = *p.UID
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Role != nil {
		a.Role = *p.Role
	}
	return a
}

// Or fills the empty fields of a from fallback.
func (a Actor) Or(fallback Actor) Actor {
	return fallback.Merge(a)
}

func (a Actor) IsZero() bool {
	return a == Actor{}
}

// Summary is a size-bounded digest of a write payload. It only ever holds
// counts and scalar values.
type Summary map[string]any

// Record is the persisted unit of the audit trail.
type Record struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	RefPath   string    `json:"refPath"`
	Entity    string    `json:"entity"`
	Before    Summary   `json:"before"`
	After     Summary   `json:"after"`
	UserUID   *string   `json:"userUid"`
	UserEmail *string   `json:"userEmail"`
	UserName  *string   `json:"userName"`
	UserRole  *string   `json:"userRole"`
	Timestamp time.Time `json:"ts"`
	Date      string    `json:"date"`
	TraceID   string    `json:"traceId,omitempty"`
}

// SetActor copies the identity of a into the record's nullable user fields.
func (r *Record) SetActor(a Actor) {
	r.UserUID = nullable(a.UID)
	r.UserEmail = nullable(a.Email)
	r.UserName = nullable(a.Name)
	r.UserRole = nullable(a.Role)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Logger defines where audit records go (document store, Kafka, stdout).
type Logger interface {
	Log(ctx context.Context, rec Record) error
}

// NoopLogger is for dev/testing.
type NoopLogger struct{}

func (n *NoopLogger) Log(ctx context.Context, rec Record) error {
	return nil
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(ctx context.Context, rec Record) error

func (f LoggerFunc) Log(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}
