package activity

import (
	"context"
	"sync"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/contextx"
	"github.com/godamri/helix-activity/docstore"
)

// Handles are the store primitives the tracker needs. Store receives audit
// records; Read, when set, supplies pre-write state.
type Handles struct {
	Store docstore.Store
	Read  docstore.ReadFunc
}

// HandlesFor uses store both as the audit destination and the pre-read source.
func HandlesFor(store docstore.Store) Handles {
	return Handles{Store: store, Read: store.Get}
}

// Holder carries the current actor and store handles. The zero value is
// usable: before Initialize every audit write is skipped.
type Holder struct {
	mu      sync.RWMutex
	handles Handles
	actor   audit.Actor
}

func NewHolder() *Holder {
	return &Holder{}
}

// Initialize replaces the store handles.
func (h *Holder) Initialize(handles Handles) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles = handles
}

// SetActor merges a into the current actor; empty fields keep their value.
func (h *Holder) SetActor(a audit.Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actor = h.actor.Merge(a)
}

// PatchActor overwrites the fields p sets, clearing those set to "".
func (h *Holder) PatchActor(p audit.ActorPatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actor = h.actor.Apply(p)
}

// ClearActor forgets the current actor, e.g. on sign-out.
func (h *Holder) ClearActor() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actor = audit.Actor{}
}

// Actor returns a copy of the current actor.
func (h *Holder) Actor() audit.Actor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.actor
}

// AuditStore implements audit.StoreResolver.
func (h *Holder) AuditStore() docstore.Store {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handles.Store
}

func (h *Holder) reader() docstore.ReadFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handles.Read
}

// ResolveActor returns the request actor from ctx layered over the holder's
// actor.
func (h *Holder) ResolveActor(ctx context.Context) audit.Actor {
	return contextx.GetActor(ctx).Or(h.Actor())
}
