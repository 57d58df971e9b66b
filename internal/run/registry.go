package run

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks active runs. It is owned by the composition root and
// passed by handle to components that need lookup; there is no ambient
// global state.
type Registry struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]*handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uuid.UUID]*handle)}
}

func (r *Registry) add(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.id] = h
}

func (r *Registry) get(id uuid.UUID) *handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// ActiveIDs returns the ids of all currently executing runs.
func (r *Registry) ActiveIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}
