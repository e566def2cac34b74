package connection

import (
	"sort"
	"sync"
)

// Registry maps destination ids to command handlers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{store: make(map[string]Handler)}
}

// Store installs h under dest, replacing any previous handler.
func (r *Registry) Store(dest string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[dest] = h
}

// Get returns the handler for dest.
func (r *Registry) Get(dest string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.store[dest]
	return h, ok
}

// Delete removes dest.
func (r *Registry) Delete(dest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, dest)
}

// Dispatch calls the handler registered for dest with msg and reports whether
// one was found. The handler runs outside the lock.
func (r *Registry) Dispatch(dest, msg string) bool {
	h, ok := r.Get(dest)
	if !ok {
		return false
	}
	h(msg)
	return true
}

// Destinations lists registered ids in sorted order.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.store))
	for dest := range r.store {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}
