package session

import (
	"sort"
	"sync"
)

// Registry indexes live runtimes by user and by session id.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Runtime
	byID   map[int64]*Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]*Runtime),
		byID:   make(map[int64]*Runtime),
	}
}

// Bind registers rt for both participants and returns the runtime now bound
// to its session id. If another caller bound the same session first, that
// runtime is returned and rt is ignored.
func (r *Registry) Bind(rt *Runtime) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[rt.ID]; ok {
		return existing
	}
	r.byID[rt.ID] = rt
	r.byUser[rt.UserA] = rt
	r.byUser[rt.UserB] = rt
	return rt
}

// Unbind removes rt. Entries that were rebound to another runtime are left
// alone.
func (r *Registry) Unbind(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[rt.ID] == rt {
		delete(r.byID, rt.ID)
	}
	for _, u := range rt.Users() {
		if r.byUser[u] == rt {
			delete(r.byUser, u)
		}
	}
}

// Lookup returns the runtime userID participates in, or nil.
func (r *Registry) Lookup(userID int64) *Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Get returns the runtime for session id, or nil.
func (r *Registry) Get(id int64) *Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Owns reports whether every given user still maps to session id.
func (r *Registry) Owns(id int64, users ...int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range users {
		rt, ok := r.byUser[u]
		if !ok || rt.ID != id {
			return false
		}
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns the live runtimes ordered by session id.
func (r *Registry) All() []*Runtime {
	r.mu.RLock()
	out := make([]*Runtime, 0, len(r.byID))
	for _, rt := range r.byID {
		out = append(out, rt)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
