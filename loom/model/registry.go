package model

import "sync"

// Registry is the model-override whitelist consulted by conditional
// injectors. An override naming a model outside the whitelist is replaced by
// the safe failover model rather than rejected, so a bad rule can never
// stall a token.
type Registry struct {
	mu       sync.RWMutex
	failover string
	allowed  map[string]bool
	clients  map[string]ChatModel
}

// NewRegistry creates a registry with the given safe failover model. The
// failover model is always whitelisted.
func NewRegistry(failover string) *Registry {
	r := &Registry{
		failover: failover,
		allowed:  make(map[string]bool),
		clients:  make(map[string]ChatModel),
	}
	if failover != "" {
		r.allowed[failover] = true
	}
	return r
}

// Allow whitelists a model id. The optional client binds a provider adapter
// for deployments that call models directly; nil registers the id only.
func (r *Registry) Allow(id string, client ChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed[id] = true
	if client != nil {
		r.clients[id] = client
	}
}

// Resolve validates an override against the whitelist.
//
// Returns the effective model id and whether the failover was substituted.
// Implements the resolver contract used by the guard injector.
func (r *Registry) Resolve(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allowed[id] {
		return id, false
	}
	return r.failover, true
}

// Failover returns the safe failover model id.
func (r *Registry) Failover() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failover
}

// Client returns the bound provider adapter for a model id, or nil when the
// deployment has not bound one.
func (r *Registry) Client(id string) ChatModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Allowed reports whether a model id is whitelisted.
func (r *Registry) Allowed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[id]
}
