// Package registry tracks which live push connections belong to which account.
package registry

import "sync"

// Registry maps account ids to their live connection ids. State is volatile and
// rebuilt as clients reconnect.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
	total int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// Add registers connID for accountID. Adding a known pair is a no-op.
func (r *Registry) Add(accountID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[accountID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[accountID] = set
	}
	if _, dup := set[connID]; dup {
		return
	}
	set[connID] = struct{}{}
	r.total++
}

// Remove drops connID from accountID. The account entry is deleted with its last connection.
func (r *Registry) Remove(accountID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[accountID]
	if !ok {
		return
	}
	if _, present := set[connID]; !present {
		return
	}
	delete(set, connID)
	r.total--
	if len(set) == 0 {
		delete(r.conns, accountID)
	}
}

// List returns a snapshot of accountID's connections in no particular order.
func (r *Registry) List(accountID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[accountID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Accounts returns the number of accounts with at least one connection.
func (r *Registry) Accounts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns the total number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
