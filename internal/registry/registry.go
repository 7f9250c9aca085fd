// Package registry tracks display names of live signaling connections.
package registry

import "sync"

// Registry maps connection IDs to display names. Connections that never
// supplied a name resolve to a generated placeholder derived from the ID, so
// NameOf is total.
type Registry struct {
	mu     sync.RWMutex
	prefix string
	names  map[string]string
}

func New(defaultPrefix string) *Registry {
	return &Registry{
		prefix: defaultPrefix,
		names:  make(map[string]string),
	}
}

// RecordName associates a display name with a connection. Last write wins.
func (r *Registry) RecordName(connID, name string) {
	r.mu.Lock()
	r.names[connID] = name
	r.mu.Unlock()
}

// NameOf returns the recorded display name, or a generated fallback built
// from the configured prefix and the last four characters of the ID.
func (r *Registry) NameOf(connID string) string {
	r.mu.RLock()
	name, ok := r.names[connID]
	r.mu.RUnlock()
	if ok && name != "" {
		return name
	}
	return r.prefix + idSuffix(connID)
}

// Forget removes the name association. Called on disconnect.
func (r *Registry) Forget(connID string) {
	r.mu.Lock()
	delete(r.names, connID)
	r.mu.Unlock()
}

func idSuffix(connID string) string {
	if len(connID) <= 4 {
		return connID
	}
	return connID[len(connID)-4:]
}
