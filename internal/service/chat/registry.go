package chat

import (
	"sort"
	"sync"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// Registry tracks the identity and role of each live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]chat.Connection
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]chat.Connection)}
}

// Register records the connection. A second call for the same id simply
// replaces the first.
func (r *Registry) Register(conn chat.Connection) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (chat.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// SetSession records the session a visitor connection is subscribed to.
func (r *Registry) SetSession(id, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.SessionID = sessionID
	r.conns[id] = conn
	return true
}

// Remove forgets the connection.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// AdminConnections returns the ids of every admin connection, sorted.
func (r *Registry) AdminConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id, conn := range r.conns {
		if conn.Role == chat.RoleAdmin {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns how many connections hold role.
func (r *Registry) Count(role chat.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.conns {
		if conn.Role == role {
			n++
		}
	}
	return n
}
