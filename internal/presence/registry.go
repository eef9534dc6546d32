package presence

import "sync"

// ConnRegistry is the transport-level record of live connections per user.
// It is the source of truth the actor consults when delivering: after an
// actor is evicted and recreated, the still-open sockets are re-derived
// from here rather than from actor memory.
type ConnRegistry struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection
}

// NewConnRegistry returns an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{connections: make(map[string]map[string]*Connection)}
}

// Register records a live connection for a user id.
func (r *ConnRegistry) Register(userID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[userID]; !ok {
		r.connections[userID] = make(map[string]*Connection)
	}
	r.connections[userID][conn.ConnectionID()] = conn
}

// Unregister removes a connection; removing an unknown connection is a
// no-op.
func (r *ConnRegistry) Unregister(userID string, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.connections[userID]
	if conns == nil {
		return
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.connections, userID)
	}
}

// Snapshot returns the live connections for a user id.
func (r *ConnRegistry) Snapshot(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.connections[userID]
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// Count reports the number of live connections for a user id.
func (r *ConnRegistry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections[userID])
}
