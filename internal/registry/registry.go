// Package registry tracks which connection owns each conversation and the
// per-connection epoch used to invalidate stale streaming loops.
//
// Every method is total: unknown connections, unknown conversations and
// no-op removals are ordinary return values.
package registry

import "sync"

// Conn is the registry's view of one transport connection.
type Conn struct {
	ID             string
	ConversationID string
	ResumeID       string
	Epoch          uint64
	Role           string
	UserID         string
}

// Registry maps conversation ids to owning connection ids. It stores
// connection state by value and never holds transport objects.
type Registry struct {
	mu     sync.Mutex
	owners map[string]string
	conns  map[string]*Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		owners: make(map[string]string),
		conns:  make(map[string]*Conn),
	}
}

// Add registers a connection. An existing entry with the same id is replaced.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	r.conns[c.ID] = &cp
}

// Remove forgets a connection. Ownership mappings pointing at it are left in
// place and are cleaned up lazily by ResolveOwner.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Conn returns a snapshot of the connection state.
func (r *Registry) Conn(connID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// Epoch returns the connection's current epoch, or 0 if unknown.
func (r *Registry) Epoch(connID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		return c.Epoch
	}
	return 0
}

// Owner returns the raw owner id for a conversation without validation.
func (r *Registry) Owner(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[conversationID]
	return id, ok
}

// IsStale reports whether the connection's epoch moved past epochAtStart.
// A removed connection can no longer switch or abort, so it is never stale:
// its loop keeps running and delivers to whoever owns the conversation.
func (r *Registry) IsStale(connID string, epochAtStart uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	return c.Epoch != epochAtStart
}

// ResolveOwner returns the connection owning conversationID. A mapping whose
// connection is gone, or whose connection has moved to another conversation,
// is removed and reported as absent.
func (r *Registry) ResolveOwner(conversationID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.owners[conversationID]
	if !ok {
		return Conn{}, false
	}
	c, ok := r.conns[connID]
	if !ok || c.ConversationID != conversationID {
		delete(r.owners, conversationID)
		return Conn{}, false
	}
	return *c, true
}

// SwitchConversation moves the connection to newID and returns its new epoch.
// The old mapping is dropped only when this connection still owns it. The
// epoch is bumped even when oldID equals newID.
func (r *Registry) SwitchConversation(connID, oldID, newID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0
	}
	if oldID != "" && oldID != newID && r.owners[oldID] == connID {
		delete(r.owners, oldID)
	}
	c.Epoch++
	c.ConversationID = newID
	if newID != "" {
		r.owners[newID] = connID
	}
	return c.Epoch
}

// AbortCleanup bumps the connection's epoch and drops the mapping for
// conversationID if this connection owns it.
func (r *Registry) AbortCleanup(connID, conversationID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0
	}
	c.Epoch++
	if conversationID != "" && r.owners[conversationID] == connID {
		delete(r.owners, conversationID)
	}
	return c.Epoch
}

// Bind points the connection at conversationID and takes ownership of it,
// overriding any previous owner. The epoch is left untouched.
func (r *Registry) Bind(connID, conversationID, resumeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.ConversationID = conversationID
	c.ResumeID = resumeID
	if conversationID != "" {
		r.owners[conversationID] = connID
	}
	return true
}

// SetResumeID records the engine resume id on the connection.
func (r *Registry) SetResumeID(connID, resumeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.ResumeID = resumeID
	}
}

// Release drops the mapping for conversationID if connID owns it.
func (r *Registry) Release(connID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID == "" || r.owners[conversationID] != connID {
		return false
	}
	delete(r.owners, conversationID)
	return true
}
