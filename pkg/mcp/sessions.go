package mcp

import "sync"

// ClientRegistry maps chatflow session IDs to the MCP client session that
// started them. Populated by chatflow.start when the call carries a client
// session.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]string // chatflow session ID → MCP session ID
}

// NewClientRegistry creates a new empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]string)}
}

// Register associates a chatflow session with an MCP client session.
// A later registration for the same chatflow session wins.
func (r *ClientRegistry) Register(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = clientID
}

// ClientFor returns the MCP client session watching sessionID.
func (r *ClientRegistry) ClientFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.clients[sessionID]
	return cid, ok
}

// Forget drops the mapping of one chatflow session.
func (r *ClientRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
}

// Remove deletes every mapping to the given MCP client session.
// Called when a client disconnects.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, cid := range r.clients {
		if cid == clientID {
			delete(r.clients, sid)
		}
	}
}
