package mcp

import "sync"

// SessionRegistry maps callers (the triggered_by identity) to MCP session IDs.
// Populated when a tool call names its caller.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // caller → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a caller with a session ID, replacing any earlier
// session of the same caller.
func (r *SessionRegistry) Register(caller, sessionID string) {
	if caller == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[caller] = sessionID
}

// SessionFor returns the session ID of the caller, if connected.
func (r *SessionRegistry) SessionFor(caller string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[caller]
	return sid, ok
}

// Remove forgets every caller bound to the session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for caller, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, caller)
		}
	}
}

// Len returns the number of registered callers.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
