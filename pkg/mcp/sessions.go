package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs. Tools that take an
// agent_id register the calling session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID -> sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an agent with a session, replacing an older one.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session of agentID, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove drops every agent mapped to sessionID and returns how many were dropped.
func (r *SessionRegistry) Remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
			removed++
		}
	}
	return removed
}

// Len returns the number of connected agents.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
