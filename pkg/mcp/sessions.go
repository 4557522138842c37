package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs. Agents are registered
// when they call a tool that carries agent_id; one session may serve
// several agents.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string              // agentID -> sessionID
	agents  map[string]map[string]struct{} // sessionID -> agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAgent: make(map[string]string),
		agents:  make(map[string]map[string]struct{}),
	}
}

// Register associates an agent with a session. A reconnecting agent moves
// to its new session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byAgent[agentID]; ok && old != sessionID {
		r.unlink(agentID, old)
	}
	r.byAgent[agentID] = sessionID
	set, ok := r.agents[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.agents[sessionID] = set
	}
	set[agentID] = struct{}{}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Remove drops every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid := range r.agents[sessionID] {
		delete(r.byAgent, aid)
	}
	delete(r.agents, sessionID)
}

// Len returns the number of connected agents.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}

func (r *SessionRegistry) unlink(agentID, sessionID string) {
	set := r.agents[sessionID]
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.agents, sessionID)
	}
}
