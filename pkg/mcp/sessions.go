package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps workspace IDs to the MCP sessions watching them.
// Populated automatically when a client calls any tool with a workspace_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // workspaceID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Register marks a session as watching a workspace.
func (r *SessionRegistry) Register(workspaceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[workspaceID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[workspaceID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching a workspace, sorted.
func (r *SessionRegistry) SessionsFor(workspaceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[workspaceID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove drops a session from every workspace it watched.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wsID, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, wsID)
		}
	}
}
