package session

import (
	"fmt"
	"sync"

	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/workspace"
)

// Registry is the sole owner of live sessions. The lock is held only for map
// access; snapshots are returned for iteration.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. Ids must be unique.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return nil
}

// Get returns the session for id or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	if s := r.Lookup(id); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Lookup returns the session for id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove unregisters id. Removing an unknown id returns false.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return s, true
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns a snapshot of the registered ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// SessionWorkspace exposes live workspaces to the workspace resolver.
func (r *Registry) SessionWorkspace(id string) (string, workspace.Backend, bool) {
	s := r.Lookup(id)
	if s == nil || s.Workspace == nil {
		return "", nil, false
	}
	return s.UserID, s.Workspace, true
}
