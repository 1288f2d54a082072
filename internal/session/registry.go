package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/whatsapp-automation/sessiond/internal/metrics"
)

// Registry is the table of registered sessions keyed by account id. It only
// makes single inserts and removals atomic; callers serialize work per id.
type Registry struct {
	sessions map[int64]*Session
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
	}
}

// Register inserts s unless its id is already registered. It reports whether
// s was inserted.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return false
	}
	r.sessions[s.ID()] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return true
}

// Lookup returns the session registered for id.
func (r *Registry) Lookup(id int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrSessionNotInitialized)
	}
	return s, nil
}

// Unregister removes id. Removing a missing id is a no-op.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// unregisterIf removes id only while it still maps to s, so a retiring
// incarnation never removes its successor.
func (r *Registry) unregisterIf(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID()]; ok && cur == s {
		delete(r.sessions, s.ID())
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
}

// List returns the registered sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
