package tunnel

import (
	"fmt"
	"sync"

	"github.com/yogzblr/guacamole-lite/internal/domain"
)

// Registry maps session ids to live tunnels. It is an explicit object
// handed to both the HTTP layer and the control-channel event layer so
// neither depends on package-level state.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Register adds a tunnel on control-channel open. Session ids are
// generated, so a duplicate means a programming error, not a race worth
// resolving silently.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[t.ID]; exists {
		return fmt.Errorf("session %s already registered", t.ID)
	}
	r.tunnels[t.ID] = t
	return nil
}

// Get looks up a live tunnel. O(1).
func (r *Registry) Get(sessionID string) (*Tunnel, error) {
	r.mu.RLock()
	t := r.tunnels[sessionID]
	r.mu.RUnlock()
	if t == nil {
		return nil, domain.ErrConnectionNotFound
	}
	return t, nil
}

// Remove drops the session and closes its tunnel, force-failing every
// transfer stream still open on it. A closed session never leaves a
// dangling stream behind.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	t := r.tunnels[sessionID]
	delete(r.tunnels, sessionID)
	r.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Sessions returns serializable views of every live session.
func (r *Registry) Sessions() []domain.Session {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()
	out := make([]domain.Session, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, t.Session())
	}
	return out
}
