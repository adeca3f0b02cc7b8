package presence

import (
	"sort"
	"sync"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Settable reports whether a connection may announce s for itself.
func (s Status) Settable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// Handle is one live connection of a user.
type Handle interface {
	ID() string
	// Push queues data for the connection without blocking. An error means
	// the connection can no longer keep up and should be dropped.
	Push(data []byte) error
	Close()
}

type entry struct {
	handles map[string]Handle
	status  Status
}

// Registry tracks which users hold live connections in this process. It is
// a delivery aid only and is rebuilt from scratch on restart.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*entry)}
}

// Add registers h for userID and reports whether it is the user's first
// live connection.
func (r *Registry) Add(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{handles: make(map[string]Handle), status: StatusOnline}
		r.users[userID] = e
	}
	e.handles[h.ID()] = h
	return !ok
}

// Remove unregisters h and reports whether the user has no connections
// left. Removing an unknown handle is a no-op that reports false.
func (r *Registry) Remove(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := e.handles[h.ID()]; !ok {
		return false
	}
	delete(e.handles, h.ID())
	if len(e.handles) > 0 {
		return false
	}
	delete(r.users, userID)
	return true
}

// SetStatus updates the status of an online user. Offline users are left alone.
func (r *Registry) SetStatus(userID string, s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		return false
	}
	e.status = s
	return true
}

func (r *Registry) Status(userID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[userID]; ok {
		return e.status
	}
	return StatusOffline
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

func (r *Registry) Handles(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	return out
}

// Online lists connected users in a stable order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Drain empties the registry and closes every connection. Used at shutdown.
func (r *Registry) Drain() int {
	r.mu.Lock()
	users := r.users
	r.users = make(map[string]*entry)
	r.mu.Unlock()

	n := 0
	for _, e := range users {
		for _, h := range e.handles {
			h.Close()
			n++
		}
	}
	return n
}
