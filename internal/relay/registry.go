package relay

import (
	"sort"
	"sync"
)

// Registry maps stream ids to live sessions. Ids whose authorization is
// still in flight are held as reservations so two admissions for the same
// id cannot race each other.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{}
	max      int
	closed   bool
}

// NewRegistry creates a registry holding at most max sessions and
// reservations combined. max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
		max:      max,
	}
}

// Reserve claims id for an admission in progress.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrShuttingDown
	}
	if _, ok := r.sessions[id]; ok {
		return ErrDuplicateStream
	}
	if _, ok := r.pending[id]; ok {
		return ErrDuplicateStream
	}
	if r.max > 0 && len(r.sessions)+len(r.pending) >= r.max {
		return ErrCapacity
	}
	r.pending[id] = struct{}{}
	return nil
}

// Release drops a reservation that did not become a session.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Commit turns the reservation for s.StreamID into a registered session.
// It fails once the registry has been closed for shutdown.
func (r *Registry) Commit(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, s.StreamID)
	if r.closed {
		return false
	}
	r.sessions[s.StreamID] = s
	return true
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id only while it still maps to s, so a stale teardown
// cannot evict a newer session for the same stream.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// List returns the live sessions ordered by stream id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops accepting reservations and commits and returns the sessions
// that were live at that moment.
func (r *Registry) Close() []*Session {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.List()
}
