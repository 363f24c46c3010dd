package broadcast

import "sync"

// Registry tracks the live sessions by id. Add and Remove are the only
// mutators.
type Registry interface {
	Add(s *Session)
	// Remove reports whether a session was registered under id.
	Remove(id string) (*Session, bool)
	Get(id string) (*Session, bool)
	Snapshot() []*Session
	Len() int
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty concurrency-safe registry.
func NewRegistry() Registry {
	return &memoryRegistry{sessions: make(map[string]*Session)}
}

func (r *memoryRegistry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *memoryRegistry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *memoryRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *memoryRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *memoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
