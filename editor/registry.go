package editor

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoSession is returned for unknown session IDs.
var ErrNoSession = errors.New("editor: no such session")

// Session is one open editing session.
type Session struct {
	ID     string
	PageID string
	UserID string // owner, empty for anonymous sessions
	Host   *Host

	cleanup []func()
}

// OnClose registers a function run when the session is closed.
func (s *Session) OnClose(fn func()) { s.cleanup = append(s.cleanup, fn) }

// Registry indexes open sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open registers a session for host under id. An existing session with the
// same id is closed first.
func (r *Registry) Open(id string, host *Host) *Session {
	return r.OpenAs(id, "", host)
}

// OpenAs is Open with an owning user.
func (r *Registry) OpenAs(id, userID string, host *Host) *Session {
	s := &Session{ID: id, PageID: host.PageID(), UserID: userID, Host: host}
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Close removes the session and runs its cleanup functions in reverse
// registration order.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.close()
	return nil
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// List returns the open sessions sorted by ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}
