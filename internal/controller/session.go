package controller

import "sync"

// Session is the state shared by the event path and operator commands: the
// mote registry and the connectivity flag. Both paths serialize on mu.
type Session struct {
	mu        sync.Mutex
	registry  *Registry
	connected bool
}

// NewSession creates a disconnected session with an empty registry.
func NewSession() *Session {
	return &Session{registry: NewRegistry()}
}

// withLock runs fn with the session lock held.
func (s *Session) withLock(fn func(r *Registry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.registry)
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
