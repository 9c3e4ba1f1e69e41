package session

import (
	"context"
	"sync"
)

// Store is the local application session contract consumed by the
// federation core. It is a key-value view of whatever session machinery
// the surrounding application runs; implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores a value under key in the given session.
	Put(ctx context.Context, sessionID, key, value string) error

	// Get retrieves a session value; ok is false when absent.
	Get(ctx context.Context, sessionID, key string) (value string, ok bool, err error)

	// Invalidate terminates the session and discards its values.
	Invalidate(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]string)}
}

// Put stores a value under key in the given session.
func (s *MemoryStore) Put(_ context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.sessions[sessionID]
	if values == nil {
		values = make(map[string]string)
		s.sessions[sessionID] = values
	}
	values[key] = value
	return nil
}

// Get retrieves a session value.
func (s *MemoryStore) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.sessions[sessionID]
	if !ok {
		return "", false, nil
	}
	value, ok := values[key]
	return value, ok, nil
}

// Invalidate terminates the session.
func (s *MemoryStore) Invalidate(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Active reports whether the session still exists.
func (s *MemoryStore) Active(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}
