package sso

import (
	"context"
	"sync"
	"time"
)

// DefaultSessionTTL is applied when the service creates a session without an
// explicit lifetime.
const DefaultSessionTTL = 8 * time.Hour

// SessionStore persists SSO sessions. Implementations must be safe for
// concurrent use. Get must not return expired sessions.
type SessionStore interface {
	Set(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	FindByUserID(ctx context.Context, userID, tenantID string) ([]*Session, error)
	Delete(ctx context.Context, id string) error
	// DeleteByUserID removes every session of the user within the tenant
	// and reports how many were removed.
	DeleteByUserID(ctx context.Context, userID, tenantID string) (int, error)
	// CleanupExpired drops expired sessions and reports how many were
	// removed.
	CleanupExpired(ctx context.Context) (int, error)
}

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty store. Expired sessions are
// dropped lazily on Get and by CleanupExpired; run a periodic cleanup to
// bound memory.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// Set implements SessionStore.
func (s *MemorySessionStore) Set(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// Get implements SessionStore. Unknown and expired sessions both return
// (nil, nil).
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if session.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

// FindByUserID implements SessionStore.
func (s *MemorySessionStore) FindByUserID(ctx context.Context, userID, tenantID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*Session
	for _, session := range s.sessions {
		if session.UserID != userID || session.TenantID != tenantID || session.Expired(now) {
			continue
		}
		copied := *session
		out = append(out, &copied)
	}
	return out, nil
}

// Delete implements SessionStore.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteByUserID implements SessionStore.
func (s *MemorySessionStore) DeleteByUserID(ctx context.Context, userID, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.UserID == userID && session.TenantID == tenantID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// CleanupExpired implements SessionStore.
func (s *MemorySessionStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored sessions, expired ones included until
// the next cleanup.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
