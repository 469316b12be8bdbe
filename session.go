package livepatch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Session binds a browser session to its live view.
type Session struct {
	ID         string    `json:"id"`
	RuntimeID  string    `json:"runtime_id"`
	ViewID     string    `json:"view_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// SessionStore persists sessions across requests.
type SessionStore interface {
	Create(runtimeID, viewID, userID string) (*Session, error)
	Get(sessionID string) (*Session, bool)
	Delete(sessionID string) error
	CleanupExpired() int
	Close() error
}

// MemorySessionStore keeps sessions in memory with TTL expiry.
type MemorySessionStore struct {
	sessions map[string]*Session
	ttl      time.Duration
	mu       sync.RWMutex
}

// NewMemorySessionStore creates an in-memory store. A zero ttl means
// 24 hours.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// Create stores a new session with a random id.
func (s *MemorySessionStore) Create(runtimeID, viewID, userID string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		ID:         id,
		RuntimeID:  runtimeID,
		ViewID:     viewID,
		UserID:     userID,
		CreatedAt:  now,
		LastAccess: now,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, nil
}

// Get returns a live session, refreshing its last-access time. Expired
// sessions are dropped.
func (s *MemorySessionStore) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if time.Since(sess.LastAccess) > s.ttl {
		delete(s.sessions, sessionID)
		return nil, false
	}
	sess.LastAccess = time.Now()
	return sess, true
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// CleanupExpired drops expired sessions and returns how many.
func (s *MemorySessionStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	n := 0
	for id, sess := range s.sessions {
		if sess.LastAccess.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Close implements SessionStore. Nothing to release.
func (s *MemorySessionStore) Close() error { return nil }

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
