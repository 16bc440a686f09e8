package xqsp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionCookie carries the page session id.
const SessionCookie = "XQSPSESSION"

// DefaultSessionTTL is the idle lifetime of a page session.
const DefaultSessionTTL = 30 * time.Minute

// Session holds string attributes shared by the pages of one client.
type Session struct {
	ID string

	mu     sync.Mutex
	values map[string]string
	last   time.Time
}

// Get returns an attribute.
func (s *Session) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores an attribute.
func (s *Session) Set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}

// SessionStore keeps page sessions in memory. Idle sessions expire after
// the TTL; expired ones are dropped when a session is created.
type SessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates a store.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{ttl: ttl, now: time.Now, sessions: make(map[string]*Session)}
}

// Create starts a session.
func (st *SessionStore) Create() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	for id, s := range st.sessions {
		if now.Sub(s.last) > st.ttl {
			delete(st.sessions, id)
		}
	}
	s := &Session{ID: uuid.NewString(), values: make(map[string]string), last: now}
	st.sessions[s.ID] = s
	return s
}

// Get returns a live session and refreshes it, or nil.
func (st *SessionStore) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	now := st.now()
	if now.Sub(s.last) > st.ttl {
		delete(st.sessions, id)
		return nil
	}
	s.last = now
	return s
}

// Delete ends a session.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of sessions held.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
