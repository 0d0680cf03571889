// Package session owns the Session type and the table of live sessions
// Server maintains, per spec §3 and the §5 shared-resource policy
// ("Server.clients table: one writer per mutation; reads may be
// concurrent").
package session

import (
	"context"
	"sync"
	"time"
)

// Conn is the minimal socket surface a Session needs. The transport package
// supplies the coder/websocket-backed implementation; keeping the
// interface here (rather than importing transport) avoids a dependency
// cycle between the two packages.
type Conn interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Session is the per-connection state Server owns exclusively. The
// invariant from spec §3 holds by construction here: Authenticated is only
// ever set true in the same critical section that installs a non-expired
// Token.
type Session struct {
	mu sync.Mutex

	ClientID        string
	Conn            Conn
	ConnectedAt     time.Time
	lastActivity    time.Time
	authenticated   bool
	apiKey          string
	token           string
	tokenExpiresAt  time.Time
}

// New creates a Session for an accepted connection.
func New(clientID string, conn Conn) *Session {
	now := time.Now()
	return &Session{ClientID: clientID, Conn: conn, ConnectedAt: now, lastActivity: now}
}

// TouchActivity records that a frame was just processed for this session.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last time a frame was processed.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkAuthenticated installs a fresh token and flips Authenticated true,
// atomically satisfying the Session invariant.
func (s *Session) MarkAuthenticated(apiKey, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = apiKey
	s.token = token
	s.tokenExpiresAt = expiresAt
	s.authenticated = true
}

// MarkUnauthenticated clears auth state. Per spec §9's open-question
// resolution, this is called whenever ValidateSession(token) returns
// false for this session's token, not only on explicit LOGOUT.
func (s *Session) MarkUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.token = ""
	s.tokenExpiresAt = time.Time{}
}

// IsAuthenticated reports the session's current auth state.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Token returns the session's current token, or "" if unauthenticated.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
