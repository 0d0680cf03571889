package session

import (
	"context"
	"testing"
	"time"
)

type fakeConn struct {
	writes [][]byte
	closed bool
	code   int
}

func (c *fakeConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closed = true
	c.code = code
	return nil
}

func TestSession_MarkAuthenticatedThenUnauthenticated(t *testing.T) {
	s := New("client-1", &fakeConn{})
	if s.IsAuthenticated() {
		t.Fatal("new session must start unauthenticated")
	}

	expires := time.Now().Add(time.Hour)
	s.MarkAuthenticated("key-1", "token-1", expires)
	if !s.IsAuthenticated() {
		t.Fatal("expected authenticated after MarkAuthenticated")
	}
	if s.Token() != "token-1" {
		t.Fatalf("Token() = %q; want token-1", s.Token())
	}

	s.MarkUnauthenticated()
	if s.IsAuthenticated() {
		t.Fatal("expected unauthenticated after MarkUnauthenticated")
	}
	if s.Token() != "" {
		t.Fatalf("Token() = %q; want empty after logout", s.Token())
	}
}

func TestSession_TouchActivityAdvancesLastActivity(t *testing.T) {
	s := New("client-1", &fakeConn{})
	first := s.LastActivity()

	time.Sleep(time.Millisecond)
	s.TouchActivity()

	if !s.LastActivity().After(first) {
		t.Fatal("TouchActivity should advance LastActivity")
	}
}

func TestManager_AddGetRemove(t *testing.T) {
	m := NewManager()
	s := New("c1", &fakeConn{})
	m.Add(s)

	if got := m.Get("c1"); got != s {
		t.Fatalf("Get returned %v; want %v", got, s)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d; want 1", m.Count())
	}

	m.Remove("c1", s)
	if m.Get("c1") != nil {
		t.Fatal("expected nil after Remove")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d; want 0", m.Count())
	}
}

func TestManager_AddReplacesAndClosesPriorSession(t *testing.T) {
	m := NewManager()
	oldConn := &fakeConn{}
	old := New("c1", oldConn)
	m.Add(old)

	fresh := New("c1", &fakeConn{})
	m.Add(fresh)

	if !oldConn.closed {
		t.Fatal("expected the replaced session's connection to be closed")
	}
	if m.Get("c1") != fresh {
		t.Fatal("expected the new session to be the current one for c1")
	}
}

func TestManager_RemoveIsNoOpForStaleSession(t *testing.T) {
	m := NewManager()
	old := New("c1", &fakeConn{})
	m.Add(old)
	fresh := New("c1", &fakeConn{})
	m.Add(fresh)

	// Removing by the stale reference must not evict the current session.
	m.Remove("c1", old)
	if m.Get("c1") != fresh {
		t.Fatal("Remove with a stale session reference should not remove the current session")
	}
}

func TestManager_CloseAllClosesEverySession(t *testing.T) {
	m := NewManager()
	c1, c2 := &fakeConn{}, &fakeConn{}
	m.Add(New("c1", c1))
	m.Add(New("c2", c2))

	m.CloseAll()

	if !c1.closed || !c2.closed {
		t.Fatal("expected every session's connection to be closed")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d; want 0 after CloseAll", m.Count())
	}
}
