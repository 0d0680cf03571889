package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/mcp-gateway/internal/auditlog"
	"github.com/ashureev/mcp-gateway/internal/protocol"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.APIKeys = []string{"K"}
	cfg.RotationCheckPeriod = 0
	cfg.ReplayWindow = 0
	return cfg
}

func TestAuthenticate_GoodKey(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Stop()

	res, code, err := s.Authenticate("client-1", "K")
	if err != nil {
		t.Fatalf("Authenticate: %v (code=%s)", err, code)
	}
	if res.Token == "" {
		t.Fatal("expected non-empty token")
	}
	if !s.ValidateSession(res.Token) {
		t.Fatal("expected ValidateSession to be true right after auth")
	}
}

// TestAuthenticate_BadKey is spec scenario S2.
func TestAuthenticate_BadKey(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Stop()

	_, code, err := s.Authenticate("client-1", "X")
	if err == nil {
		t.Fatal("expected error for invalid key")
	}
	if code != protocol.ErrInvalidAPIKey {
		t.Fatalf("code = %s; want INVALID_API_KEY", code)
	}
}

// TestAuthenticate_RateLimited is spec scenario S5's auth-level half: the
// 6th AUTHENTICATE in a tight window is rejected with RATE_LIMIT_EXCEEDED.
func TestAuthenticate_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{WindowMs: time.Minute, MaxRequests: 5}
	s := New(cfg, nil)
	defer s.Stop()

	for i := 0; i < 5; i++ {
		if _, _, err := s.Authenticate("client-1", "K"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	_, code, err := s.Authenticate("client-1", "K")
	if err == nil {
		t.Fatal("expected 6th attempt to be rate limited")
	}
	if code != protocol.ErrRateLimitExceeded {
		t.Fatalf("code = %s; want RATE_LIMIT_EXCEEDED", code)
	}
}

func TestValidateSession_ExpiresAndMarksInvalid(t *testing.T) {
	cfg := testConfig()
	cfg.SessionDuration = 10 * time.Millisecond
	s := New(cfg, nil)
	defer s.Stop()

	res, _, err := s.Authenticate("client-1", "K")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if s.ValidateSession(res.Token) {
		t.Fatal("expected token to be expired")
	}
}

func TestRemoveSession(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Stop()

	res, _, _ := s.Authenticate("client-1", "K")
	s.RemoveSession("client-1")

	if s.ValidateSession(res.Token) {
		t.Fatal("expected session removed")
	}
}

func TestRotateKeys_KeepsClientValidThroughRotation(t *testing.T) {
	cfg := testConfig()
	cfg.KeyRotationInterval = time.Millisecond
	cfg.MaxKeyAge = time.Hour
	cfg.MaxKeys = 2
	s := New(cfg, nil)
	defer s.Stop()

	if _, _, err := s.Authenticate("client-1", "K"); err != nil {
		t.Fatalf("initial auth: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	s.RotateKeys()

	s.keysMu.Lock()
	keys := append([]string(nil), s.byClient["client-1"]...)
	s.keysMu.Unlock()
	if len(keys) < 2 {
		t.Fatalf("expected rotation to add a key, got %v", keys)
	}

	// The newly rotated (most recent) key must authenticate client-1.
	if _, _, err := s.Authenticate("client-1", keys[0]); err != nil {
		t.Fatalf("authenticate with rotated key: %v", err)
	}
}

func TestRotateKeys_RecordsAuditEvent(t *testing.T) {
	audit, err := auditlog.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("auditlog.Open: %v", err)
	}
	defer audit.Close()

	cfg := testConfig()
	cfg.KeyRotationInterval = time.Millisecond
	cfg.MaxKeyAge = time.Hour
	cfg.MaxKeys = 2
	s := New(cfg, audit)
	defer s.Stop()

	if _, _, err := s.Authenticate("client-1", "K"); err != nil {
		t.Fatalf("initial auth: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	s.RotateKeys()

	events, err := audit.RecentEvents(context.Background(), "client-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == auditlog.EventKeyRotated {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a KEY_ROTATED event, got %v", events)
	}
}

func TestAuthenticate_KeyBoundToOtherClientRejected(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Stop()

	if _, _, err := s.Authenticate("client-1", "K"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, code, err := s.Authenticate("client-2", "K"); err == nil {
		t.Fatal("expected second client to be rejected for an already-bound key")
	} else if code != protocol.ErrInvalidAPIKey {
		t.Fatalf("code = %s; want INVALID_API_KEY", code)
	}
}
