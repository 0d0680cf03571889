// Package auth implements the AuthService from spec §4.2: API key
// validation against a rotating key store, per-client rate limiting, and
// session tokens with expiry.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mcp-gateway/internal/auditlog"
	"github.com/ashureev/mcp-gateway/internal/protocol"
)

var (
	ErrRateLimited  = errors.New("auth: rate limit exceeded")
	ErrInvalidKey   = errors.New("auth: invalid api key")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// RateLimitConfig configures the per-client sliding window.
type RateLimitConfig struct {
	WindowMs    time.Duration
	MaxRequests int
}

// Config aggregates the auth knobs from spec §6.
type Config struct {
	Enabled             bool
	APIKeys             []string
	SessionDuration     time.Duration
	RateLimit           RateLimitConfig
	KeyRotationInterval time.Duration
	MaxKeyAge           time.Duration
	MaxKeys             int
	RotationCheckPeriod time.Duration
	ReplayWindow        time.Duration // supplemented anti-replay guard, 0 disables it
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		SessionDuration:     time.Hour,
		RateLimit:           RateLimitConfig{WindowMs: time.Minute, MaxRequests: 60},
		KeyRotationInterval: 24 * time.Hour,
		MaxKeyAge:           30 * 24 * time.Hour,
		MaxKeys:             3,
		RotationCheckPeriod: time.Hour,
		ReplayWindow:        5 * time.Second,
	}
}

type keyRecord struct {
	clientID      string // "" until first bound to an authenticating client
	key           string
	createdAt     time.Time
	lastRotatedAt time.Time
	expiresAt     time.Time
}

type sessionToken struct {
	clientID  string
	expiresAt time.Time
}

// Service is the AuthService. All table mutations serialize per spec §5
// ("AuthService tables: writes ... serialize per-client"); a single mutex
// per table is sufficient at gateway scale and keeps the critical sections
// small.
type Service struct {
	cfg Config

	keysMu   sync.Mutex
	keys     map[string]*keyRecord   // key string -> record
	byClient map[string][]string     // clientID -> keys, most-recent-first

	sessMu   sync.Mutex
	sessions map[string]*sessionToken // token -> record
	byClientToken map[string]string   // clientID -> current token

	rateMu      sync.Mutex
	rateWindows map[string]*RateWindow

	replayMu sync.Mutex
	replay   map[string]time.Time // "clientId:key:bucket" -> first seen

	audit *auditlog.Log // nil disables durable event recording

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service seeded with the configured API keys as unbound
// (shared) records, and starts the background key-rotation task. audit, if
// non-nil, receives a KEY_ROTATED event whenever RotateKeys actually
// rotates a client's key; it must be supplied here rather than through a
// post-construction setter since rotationLoop may start calling RotateKeys
// as soon as New returns.
func New(cfg Config, audit *auditlog.Log) *Service {
	s := &Service{
		cfg:           cfg,
		keys:          make(map[string]*keyRecord),
		byClient:      make(map[string][]string),
		sessions:      make(map[string]*sessionToken),
		byClientToken: make(map[string]string),
		rateWindows:   make(map[string]*RateWindow),
		replay:        make(map[string]time.Time),
		audit:         audit,
	}

	now := time.Now()
	for _, k := range cfg.APIKeys {
		s.keys[k] = &keyRecord{key: k, createdAt: now, lastRotatedAt: now, expiresAt: now.Add(cfg.MaxKeyAge)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if cfg.RotationCheckPeriod > 0 {
		s.wg.Add(1)
		go s.rotationLoop(ctx)
	}

	return s
}

// Stop cancels the rotation task and clears all tables. Idempotent.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()

	s.keysMu.Lock()
	s.keys = make(map[string]*keyRecord)
	s.byClient = make(map[string][]string)
	s.keysMu.Unlock()

	s.sessMu.Lock()
	s.sessions = make(map[string]*sessionToken)
	s.byClientToken = make(map[string]string)
	s.sessMu.Unlock()
}

func (s *Service) rateWindowFor(clientID string) *RateWindow {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	rw, ok := s.rateWindows[clientID]
	if !ok {
		rw = newRateWindow(s.cfg.RateLimit.WindowMs, s.cfg.RateLimit.MaxRequests)
		s.rateWindows[clientID] = rw
	}
	return rw
}

// AuthResult carries the outcome of Authenticate.
type AuthResult struct {
	Token     string
	ExpiresIn time.Duration
}

// Authenticate validates apiKey for clientId, consuming one slot of its
// rate window regardless of outcome (spec §4.2: "Each request appends to
// the client's RateWindow").
func (s *Service) Authenticate(clientID, apiKey string) (*AuthResult, protocol.ErrorTag, error) {
	now := time.Now()

	if !s.rateWindowFor(clientID).Allow(now) {
		return nil, protocol.ErrRateLimitExceeded, ErrRateLimited
	}

	if s.cfg.ReplayWindow > 0 && s.seenRecently(clientID, apiKey, now) {
		return nil, protocol.ErrInvalidAPIKey, ErrInvalidKey
	}

	if !s.validateAndBind(clientID, apiKey, now) {
		return nil, protocol.ErrInvalidAPIKey, ErrInvalidKey
	}

	token, err := randomHex(32)
	if err != nil {
		return nil, protocol.ErrAuthError, fmt.Errorf("generate session token: %w", err)
	}
	expiresAt := now.Add(s.cfg.SessionDuration)

	s.sessMu.Lock()
	if old, ok := s.byClientToken[clientID]; ok {
		delete(s.sessions, old)
	}
	s.sessions[token] = &sessionToken{clientID: clientID, expiresAt: expiresAt}
	s.byClientToken[clientID] = token
	s.sessMu.Unlock()

	return &AuthResult{Token: token, ExpiresIn: s.cfg.SessionDuration}, "", nil
}

// seenRecently implements the supplemented anti-replay guard: a duplicate
// AUTHENTICATE for the same (clientID, apiKey) within ReplayWindow is
// rejected as if the key were invalid, without introducing a new wire
// error tag.
func (s *Service) seenRecently(clientID, apiKey string, now time.Time) bool {
	key := clientID + ":" + apiKey
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	for k, seenAt := range s.replay {
		if now.Sub(seenAt) > s.cfg.ReplayWindow {
			delete(s.replay, k)
		}
	}

	if _, ok := s.replay[key]; ok {
		return true
	}
	s.replay[key] = now
	return false
}

// validateAndBind checks apiKey against the key store and, on first
// successful use by a client, binds it to that client. It enforces the
// open-question intersection: a key is valid iff it is among the
// maxKeys most recent for its client AND not expired.
func (s *Service) validateAndBind(clientID, apiKey string, now time.Time) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	rec, ok := s.keys[apiKey]
	if !ok {
		return false
	}
	if rec.clientID != "" && rec.clientID != clientID {
		return false
	}
	if now.After(rec.expiresAt) {
		return false
	}

	if rec.clientID == "" {
		rec.clientID = clientID
		s.byClient[clientID] = append([]string{apiKey}, s.byClient[clientID]...)
		return true
	}

	for _, k := range s.byClient[clientID] {
		if k == apiKey {
			return true
		}
	}
	return false
}

// ValidateSession reports whether token is live: present and unexpired.
func (s *Service) ValidateSession(token string) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.sessions, token)
		if s.byClientToken[sess.clientID] == token {
			delete(s.byClientToken, sess.clientID)
		}
		return false
	}
	return true
}

// RemoveSession deletes the session token and rate window owned by
// clientID, used on LOGOUT and on client disconnect.
func (s *Service) RemoveSession(clientID string) {
	s.sessMu.Lock()
	if token, ok := s.byClientToken[clientID]; ok {
		delete(s.sessions, token)
		delete(s.byClientToken, clientID)
	}
	s.sessMu.Unlock()

	s.rateMu.Lock()
	delete(s.rateWindows, clientID)
	s.rateMu.Unlock()
}

func (s *Service) rotationLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RotationCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RotateKeys()
		case <-ctx.Done():
			return
		}
	}
}

// RotateKeys generates a replacement key for every ApiKeyRecord whose
// rotation interval or max age has elapsed, keeping at most MaxKeys most
// recent keys per client and purging expired ones, per spec §4.2.
func (s *Service) RotateKeys() {
	now := time.Now()

	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	for clientID, keys := range s.byClient {
		if len(keys) == 0 {
			continue
		}
		newest := s.keys[keys[0]]
		if newest == nil {
			continue
		}

		needsRotation := s.cfg.KeyRotationInterval > 0 && now.Sub(newest.lastRotatedAt) >= s.cfg.KeyRotationInterval
		needsRotation = needsRotation || (s.cfg.MaxKeyAge > 0 && now.Sub(newest.createdAt) >= s.cfg.MaxKeyAge)

		if needsRotation {
			newKey, err := randomHex(16)
			if err != nil {
				slog.Error("auth: key rotation failed to generate replacement", "client_id", clientID, "error", err)
				continue
			}
			rec := &keyRecord{clientID: clientID, key: newKey, createdAt: now, lastRotatedAt: now, expiresAt: now.Add(s.cfg.MaxKeyAge)}
			s.keys[newKey] = rec
			keys = append([]string{newKey}, keys...)
			slog.Info("auth: rotated api key", "client_id", clientID)
			if s.audit != nil {
				if err := s.audit.Record(context.Background(), auditlog.EventKeyRotated, clientID, ""); err != nil {
					slog.Warn("auth: failed to record key rotation event", "client_id", clientID, "error", err)
				}
			}
		}

		kept := keys[:0:0]
		for i, k := range keys {
			rec := s.keys[k]
			if rec == nil {
				continue
			}
			if rec.expiresAt.Before(now) && i > 0 {
				delete(s.keys, k)
				continue
			}
			if len(kept) >= s.cfg.MaxKeys {
				delete(s.keys, k)
				continue
			}
			kept = append(kept, k)
		}
		s.byClient[clientID] = kept
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
