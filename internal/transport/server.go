// Package transport is Server from spec §4.1: it owns the WebSocket
// listener, the admission checks ahead of upgrade, and the ingress/egress
// pipeline that ties every other package together.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/mcp-gateway/internal/auditlog"
	"github.com/ashureev/mcp-gateway/internal/auth"
	"github.com/ashureev/mcp-gateway/internal/batcher"
	"github.com/ashureev/mcp-gateway/internal/protocol"
	"github.com/ashureev/mcp-gateway/internal/ratelimit"
	"github.com/ashureev/mcp-gateway/internal/registry"
	"github.com/ashureev/mcp-gateway/internal/session"
	"github.com/ashureev/mcp-gateway/internal/validate"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Server is the gateway's WebSocket front door. It owns the clients table
// (via session.Manager), drives the ingress pipeline described in spec §2's
// data-flow line, and exposes Send/Disconnect for handlers and the batcher
// to reach back into a live socket.
type Server struct {
	cfg      Config
	sessions *session.Manager
	authSvc  *auth.Service
	authOn   bool
	validator validator
	reg      *registry.Registry
	batch    *batcher.Batcher
	ipGate   *ratelimit.IPGate
	audit    *auditlog.Log

	httpServer *http.Server
	listener   net.Listener

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// validator is the subset of *validate.Validator Server depends on, kept as
// an interface so tests can supply a stub without constructing schemas.
type validator interface {
	Validate(m *protocol.Message) validate.Result
}

// Deps bundles the collaborators Server dispatches into. Batcher, IPGate,
// and Audit are optional (nil disables batching / per-IP admission /
// durable event recording respectively).
type Deps struct {
	Sessions  *session.Manager
	Auth      *auth.Service
	AuthOn    bool
	Validator validator
	Registry  *registry.Registry
	Batcher   *batcher.Batcher
	IPGate    *ratelimit.IPGate
	Audit     *auditlog.Log
}

func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		authSvc:   deps.Auth,
		authOn:    deps.AuthOn,
		validator: deps.Validator,
		reg:       deps.Registry,
		batch:     deps.Batcher,
		ipGate:    deps.IPGate,
		audit:     deps.Audit,
	}
}

var _ batcher.Sender = (*Server)(nil)

// SetBatcher attaches the batcher after construction, for callers that must
// build the Batcher with the Server itself as its Sender (the two types are
// mutually dependent: Batcher needs a Sender, Server.Send wants a Batcher).
func (s *Server) SetBatcher(b *batcher.Batcher) {
	s.batch = b
}

// Start binds the listener on cfg.Port and begins serving. It returns once
// the listener is bound; Serve runs in a background goroutine. handler, if
// non-nil, is used as the top-level HTTP handler (letting the caller wrap
// the gateway's /ws endpoint with its own router and middleware); a nil
// handler falls back to a bare mux serving only "/ws".
func (s *Server) Start(ctx context.Context, handler http.Handler) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return &BindError{Err: err}
	}
	s.listener = ln

	if handler == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.ServeHTTP)
		handler = mux
	}
	s.httpServer = &http.Server{Handler: handler}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("transport: serve failed", "error", err)
		}
	}()

	slog.Info("transport: listening", "port", s.cfg.Port)
	return nil
}

// ServeHTTP is the pre-upgrade hook plus the accepted-connection entry
// point: admission checks run before websocket.Accept ever touches the
// socket, matching spec §4.1's Start() contract.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.ipGate != nil && !s.ipGate.AllowRequest(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if s.cfg.MaxConnections > 0 && s.sessions.Count() >= s.cfg.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("transport: accept failed", "error", err)
		return
	}

	sess := s.Accept(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.readLoop(ctx, sess)
}

// Accept assigns a fresh opaque clientId, registers the session, and emits
// CONNECTION_ACK. If the server is already shutting down it closes the
// socket immediately with code 1000 instead.
func (s *Server) Accept(conn *websocket.Conn) *session.Session {
	clientID := uuid.NewString()
	sess := session.New(clientID, &wsConn{conn: conn})

	if s.shuttingDown.Load() {
		_ = sess.Conn.Close(1000, "server shutting down")
		return sess
	}

	s.sessions.Add(sess)

	ack, err := protocol.New(protocol.TagConnectionAck, map[string]string{"clientId": clientID})
	if err == nil {
		s.writeDirect(sess, ack)
	}
	return sess
}

func (s *Server) readLoop(ctx context.Context, sess *session.Session) {
	conn := sess.Conn.(*wsConn).conn
	defer s.Disconnect(sess.ClientID)

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		s.OnFrame(ctx, sess, frame)
	}
}

// OnFrame runs the ingress pipeline from spec §4.1 step 4-7 against one raw
// frame from clientId's socket.
func (s *Server) OnFrame(ctx context.Context, sess *session.Session, frame []byte) {
	sess.TouchActivity()

	if s.cfg.MaxMessageSize > 0 && int64(len(frame)) > s.cfg.MaxMessageSize {
		s.writeDirect(sess, protocol.NewError(protocol.ErrMessageTooLarge, "frame exceeds maxMessageSize"))
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		s.writeDirect(sess, protocol.NewError(protocol.ErrInvalidMessage, "malformed JSON"))
		return
	}

	if !protocol.IsKnownTag(msg.Type) {
		s.writeDirect(sess, protocol.NewError(protocol.ErrInvalidMessageType, "unrecognized message type"))
		return
	}

	if msg.Type == protocol.TagAuthenticate {
		s.handleAuthenticate(sess, msg)
		return
	}

	if msg.Type == protocol.TagLogout {
		s.handleLogout(sess)
		return
	}

	if msg.Type == protocol.TagSessionValid {
		s.handleSessionValid(sess)
		return
	}

	if s.authOn && !sess.IsAuthenticated() {
		s.writeDirect(sess, protocol.NewError(protocol.ErrNotAuthenticated, "session is not authenticated"))
		return
	}

	result := s.validator.Validate(msg)
	if !result.Valid {
		first := "invalid message"
		if len(result.Errors) > 0 {
			first = result.Errors[0]
		}
		s.writeDirect(sess, protocol.NewError(protocol.ErrInvalidMessage, first))
		return
	}

	hctx := &registry.HandlerContext{
		ClientID: sess.ClientID,
		Send: func(out *protocol.Message) error {
			s.Send(sess.ClientID, out)
			return nil
		},
		Error: func(code protocol.ErrorTag, message string) {
			s.writeDirect(sess, protocol.NewError(code, message))
		},
	}

	dctx := ctx
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}

	if code, err := s.reg.Dispatch(dctx, hctx, msg); err != nil {
		slog.Warn("transport: handler error", "client_id", sess.ClientID, "type", msg.Type, "error", err)
		s.writeDirect(sess, protocol.NewError(code, err.Error()))
	}
}

type authenticatePayload struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleAuthenticate(sess *session.Session, msg *protocol.Message) {
	var payload authenticatePayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.writeDirect(sess, protocol.NewError(protocol.ErrInvalidMessage, "malformed AUTHENTICATE payload"))
			return
		}
	}

	result, code, err := s.authSvc.Authenticate(sess.ClientID, payload.APIKey)
	if err != nil {
		s.recordAudit(auditlog.EventAuthFailed, sess.ClientID, err.Error())
		s.writeDirect(sess, protocol.NewError(code, err.Error()))
		if code == protocol.ErrRateLimitExceeded {
			s.closeAfterRateLimit(sess)
		}
		return
	}

	sess.MarkAuthenticated(payload.APIKey, result.Token, time.Now().Add(result.ExpiresIn))
	s.recordAudit(auditlog.EventAuthenticate, sess.ClientID, "")
	ack, _ := protocol.New(protocol.TagAuthenticated, map[string]interface{}{
		"token":     result.Token,
		"expiresIn": int64(result.ExpiresIn / time.Millisecond),
	})
	s.writeDirect(sess, ack)
}

func (s *Server) handleLogout(sess *session.Session) {
	s.authSvc.RemoveSession(sess.ClientID)
	sess.MarkUnauthenticated()
	s.recordAudit(auditlog.EventLogout, sess.ClientID, "")
	out, _ := protocol.New(protocol.TagLoggedOut, nil)
	s.writeDirect(sess, out)
}

// handleSessionValid answers a SESSION_VALID probe: a client can send this
// at any time to check whether its current token is still accepted, without
// waiting for a mutating call to fail first. An invalid or expired token
// marks the session unauthenticated immediately, same as an explicit LOGOUT.
func (s *Server) handleSessionValid(sess *session.Session) {
	token := sess.Token()
	if token == "" || !s.authSvc.ValidateSession(token) {
		sess.MarkUnauthenticated()
		s.writeDirect(sess, protocol.NewError(protocol.ErrInvalidToken, "session token is invalid or expired"))
		return
	}
	out, _ := protocol.New(protocol.TagSessionValid, nil)
	s.writeDirect(sess, out)
}

// recordAudit is a best-effort write to the durable security event log; a
// nil audit log (the feature disabled) or a write failure never blocks the
// ingress pipeline.
func (s *Server) recordAudit(kind auditlog.EventKind, clientID, detail string) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.audit.Record(ctx, kind, clientID, detail); err != nil {
		slog.Warn("transport: failed to record audit event", "client_id", clientID, "kind", kind, "error", err)
	}
}

func (s *Server) closeAfterRateLimit(sess *session.Session) {
	time.AfterFunc(s.cfg.RateLimitCloseDelay, func() {
		_ = sess.Conn.Close(1000, "rate limit exceeded")
	})
}

// Send delivers msg to clientId: through the batcher if one is configured,
// otherwise directly. Unknown clients are dropped with a warn log.
func (s *Server) Send(clientID string, msg *protocol.Message) {
	if s.batch != nil {
		s.batch.AddMessage(clientID, msg, priorityOf(msg))
		return
	}
	s.SendDirect(clientID, msg)
}

// SendDirect implements batcher.Sender: it always writes straight to the
// socket, bypassing the batcher, used both for direct Sends and for
// delivering the BATCH frames the batcher itself assembles.
func (s *Server) SendDirect(clientID string, msg *protocol.Message) error {
	sess := s.sessions.Get(clientID)
	if sess == nil {
		slog.Warn("transport: send to unknown client dropped", "client_id", clientID)
		return nil
	}
	return s.writeDirect(sess, msg)
}

func (s *Server) writeDirect(sess *session.Session, msg *protocol.Message) error {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("transport: failed to encode outbound message", "client_id", sess.ClientID, "error", err)
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Conn.WriteMessage(ctx, encoded); err != nil {
		slog.Warn("transport: write failed, dropping", "client_id", sess.ClientID, "error", err)
		return err
	}
	return nil
}

// priorityOf maps a message type to its outbound batching priority.
// DEVICE_FOUND and CHARACTERISTIC_READ results are latency sensitive
// (high); control-plane acks are medium; everything else is low.
func priorityOf(msg *protocol.Message) batcher.Priority {
	switch msg.Type {
	case protocol.TagDeviceFound, protocol.TagCharacteristicRead:
		return batcher.PriorityHigh
	case protocol.TagConnectionAck, protocol.TagAuthenticated, protocol.TagError:
		return batcher.PriorityMedium
	default:
		return batcher.PriorityLow
	}
}

// Disconnect best-effort closes clientId's socket, removes its Session, and
// notifies the registry and batcher so per-client state is released.
func (s *Server) Disconnect(clientID string) {
	sess := s.sessions.Get(clientID)
	if sess == nil {
		return
	}
	_ = sess.Conn.Close(1000, "disconnect")
	s.sessions.Remove(clientID, sess)
	s.authSvc.RemoveSession(clientID)
	s.recordAudit(auditlog.EventDisconnect, clientID, "")
	if s.batch != nil {
		s.batch.RemoveClient(clientID)
	}
	if err := s.reg.NotifyDisconnect(clientID); err != nil {
		slog.Warn("transport: disconnect notification error", "client_id", clientID, "error", err)
	}
}

// LiveConnections returns the current count of connected sessions, used by
// the pre-upgrade admission check and exposed by cmd/gateway's /stats route.
func (s *Server) LiveConnections() int {
	return s.sessions.Count()
}

// Stop marks the server shutting down, closes every live socket, stops the
// HTTP listener, and tears down the batcher and auth service. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.sessions.CloseAll()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()

	if s.batch != nil {
		s.batch.Stop()
	}
	s.authSvc.Stop()

	return err
}
