// Package registry implements the HandlerRegistry from spec §4.7: routes a
// message type to its handler, applies a per-dispatch timeout, and
// aggregates disconnect notifications across every registered handler.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mcp-gateway/internal/protocol"
)

// HandlerContext is the small closure-bearing type spec §9 calls for to
// break the handler -> server -> handler cycle: handlers get a Send and an
// Error function instead of a reference back to the server.
type HandlerContext struct {
	ClientID string
	Send     func(msg *protocol.Message) error
	Error    func(code protocol.ErrorTag, message string)
}

// Handler is implemented by every pluggable message handler (device
// connect/scan, auth-adjacent session handlers, etc).
type Handler interface {
	HandleMessage(ctx context.Context, hctx *HandlerContext, msg *protocol.Message) error
	HandleClientDisconnect(clientID string) error
}

// HandlerError optionally carries an explicit wire error code; handlers
// that return a plain error get INTERNAL_ERROR by default.
type HandlerError struct {
	Code protocol.ErrorTag
	Err  error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError wraps err with an explicit wire error code.
func NewHandlerError(code protocol.ErrorTag, err error) *HandlerError {
	return &HandlerError{Code: code, Err: err}
}

// ErrHandlerTimeout is returned when a handler does not return within the
// registry's configured timeout.
var ErrHandlerTimeout = fmt.Errorf("registry: handler did not return in time")

// Registry maps message type to handler and dispatches against it.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[protocol.Tag]Handler
	handlerTimeout time.Duration
}

// New creates a Registry. handlerTimeout <= 0 disables the per-dispatch
// deadline.
func New(handlerTimeout time.Duration) *Registry {
	return &Registry{handlers: make(map[protocol.Tag]Handler), handlerTimeout: handlerTimeout}
}

// Register binds a handler to one or more message types.
func (r *Registry) Register(handler Handler, tags ...protocol.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tags {
		r.handlers[t] = handler
	}
}

// Dispatch routes msg to its handler. It returns (INTERNAL_ERROR, err) if
// msg.Type carries no type at all (shape validation before routing),
// (PROCESSING_ERROR, ErrHandlerTimeout) if the handler exceeds the
// configured timeout, and otherwise the handler's own classified error.
func (r *Registry) Dispatch(ctx context.Context, hctx *HandlerContext, msg *protocol.Message) (protocol.ErrorTag, error) {
	if msg.Type == "" {
		return protocol.ErrInvalidMessageType, fmt.Errorf("registry: message has no type")
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return "", nil // no handler registered for this type is not an error: it's a no-op sink
	}

	if r.handlerTimeout <= 0 {
		return classify(handler.HandleMessage(ctx, hctx, msg))
	}

	dctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.HandleMessage(dctx, hctx, msg)
	}()

	select {
	case err := <-done:
		return classify(err)
	case <-dctx.Done():
		slog.Warn("registry: handler timed out", "client_id", hctx.ClientID, "type", msg.Type)
		return protocol.ErrProcessingError, ErrHandlerTimeout
	}
}

func classify(err error) (protocol.ErrorTag, error) {
	if err == nil {
		return "", nil
	}
	var he *HandlerError
	if e, ok := err.(*HandlerError); ok {
		he = e
	}
	if he != nil {
		return he.Code, he.Err
	}
	return protocol.ErrProcessingError, err
}

// NotifyDisconnect invokes every unique registered handler's disconnect
// hook exactly once and aggregates any errors.
func (r *Registry) NotifyDisconnect(clientID string) error {
	r.mu.RLock()
	seen := make(map[Handler]struct{})
	unique := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		unique = append(unique, h)
	}
	r.mu.RUnlock()

	var errs []error
	for _, h := range unique {
		if err := h.HandleClientDisconnect(clientID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("registry: %d handler(s) failed on disconnect: %w", len(errs), errs[0])
}
