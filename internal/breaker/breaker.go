// Package breaker implements the per-endpoint circuit breaker from spec
// §4.6: CLOSED/OPEN/HALF_OPEN with a failure threshold and reset timeout,
// guarding outbound calls to the device adapter and any other upstream
// collaborator.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

// State is one of the three circuit states from spec §4.6.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// ErrOpen is returned by Execute when the breaker disallows the call.
var ErrOpen = errors.New("breaker: circuit open")

// Config holds the threshold and timing knobs from spec §6.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenLimit    int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenLimit: 1}
}

type circuit struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureAt   time.Time
	halfOpenInFlight int
}

// Breaker manages one circuit per logical endpoint id.
type Breaker struct {
	cfg      Config
	mu       sync.Mutex
	circuits map[string]*circuit
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}
}

func (b *Breaker) circuitFor(id string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[id]
	if !ok {
		c = &circuit{}
		b.circuits[id] = c
	}
	return c
}

// AllowRequest reports whether a call to id may proceed right now,
// transitioning OPEN -> HALF_OPEN when ResetTimeout has elapsed.
func (b *Breaker) AllowRequest(id string) bool {
	c := b.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return b.allowLocked(c)
}

func (b *Breaker) allowLocked(c *circuit) bool {
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailureAt) >= b.cfg.ResetTimeout {
			c.state = StateHalfOpen
			c.halfOpenInFlight = 0
			return b.allowLocked(c)
		}
		return false
	case StateHalfOpen:
		if c.halfOpenInFlight < b.cfg.HalfOpenLimit {
			c.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordSuccess(id string) {
	c := b.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHalfOpen:
		c.state = StateClosed
		c.failureCount = 0
		c.halfOpenInFlight = 0
	case StateClosed:
		c.failureCount = 0
	}
}

func (b *Breaker) recordFailure(id string) {
	c := b.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailureAt = time.Now()

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.halfOpenInFlight = 0
	case StateClosed:
		c.failureCount++
		if c.failureCount >= b.cfg.FailureThreshold {
			c.state = StateOpen
		}
	}
}

// State returns the current state for id (CLOSED if never seen).
func (b *Breaker) State(id string) State {
	c := b.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset returns id to CLOSED and clears its counters.
func (b *Breaker) Reset(id string) {
	c := b.circuitFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failureCount = 0
	c.halfOpenInFlight = 0
}

// Execute runs op if AllowRequest(id) permits it, recording the outcome.
// Operational errors classified as transient by errdefs (unavailable,
// deadline exceeded, aborted) count as failures; a context cancellation by
// the caller does not.
func (b *Breaker) Execute(ctx context.Context, id string, op func(context.Context) error) error {
	if !b.AllowRequest(id) {
		return ErrOpen
	}

	err := op(ctx)
	if err == nil {
		b.recordSuccess(id)
		return nil
	}

	// A caller-side cancellation is not a sign the upstream is failing.
	if errors.Is(err, context.Canceled) || errdefs.IsCanceled(err) {
		return err
	}
	b.recordFailure(id)
	return err
}
