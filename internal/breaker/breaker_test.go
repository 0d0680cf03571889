package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestBreaker_TripsAndRecovers is spec scenario S8: threshold=3,
// resetTimeout=1s. Three consecutive failures trip the breaker; it stays
// OPEN for resetTimeout, then allows a HALF_OPEN probe, and a success there
// returns it to CLOSED.
func TestBreaker_TripsAndRecovers(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond, HalfOpenLimit: 1})

	failingOp := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), "ep", failingOp)
	}

	if b.AllowRequest("ep") {
		t.Fatal("expected breaker to be OPEN after threshold failures")
	}
	if b.State("ep") != StateOpen {
		t.Fatalf("State = %v; want OPEN", b.State("ep"))
	}

	time.Sleep(60 * time.Millisecond)

	if !b.AllowRequest("ep") {
		t.Fatal("expected breaker to allow a HALF_OPEN probe after resetTimeout")
	}
	if b.State("ep") != StateHalfOpen {
		t.Fatalf("State = %v; want HALF_OPEN", b.State("ep"))
	}

	if err := b.Execute(context.Background(), "ep", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Execute during half-open: %v", err)
	}
	if b.State("ep") != StateClosed {
		t.Fatalf("State after half-open success = %v; want CLOSED", b.State("ep"))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenLimit: 1})

	_ = b.Execute(context.Background(), "ep", func(context.Context) error { return errors.New("fail") })
	time.Sleep(15 * time.Millisecond)

	if !b.AllowRequest("ep") {
		t.Fatal("expected HALF_OPEN probe to be allowed")
	}

	_ = b.Execute(context.Background(), "ep", func(context.Context) error { return errors.New("fail again") })
	if b.State("ep") != StateOpen {
		t.Fatalf("State after half-open failure = %v; want OPEN", b.State("ep"))
	}
}

func TestBreaker_ExecuteRejectedWhenOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenLimit: 1})
	_ = b.Execute(context.Background(), "ep", func(context.Context) error { return errors.New("fail") })

	err := b.Execute(context.Background(), "ep", func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Execute while OPEN = %v; want ErrOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenLimit: 1})
	_ = b.Execute(context.Background(), "ep", func(context.Context) error { return errors.New("fail") })
	b.Reset("ep")
	if !b.AllowRequest("ep") {
		t.Fatal("expected breaker to allow requests after Reset")
	}
}
