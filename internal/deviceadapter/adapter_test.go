package deviceadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/mcp-gateway/internal/breaker"
)

func TestAdapter_CallFailsFastAgainstUnreachableSidecar(t *testing.T) {
	guard := breaker.New(breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenLimit: 1})

	// Port 0 on loopback never accepts connections, so every Invoke fails
	// without needing a real sidecar process in this test.
	a, err := Dial("127.0.0.1:0", 200*time.Millisecond, guard)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer a.Close()

	_, err = a.Call(context.Background(), "/ble.DeviceAdapter/StartScan", map[string]interface{}{"deviceId": "d1"})
	if err == nil {
		t.Fatal("expected an error calling an unreachable sidecar")
	}
}

func TestAdapter_RepeatedFailuresTripBreaker(t *testing.T) {
	guard := breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenLimit: 1})
	a, err := Dial("127.0.0.1:0", 50*time.Millisecond, guard)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer a.Close()

	for i := 0; i < 2; i++ {
		if _, err := a.Call(context.Background(), "/ble.DeviceAdapter/StartScan", nil); err == nil {
			t.Fatal("expected a failure against an unreachable sidecar")
		}
	}

	_, err = a.Call(context.Background(), "/ble.DeviceAdapter/StartScan", nil)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v; want breaker.ErrOpen after the failure threshold trips", err)
	}
}
