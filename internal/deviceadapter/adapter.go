// Package deviceadapter is the gRPC-backed client for the Bluetooth/BLE
// adapter sidecar: the hardware-facing collaborator spec §1's Non-goals
// explicitly keep out of this module's scope. The adapter is treated as an
// opaque sink — Adapter.Call marshals a request into a generic
// structpb.Struct, invokes the sidecar over grpc.ClientConn.Invoke, and
// classifies the response without knowing anything about BLE itself.
package deviceadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/mcp-gateway/internal/breaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Adapter is a breaker-guarded gRPC client to the device adapter sidecar.
type Adapter struct {
	conn    *grpc.ClientConn
	guard   *breaker.Breaker
	timeout time.Duration
}

// Dial connects to the sidecar at addr. The connection is guarded by a
// Breaker keyed per RPC method, so a failing adapter trips independently
// per operation (a stuck CHARACTERISTIC_WRITE path does not also fail scans).
func Dial(addr string, timeout time.Duration, guard *breaker.Breaker) (*Adapter, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("deviceadapter: dial %s: %w", addr, err)
	}
	return &Adapter{conn: conn, guard: guard, timeout: timeout}, nil
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// ErrNotFound is returned when the sidecar reports codes.NotFound (no such
// device), distinguishing it from a generic operational failure.
var ErrNotFound = fmt.Errorf("deviceadapter: device not found")

// Call invokes method against the sidecar with req marshaled to a
// structpb.Struct, guarded by the per-method circuit breaker. The sidecar's
// response is returned as a plain map.
func (a *Adapter) Call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	payload, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("deviceadapter: marshal request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var out map[string]interface{}
	var notFound bool
	err = a.guard.Execute(cctx, method, func(ctx context.Context) error {
		resp := new(structpb.Struct)
		invokeErr := a.conn.Invoke(ctx, method, payload, resp)
		if invokeErr != nil && status.Code(invokeErr) == codes.NotFound {
			// A well-formed "no such device" answer is not an upstream
			// failure; the breaker should not count it.
			notFound = true
			return nil
		}
		if invokeErr != nil {
			return invokeErr
		}
		out = resp.AsMap()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return out, nil
}
