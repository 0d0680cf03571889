package deviceadapter

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/mcp-gateway/internal/protocol"
	"github.com/ashureev/mcp-gateway/internal/registry"
)

type fakeCaller struct {
	callFunc func(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error)
	calls    []string
}

func (f *fakeCaller) Call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	f.calls = append(f.calls, method)
	if f.callFunc != nil {
		return f.callFunc(ctx, method, req)
	}
	return map[string]interface{}{}, nil
}

func dispatch(t *testing.T, h *Handler, hctx *registry.HandlerContext, tag protocol.Tag, data interface{}) error {
	t.Helper()
	msg, err := protocol.New(tag, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h.HandleMessage(context.Background(), hctx, msg)
}

func TestHandler_ScanAlreadyActive(t *testing.T) {
	fc := &fakeCaller{}
	h := NewHandler(fc, nil)
	hctx := &registry.HandlerContext{ClientID: "c1"}

	if err := dispatch(t, h, hctx, protocol.TagStartScan, map[string]interface{}{}); err != nil {
		t.Fatalf("first StartScan: %v", err)
	}
	err := dispatch(t, h, hctx, protocol.TagStartScan, map[string]interface{}{})
	var he *registry.HandlerError
	if !errors.As(err, &he) || he.Code != protocol.ErrScanAlreadyActive {
		t.Fatalf("second StartScan error = %v; want SCAN_ALREADY_ACTIVE", err)
	}
}

func TestHandler_StopScanNotActive(t *testing.T) {
	h := NewHandler(&fakeCaller{}, nil)
	hctx := &registry.HandlerContext{ClientID: "c1"}

	err := dispatch(t, h, hctx, protocol.TagStopScan, map[string]interface{}{})
	var he *registry.HandlerError
	if !errors.As(err, &he) || he.Code != protocol.ErrScanNotActive {
		t.Fatalf("err = %v; want SCAN_NOT_ACTIVE", err)
	}
}

func TestHandler_ConnectThenAlreadyConnected(t *testing.T) {
	h := NewHandler(&fakeCaller{}, nil)
	hctx := &registry.HandlerContext{ClientID: "c1"}
	data := map[string]interface{}{"deviceId": "d1"}

	if err := dispatch(t, h, hctx, protocol.TagConnect, data); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	err := dispatch(t, h, hctx, protocol.TagConnect, data)
	var he *registry.HandlerError
	if !errors.As(err, &he) || he.Code != protocol.ErrAlreadyConnected {
		t.Fatalf("second Connect error = %v; want ALREADY_CONNECTED", err)
	}
}

func TestHandler_DisconnectNotConnected(t *testing.T) {
	h := NewHandler(&fakeCaller{}, nil)
	hctx := &registry.HandlerContext{ClientID: "c1"}

	err := dispatch(t, h, hctx, protocol.TagDisconnect, map[string]interface{}{"deviceId": "d1"})
	var he *registry.HandlerError
	if !errors.As(err, &he) || he.Code != protocol.ErrNotConnected {
		t.Fatalf("err = %v; want NOT_CONNECTED", err)
	}
}

func TestHandler_CharacteristicReadSendsResult(t *testing.T) {
	fc := &fakeCaller{callFunc: func(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"value": "AB12"}, nil
	}}
	h := NewHandler(fc, nil)

	var sent *protocol.Message
	hctx := &registry.HandlerContext{
		ClientID: "c1",
		Send: func(m *protocol.Message) error {
			sent = m
			return nil
		},
	}

	if err := dispatch(t, h, hctx, protocol.TagCharacteristicRead, map[string]interface{}{
		"deviceId": "d1", "serviceUuid": "s", "characteristicUuid": "c",
	}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sent == nil {
		t.Fatal("expected a message to be sent back")
	}
	data, _ := sent.DataAsMap()
	if data["value"] != "AB12" {
		t.Fatalf("sent data = %v; want value=AB12", data)
	}
}

func TestHandler_DisconnectClearsScanAndConnectState(t *testing.T) {
	h := NewHandler(&fakeCaller{}, nil)
	hctx := &registry.HandlerContext{ClientID: "c1"}

	_ = dispatch(t, h, hctx, protocol.TagStartScan, map[string]interface{}{})
	_ = dispatch(t, h, hctx, protocol.TagConnect, map[string]interface{}{"deviceId": "d1"})

	if err := h.HandleClientDisconnect("c1"); err != nil {
		t.Fatalf("HandleClientDisconnect: %v", err)
	}

	// After disconnect, state is cleared: StartScan and Connect succeed again.
	if err := dispatch(t, h, hctx, protocol.TagStartScan, map[string]interface{}{}); err != nil {
		t.Fatalf("StartScan after disconnect: %v", err)
	}
	if err := dispatch(t, h, hctx, protocol.TagConnect, map[string]interface{}{"deviceId": "d1"}); err != nil {
		t.Fatalf("Connect after disconnect: %v", err)
	}
}
