package deviceadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mcp-gateway/internal/breaker"
	"github.com/ashureev/mcp-gateway/internal/cache"
	"github.com/ashureev/mcp-gateway/internal/protocol"
	"github.com/ashureev/mcp-gateway/internal/registry"
)

// readCacheTTL bounds how long a characteristic read result is served from
// cache before the handler goes back to the sidecar, trading a little
// staleness for fewer round trips to hardware that answers slowly.
const readCacheTTL = 5 * time.Second

// caller is the subset of *Adapter Handler depends on, kept as an
// interface so tests can supply a fake sidecar without dialing gRPC.
type caller interface {
	Call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error)
}

// Handler implements registry.Handler for the six device-domain message
// types. It tracks per-client scan and connection state so it can return
// SCAN_ALREADY_ACTIVE / SCAN_NOT_ACTIVE / ALREADY_CONNECTED / NOT_CONNECTED
// without round-tripping to the sidecar for a check the gateway already
// knows the answer to.
type Handler struct {
	adapter caller
	reads   *cache.Cache[map[string]interface{}] // nil disables the read-through cache

	mu        sync.Mutex
	scanning  map[string]bool
	connected map[string]map[string]bool // clientID -> deviceId -> connected
}

// NewHandler builds a Handler. reads, if non-nil, is consulted before every
// CHARACTERISTIC_READ so repeated reads of a slow-changing characteristic
// don't each round-trip to the sidecar.
func NewHandler(adapter caller, reads *cache.Cache[map[string]interface{}]) *Handler {
	return &Handler{
		adapter:   adapter,
		reads:     reads,
		scanning:  make(map[string]bool),
		connected: make(map[string]map[string]bool),
	}
}

func (h *Handler) HandleMessage(ctx context.Context, hctx *registry.HandlerContext, msg *protocol.Message) error {
	data, err := msg.DataAsMap()
	if err != nil {
		return registry.NewHandlerError(protocol.ErrInvalidParams, err)
	}

	switch msg.Type {
	case protocol.TagStartScan:
		return h.startScan(ctx, hctx, data)
	case protocol.TagStopScan:
		return h.stopScan(ctx, hctx)
	case protocol.TagConnect:
		return h.connect(ctx, hctx, data)
	case protocol.TagDisconnect:
		return h.disconnect(ctx, hctx, data)
	case protocol.TagCharacteristicRead:
		return h.characteristicRead(ctx, hctx, data)
	case protocol.TagCharacteristicWrite:
		return h.characteristicWrite(ctx, hctx, data)
	default:
		return nil
	}
}

func (h *Handler) startScan(ctx context.Context, hctx *registry.HandlerContext, data map[string]interface{}) error {
	h.mu.Lock()
	if h.scanning[hctx.ClientID] {
		h.mu.Unlock()
		return registry.NewHandlerError(protocol.ErrScanAlreadyActive, errors.New("scan already active for this client"))
	}
	h.scanning[hctx.ClientID] = true
	h.mu.Unlock()

	_, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/StartScan", data)
	if err != nil {
		h.mu.Lock()
		delete(h.scanning, hctx.ClientID)
		h.mu.Unlock()
		return classify(err)
	}
	return nil
}

func (h *Handler) stopScan(ctx context.Context, hctx *registry.HandlerContext) error {
	h.mu.Lock()
	if !h.scanning[hctx.ClientID] {
		h.mu.Unlock()
		return registry.NewHandlerError(protocol.ErrScanNotActive, errors.New("no active scan for this client"))
	}
	delete(h.scanning, hctx.ClientID)
	h.mu.Unlock()

	_, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/StopScan", map[string]interface{}{"clientId": hctx.ClientID})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (h *Handler) connect(ctx context.Context, hctx *registry.HandlerContext, data map[string]interface{}) error {
	deviceID, _ := data["deviceId"].(string)

	h.mu.Lock()
	if h.connected[hctx.ClientID][deviceID] {
		h.mu.Unlock()
		return registry.NewHandlerError(protocol.ErrAlreadyConnected, errors.New("already connected to this device"))
	}
	h.mu.Unlock()

	_, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/Connect", data)
	if err != nil {
		return classify(err)
	}

	h.mu.Lock()
	if h.connected[hctx.ClientID] == nil {
		h.connected[hctx.ClientID] = make(map[string]bool)
	}
	h.connected[hctx.ClientID][deviceID] = true
	h.mu.Unlock()
	return nil
}

func (h *Handler) disconnect(ctx context.Context, hctx *registry.HandlerContext, data map[string]interface{}) error {
	deviceID, _ := data["deviceId"].(string)

	h.mu.Lock()
	if !h.connected[hctx.ClientID][deviceID] {
		h.mu.Unlock()
		return registry.NewHandlerError(protocol.ErrNotConnected, errors.New("not connected to this device"))
	}
	delete(h.connected[hctx.ClientID], deviceID)
	h.mu.Unlock()

	_, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/Disconnect", data)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (h *Handler) characteristicRead(ctx context.Context, hctx *registry.HandlerContext, data map[string]interface{}) error {
	key := readCacheKey(data)

	if h.reads != nil && key != "" {
		if cached, ok := h.reads.Get(key); ok {
			return hctx.Send(mustMessage(protocol.New(protocol.TagCharacteristicRead, cached)))
		}
	}

	resp, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/CharacteristicRead", data)
	if err != nil {
		return classify(err)
	}

	if h.reads != nil && key != "" {
		if err := h.reads.Set(key, resp, cache.PriorityMedium, readCacheTTL); err != nil {
			slog.Warn("deviceadapter: failed to cache characteristic read", "key", key, "error", err)
		}
	}
	return hctx.Send(mustMessage(protocol.New(protocol.TagCharacteristicRead, resp)))
}

func readCacheKey(data map[string]interface{}) string {
	deviceID, _ := data["deviceId"].(string)
	service, _ := data["serviceUuid"].(string)
	characteristic, _ := data["characteristicUuid"].(string)
	if deviceID == "" || service == "" || characteristic == "" {
		return ""
	}
	return fmt.Sprintf("char:%s:%s:%s", deviceID, service, characteristic)
}

func (h *Handler) characteristicWrite(ctx context.Context, hctx *registry.HandlerContext, data map[string]interface{}) error {
	_, err := h.adapter.Call(ctx, "/ble.DeviceAdapter/CharacteristicWrite", data)
	if err != nil {
		return classify(err)
	}
	return nil
}

// HandleClientDisconnect releases the per-client scan and connection state
// the handler was tracking; it does not attempt to tear down the device
// side, which the sidecar handles on its own connection loss detection.
func (h *Handler) HandleClientDisconnect(clientID string) error {
	h.mu.Lock()
	delete(h.scanning, clientID)
	delete(h.connected, clientID)
	h.mu.Unlock()
	return nil
}

// classify maps an Adapter.Call error to a wire error code: a breaker trip
// is reported as BLE_NOT_AVAILABLE (the upstream is known bad), a
// not-found device as DEVICE_NOT_FOUND, and anything else as a generic
// OPERATION_FAILED.
func classify(err error) *registry.HandlerError {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return registry.NewHandlerError(protocol.ErrBLENotAvailable, err)
	case errors.Is(err, ErrNotFound):
		return registry.NewHandlerError(protocol.ErrDeviceNotFound, err)
	default:
		return registry.NewHandlerError(protocol.ErrOperationFailed, err)
	}
}

func mustMessage(m *protocol.Message, err error) *protocol.Message {
	if err != nil {
		return protocol.NewError(protocol.ErrOperationFailed, err.Error())
	}
	return m
}
