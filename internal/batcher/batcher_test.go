package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mcp-gateway/internal/protocol"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []*protocol.Message
	ready chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{ready: make(chan struct{}, 16)}
}

func (f *fakeSender) SendDirect(_ string, msg *protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.ready <- struct{}{}
	return nil
}

func (f *fakeSender) waitN(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ready:
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for batch %d/%d", i+1, n)
		}
	}
}

func textMessage(t *testing.T, s string) *protocol.Message {
	t.Helper()
	m, err := protocol.New(protocol.TagDeviceFound, map[string]string{"v": s})
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	return m
}

// TestBatcher_FlushOnTimeout is spec scenario S6: 3 medium-priority
// messages sent in rapid succession are delivered as one BATCH after the
// medium timeout elapses, in enqueue order.
func TestBatcher_FlushOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 5
	cfg.Timeouts = map[Priority]time.Duration{
		PriorityHigh: 50 * time.Millisecond, PriorityMedium: 100 * time.Millisecond, PriorityLow: 200 * time.Millisecond,
	}
	cfg.Compression.Enabled = false
	cfg.Analytics.Enabled = false

	sender := newFakeSender()
	b := New(cfg, sender)
	defer b.Stop()

	b.AddMessage("c1", textMessage(t, "1"), PriorityMedium)
	b.AddMessage("c1", textMessage(t, "2"), PriorityMedium)
	b.AddMessage("c1", textMessage(t, "3"), PriorityMedium)

	sender.waitN(t, 1, time.Second)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one BATCH, got %d", len(sender.sent))
	}
	if len(sender.sent[0].Data) == 0 {
		t.Fatal("expected non-empty batch payload")
	}
}

func TestBatcher_FlushOnSizeThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Timeouts = map[Priority]time.Duration{PriorityMedium: time.Hour}
	cfg.Compression.Enabled = false
	cfg.Analytics.Enabled = false

	sender := newFakeSender()
	b := New(cfg, sender)
	defer b.Stop()

	b.AddMessage("c1", textMessage(t, "1"), PriorityMedium)
	b.AddMessage("c1", textMessage(t, "2"), PriorityMedium)

	sender.waitN(t, 1, time.Second)
}

func TestBatcher_StopDropsResidual(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts = map[Priority]time.Duration{PriorityLow: time.Hour}
	cfg.Analytics.Enabled = false
	sender := newFakeSender()
	b := New(cfg, sender)

	b.AddMessage("c1", textMessage(t, "1"), PriorityLow)
	b.Stop()

	if b.droppedOnStop != 1 {
		t.Fatalf("droppedOnStop = %d; want 1", b.droppedOnStop)
	}
}

func TestBatcher_RemoveClientDropsResidual(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts = map[Priority]time.Duration{PriorityLow: time.Hour}
	cfg.Analytics.Enabled = false
	sender := newFakeSender()
	b := New(cfg, sender)
	defer b.Stop()

	b.AddMessage("c1", textMessage(t, "1"), PriorityLow)
	b.RemoveClient("c1")

	select {
	case <-sender.ready:
		t.Fatal("expected no batch to be sent after RemoveClient")
	case <-time.After(50 * time.Millisecond):
	}
}
