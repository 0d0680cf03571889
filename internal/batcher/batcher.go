package batcher

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mcp-gateway/internal/cache"
	"github.com/ashureev/mcp-gateway/internal/protocol"
)

// Sender delivers an already-framed message directly to a client's socket,
// bypassing the batcher. The batcher uses it to emit the BATCH frame it
// assembles from queued messages.
type Sender interface {
	SendDirect(clientID string, msg *protocol.Message) error
}

// clientQueues holds one client's three priority queues plus their flush
// timers. AddMessage/Flush pairs for a given priority serialize against
// each other through mu, per spec §5.
type clientQueues struct {
	mu     sync.Mutex
	queues map[Priority][]*protocol.Message
	timers map[Priority]*time.Timer
}

func newClientQueues() *clientQueues {
	return &clientQueues{
		queues: make(map[Priority][]*protocol.Message),
		timers: make(map[Priority]*time.Timer),
	}
}

// BatchPayload is the Data shape of a BATCH message, per spec §6.
type BatchPayload struct {
	Messages        []*protocol.Message `json:"messages,omitempty"`
	Data            []byte              `json:"data,omitempty"`
	Compressed      bool                `json:"compressed"`
	Algorithm       cache.Algorithm     `json:"algorithm,omitempty"`
	OriginalSize    int                 `json:"originalSize,omitempty"`
	CompressedSize  int                 `json:"compressedSize,omitempty"`
}

// Batcher is the per-client, per-priority outbound batcher from spec §4.5.
type Batcher struct {
	cfg       Config
	sender    Sender
	predictor *predictor
	analytics *analytics

	mu      sync.Mutex
	clients map[string]*clientQueues

	snapshots chan Snapshot
	cancel    func()
	wg        sync.WaitGroup

	droppedOnStop int
}

// New creates a Batcher that delivers assembled BATCH frames through sender.
func New(cfg Config, sender Sender) *Batcher {
	b := &Batcher{
		cfg:       cfg,
		sender:    sender,
		predictor: newPredictor(),
		analytics: newAnalytics(),
		clients:   make(map[string]*clientQueues),
		snapshots: make(chan Snapshot, 8),
	}

	if cfg.Analytics.Enabled && cfg.Analytics.Interval > 0 {
		stop := make(chan struct{})
		b.cancel = sync.OnceFunc(func() { close(stop) })
		b.wg.Add(1)
		go b.analyticsLoop(stop)
	} else {
		b.cancel = func() {}
	}

	return b
}

// Analytics returns the channel snapshots are published on. Consumers
// should drain it; a full channel causes the oldest-pending send to be
// dropped rather than blocking the analytics loop.
func (b *Batcher) Analytics() <-chan Snapshot {
	return b.snapshots
}

func (b *Batcher) analyticsLoop(stop <-chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Analytics.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := b.analytics.snapshotAndReset(time.Now())
			select {
			case b.snapshots <- snap:
			default:
				slog.Warn("batcher: analytics snapshot dropped, consumer not keeping up")
			}
		case <-stop:
			return
		}
	}
}

func (b *Batcher) queuesFor(clientID string) *clientQueues {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.clients[clientID]
	if !ok {
		q = newClientQueues()
		b.clients[clientID] = q
	}
	return q
}

// AddMessage enqueues msg under priority for clientID, starting or keeping
// that priority's flush timer, and flushes immediately if the queue has
// reached BatchSize or the predictor's recommended size for bursty traffic.
func (b *Batcher) AddMessage(clientID string, msg *protocol.Message, priority Priority) {
	q := b.queuesFor(clientID)

	q.mu.Lock()
	q.queues[priority] = append(q.queues[priority], msg)
	size := len(q.queues[priority])

	if _, running := q.timers[priority]; !running {
		q.timers[priority] = time.AfterFunc(b.cfg.timeoutFor(priority), func() {
			b.Flush(clientID, priority)
		})
	}
	threshold := b.cfg.BatchSize
	if predicted := b.predictor.Recommend(priority, threshold); predicted < threshold {
		threshold = predicted
	}
	shouldFlush := size >= b.cfg.BatchSize || (threshold > 0 && size >= threshold && size > 1)
	q.mu.Unlock()

	if shouldFlush {
		b.Flush(clientID, priority)
	}
}

// Flush drains clientID's queue for priority and emits one BATCH message,
// compressing the payload when it meets the priority's threshold.
func (b *Batcher) Flush(clientID string, priority Priority) {
	q := b.queuesFor(clientID)

	q.mu.Lock()
	pending := q.queues[priority]
	q.queues[priority] = nil
	if t, ok := q.timers[priority]; ok {
		t.Stop()
		delete(q.timers, priority)
	}
	started := time.Now()
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	payload, original, compressed := b.buildPayload(pending, priority)
	batchMsg, err := protocol.New(protocol.TagBatch, payload)
	if err != nil {
		slog.Error("batcher: failed to encode batch", "client_id", clientID, "error", err)
		return
	}

	if err := b.sender.SendDirect(clientID, batchMsg); err != nil {
		slog.Warn("batcher: failed to deliver batch", "client_id", clientID, "error", err)
	}

	b.predictor.Observe(priority, len(pending))
	b.analytics.recordFlush(priority, len(pending), time.Since(started), int64(original), int64(compressed))
}

func (b *Batcher) buildPayload(messages []*protocol.Message, priority Priority) (BatchPayload, int, int) {
	raw, err := json.Marshal(messages)
	if err != nil {
		slog.Error("batcher: failed to serialize messages for size check", "error", err)
		return BatchPayload{Messages: messages}, 0, 0
	}

	if !b.cfg.Compression.Enabled || len(raw) < b.cfg.thresholdFor(priority) {
		return BatchPayload{Messages: messages, Compressed: false}, len(raw), len(raw)
	}

	alg := cache.AlgorithmGzip
	blob, err := cache.Compress(raw, b.cfg.Compression.Level, alg)
	if err != nil {
		slog.Warn("batcher: compression failed, sending uncompressed", "error", err)
		return BatchPayload{Messages: messages, Compressed: false}, len(raw), len(raw)
	}

	return BatchPayload{
		Data:           blob,
		Compressed:     true,
		Algorithm:      alg,
		OriginalSize:   len(raw),
		CompressedSize: len(blob),
	}, len(raw), len(blob)
}

// FlushAllForClient drains every priority for clientID in priority order
// (high, then medium, then low), matching the same-tick ordering guarantee
// from spec §5.
func (b *Batcher) FlushAllForClient(clientID string) {
	for _, p := range priorityOrder {
		b.Flush(clientID, p)
	}
}

// RemoveClient drops a client's queues entirely (on disconnect), logging
// and discarding any residual messages rather than flushing them.
func (b *Batcher) RemoveClient(clientID string) {
	b.mu.Lock()
	q, ok := b.clients[clientID]
	delete(b.clients, clientID)
	b.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for _, t := range q.timers {
		t.Stop()
	}
	for _, pending := range q.queues {
		dropped += len(pending)
	}
	if dropped > 0 {
		slog.Info("batcher: dropped residual messages on client removal", "client_id", clientID, "count", dropped)
	}
}

// Stop cancels all timers and drops residual queued messages (spec §9 open
// question, resolved as drop + log). Idempotent.
func (b *Batcher) Stop() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for clientID, q := range b.clients {
		q.mu.Lock()
		for _, t := range q.timers {
			t.Stop()
		}
		for _, pending := range q.queues {
			dropped += len(pending)
		}
		q.mu.Unlock()
		delete(b.clients, clientID)
	}
	if dropped > 0 {
		slog.Info("batcher: dropped residual messages on stop", "count", dropped)
	}
	b.droppedOnStop = dropped
}
