// Package cache implements the generic, priority- and memory-aware KV store
// from spec §4.4: per-entry TTL and priority, optional entry compression,
// periodic invalidation sweeps, and a heap-usage monitor that evicts under
// memory pressure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

var ErrEmptyKey = errors.New("cache: key must not be empty")

// TTLConfig controls default and per-priority expiry.
type TTLConfig struct {
	Enabled      bool
	Default      time.Duration
	PriorityTTLs map[Priority]time.Duration
}

// InvalidationConfig controls the periodic sweep in §4.4's "Invalidation
// sweeps" subsection.
type InvalidationConfig struct {
	MaxAge      time.Duration
	MaxSize     int
	CheckPeriod time.Duration
}

// MemoryConfig controls the heap-usage monitor.
type MemoryConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	WarningThresholdMB uint64
	MaxMemoryMB        uint64
}

// HitRatioConfig sizes the sliding window used for hit-ratio tracking.
type HitRatioConfig struct {
	Enabled    bool
	WindowSize int
}

// CompressionConfig controls entry compression. An entry is compressed when
// Enabled and its serialized size is >= MinSize.
type CompressionConfig struct {
	Enabled   bool
	MinSize   int
	Level     int
	Algorithm Algorithm
}

// Config aggregates every cache knob from spec §6.
type Config struct {
	TTL          TTLConfig
	Invalidation InvalidationConfig
	Memory       MemoryConfig
	HitRatio     HitRatioConfig
	Compression  CompressionConfig
}

// DefaultConfig returns sane defaults matching the teacher's style of
// always providing a usable zero-config start.
func DefaultConfig() Config {
	return Config{
		TTL: TTLConfig{Enabled: false},
		Invalidation: InvalidationConfig{
			MaxAge:      30 * time.Minute,
			MaxSize:     10000,
			CheckPeriod: time.Minute,
		},
		Memory: MemoryConfig{
			Enabled:            true,
			CheckInterval:      30 * time.Second,
			WarningThresholdMB: 512,
			MaxMemoryMB:        768,
		},
		HitRatio: HitRatioConfig{Enabled: true, WindowSize: 1000},
		Compression: CompressionConfig{
			Enabled: false, MinSize: 1024, Level: 6, Algorithm: AlgorithmGzip,
		},
	}
}

// Cache is a generic, string-keyed store with TTL, priority, compression,
// and memory/size eviction. All public methods serialize against the
// internal invalidation sweeper and memory monitor (spec §5 shared-resource
// policy), so the zero-value mutex doubles as that critical section.
type Cache[V any] struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry[V]

	hits *hitWindow

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Cache and starts its background sweeper and memory monitor.
func New[V any](cfg Config) *Cache[V] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache[V]{
		cfg:     cfg,
		entries: make(map[string]*entry[V]),
		hits:    newHitWindow(cfg.HitRatio.WindowSize),
		cancel:  cancel,
	}

	if cfg.Invalidation.CheckPeriod > 0 {
		c.wg.Add(1)
		go c.sweepLoop(ctx)
	}
	if cfg.Memory.Enabled && cfg.Memory.CheckInterval > 0 {
		c.wg.Add(1)
		go c.memoryLoop(ctx)
	}

	return c
}

// Stop cancels the background sweeper and memory monitor. Idempotent.
func (c *Cache[V]) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache[V]) ttlFor(p Priority) time.Duration {
	if !c.cfg.TTL.Enabled {
		return 0
	}
	if d, ok := c.cfg.TTL.PriorityTTLs[p]; ok {
		return d
	}
	return c.cfg.TTL.Default
}

// Set stores value under key with the given priority and optional TTL
// override (ttl <= 0 defers to the priority/default TTL). Large values are
// transparently compressed per CompressionConfig. After writing, Set runs
// the same invalidation and memory checks the background sweeper runs.
func (c *Cache[V]) Set(key string, value V, priority Priority, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	now := time.Now()
	e := &entry[V]{key: key, value: value, priority: priority, timestamp: now}

	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = c.ttlFor(priority)
	}
	if effectiveTTL > 0 {
		e.expiresAt = now.Add(effectiveTTL)
	}

	if c.cfg.Compression.Enabled {
		if raw, err := json.Marshal(value); err == nil && len(raw) >= c.cfg.Compression.MinSize {
			alg := c.cfg.Compression.Algorithm
			if alg == "" {
				alg = AlgorithmGzip
			}
			blob, err := compress(raw, c.cfg.Compression.Level, alg)
			if err == nil {
				e.compressed = blob
				e.isCompressed = true
				e.algorithm = alg
				var zero V
				e.value = zero
			}
		}
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	c.sweep()
	c.checkMemory()
	return nil
}

// Get returns the value for key, or ok=false if absent or expired. Presence
// and absence are both recorded against the hit-ratio window.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	e, found := c.entries[key]
	if found && e.expired(time.Now()) {
		delete(c.entries, key)
		found = false
	}
	c.mu.Unlock()

	if c.cfg.HitRatio.Enabled {
		c.hits.record(found)
	}
	if !found {
		return zero, false
	}

	if !e.isCompressed {
		return e.value, true
	}

	raw, err := decompress(e.compressed, e.algorithm)
	if err != nil {
		slog.Warn("cache: decompress failed, treating as miss", "key", key, "error", err)
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("cache: unmarshal of decompressed entry failed", "key", key, "error", err)
		return zero, false
	}
	return v, true
}

// Delete removes key, returning whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	return existed
}

// Clear empties the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Size returns the number of live entries (expired-but-not-yet-swept
// entries are still counted, matching the teacher's lazy-expiry style).
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRatio returns the rolling hit ratio over the configured window.
func (c *Cache[V]) HitRatio() float64 {
	return c.hits.Ratio()
}

// PreloadEntry is one record in a Preload batch.
type PreloadEntry[V any] struct {
	Key      string
	Value    V
	Priority Priority
	TTL      time.Duration
}

// Preload drains entries in batches bounded by batchSize, running up to
// maxConcurrent batches at once.
func (c *Cache[V]) Preload(entries []PreloadEntry[V], batchSize, maxConcurrent int) error {
	if batchSize <= 0 {
		batchSize = len(entries)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func(batch []PreloadEntry[V]) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, pe := range batch {
				if err := c.Set(pe.Key, pe.Value, pe.Priority, pe.TTL); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("preload key %q: %w", pe.Key, err)
					}
					mu.Unlock()
				}
			}
		}(batch)
	}

	wg.Wait()
	return firstErr
}

func (c *Cache[V]) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Invalidation.CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep applies the two-step policy from spec §4.4: drop entries older than
// MaxAge, then if size still exceeds MaxSize evict ascending by
// (priority, timestamp) until within bound. It never holds c.mu during the
// sort of a large key list longer than necessary.
func (c *Cache[V]) sweep() {
	now := time.Now()

	c.mu.Lock()
	if c.cfg.Invalidation.MaxAge > 0 {
		for k, e := range c.entries {
			if e.age(now) > c.cfg.Invalidation.MaxAge {
				delete(c.entries, k)
			}
		}
	}

	if c.cfg.Invalidation.MaxSize > 0 && len(c.entries) > c.cfg.Invalidation.MaxSize {
		type cand struct {
			key       string
			priority  Priority
			timestamp time.Time
		}
		cands := make([]cand, 0, len(c.entries))
		for k, e := range c.entries {
			cands = append(cands, cand{k, e.priority, e.timestamp})
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].priority != cands[j].priority {
				return cands[i].priority < cands[j].priority
			}
			return cands[i].timestamp.Before(cands[j].timestamp)
		})

		excess := len(c.entries) - c.cfg.Invalidation.MaxSize
		for i := 0; i < excess && i < len(cands); i++ {
			delete(c.entries, cands[i].key)
		}
	}
	c.mu.Unlock()
}

func (c *Cache[V]) memoryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Memory.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkMemory()
		case <-ctx.Done():
			return
		}
	}
}

// checkMemory samples current heap use and, on breach of MaxMemoryMB,
// evicts ascending by (priority, timestamp) until back under bound, never
// touching entries at the highest priority observed in the cache
// ("critical/high" per spec, approximated here as the max priority present).
func (c *Cache[V]) checkMemory() {
	if !c.cfg.Memory.Enabled {
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := ms.HeapAlloc / (1024 * 1024)

	if c.cfg.Memory.WarningThresholdMB > 0 && heapMB >= c.cfg.Memory.WarningThresholdMB {
		slog.Warn("cache: heap usage above warning threshold", "heap_mb", heapMB, "threshold_mb", c.cfg.Memory.WarningThresholdMB)
	}

	if c.cfg.Memory.MaxMemoryMB == 0 || heapMB < c.cfg.Memory.MaxMemoryMB {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	maxPriority := PriorityLow
	for _, e := range c.entries {
		if e.priority > maxPriority {
			maxPriority = e.priority
		}
	}

	type cand struct {
		key       string
		priority  Priority
		timestamp time.Time
	}
	cands := make([]cand, 0, len(c.entries))
	for k, e := range c.entries {
		if e.priority >= maxPriority {
			continue
		}
		cands = append(cands, cand{k, e.priority, e.timestamp})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].timestamp.Before(cands[j].timestamp)
	})

	for _, cd := range cands {
		if heapMB < c.cfg.Memory.MaxMemoryMB {
			break
		}
		delete(c.entries, cd.key)
		// Re-sampling MemStats per eviction is too costly; approximate the
		// post-eviction heap by decrementing a nominal per-entry estimate.
		if heapMB > 0 {
			heapMB--
		}
	}

	slog.Warn("cache: evicted entries under memory pressure", "remaining", len(c.entries))
}
