// Package batcher implements the per-client, per-priority outbound message
// batcher from spec §4.5: priority queues with per-priority flush timeouts,
// optional compression of flushed batches, and analytics.
package batcher

import "time"

// Priority is one of the three outbound priorities a batcher schedules.
// Unlike cache.Priority, the batcher has no "critical" tier — spec §4.5
// names exactly {high, medium, low}.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityOrder = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// CompressionConfig controls batch compression. A flushed batch is
// compressed when Enabled and its serialized size meets the threshold for
// its priority.
type CompressionConfig struct {
	Enabled            bool
	MinSize            int
	Level              int
	PriorityThresholds map[Priority]int
}

// AnalyticsConfig controls the periodic analytics snapshot.
type AnalyticsConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config aggregates the batching knobs from spec §6.
type Config struct {
	Enabled      bool
	BatchSize    int
	BatchTimeout time.Duration
	Timeouts     map[Priority]time.Duration
	Compression  CompressionConfig
	Analytics    AnalyticsConfig
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BatchSize:    20,
		BatchTimeout: 100 * time.Millisecond,
		Timeouts: map[Priority]time.Duration{
			PriorityHigh:   50 * time.Millisecond,
			PriorityMedium: 100 * time.Millisecond,
			PriorityLow:    200 * time.Millisecond,
		},
		Compression: CompressionConfig{
			Enabled: true,
			MinSize: 1024,
			Level:   6,
			PriorityThresholds: map[Priority]int{
				PriorityHigh:   4096,
				PriorityMedium: 2048,
				PriorityLow:    1024,
			},
		},
		Analytics: AnalyticsConfig{Enabled: true, Interval: 30 * time.Second},
	}
}

func (c Config) timeoutFor(p Priority) time.Duration {
	if d, ok := c.Timeouts[p]; ok && d > 0 {
		return d
	}
	return c.BatchTimeout
}

func (c Config) thresholdFor(p Priority) int {
	if t, ok := c.Compression.PriorityThresholds[p]; ok {
		return t
	}
	return c.Compression.MinSize
}
