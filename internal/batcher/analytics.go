package batcher

import (
	"sync"
	"time"
)

// priorityStats accumulates the raw samples behind one analytics snapshot
// for a single priority.
type priorityStats struct {
	count            int
	sizeSum          int
	sizeMin, sizeMax int
	latencySum       time.Duration
	latencyMin, latencyMax time.Duration
	compressedBytes  int64
	originalBytes    int64
}

func (s *priorityStats) record(size int, latency time.Duration, original, compressed int64) {
	if s.count == 0 {
		s.sizeMin, s.sizeMax = size, size
		s.latencyMin, s.latencyMax = latency, latency
	} else {
		if size < s.sizeMin {
			s.sizeMin = size
		}
		if size > s.sizeMax {
			s.sizeMax = size
		}
		if latency < s.latencyMin {
			s.latencyMin = latency
		}
		if latency > s.latencyMax {
			s.latencyMax = latency
		}
	}
	s.count++
	s.sizeSum += size
	s.latencySum += latency
	s.originalBytes += original
	s.compressedBytes += compressed
}

// PriorityReport is the published shape of one priority's stats.
type PriorityReport struct {
	Count             int
	AvgSize, MinSize, MaxSize int
	AvgLatency, MinLatency, MaxLatency time.Duration
	CompressionRatio  float64 // compressed/original, 1.0 if nothing compressed
}

// Snapshot is emitted every Analytics.Interval.
type Snapshot struct {
	Timestamp time.Time
	ByPriority map[Priority]PriorityReport
	Distribution map[Priority]int // flush count share
}

type analytics struct {
	mu    sync.Mutex
	stats map[Priority]*priorityStats
}

func newAnalytics() *analytics {
	return &analytics{stats: make(map[Priority]*priorityStats)}
}

func (a *analytics) recordFlush(priority Priority, size int, latency time.Duration, original, compressed int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stats[priority]
	if !ok {
		s = &priorityStats{}
		a.stats[priority] = s
	}
	s.record(size, latency, original, compressed)
}

// snapshotAndReset builds a Snapshot from accumulated samples and clears
// them, so each window reports only that window's activity.
func (a *analytics) snapshotAndReset(now time.Time) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Timestamp:    now,
		ByPriority:   make(map[Priority]PriorityReport, len(a.stats)),
		Distribution: make(map[Priority]int, len(a.stats)),
	}

	total := 0
	for _, s := range a.stats {
		total += s.count
	}

	for p, s := range a.stats {
		if s.count == 0 {
			continue
		}
		ratio := 1.0
		if s.originalBytes > 0 {
			ratio = float64(s.compressedBytes) / float64(s.originalBytes)
		}
		snap.ByPriority[p] = PriorityReport{
			Count:      s.count,
			AvgSize:    s.sizeSum / s.count,
			MinSize:    s.sizeMin,
			MaxSize:    s.sizeMax,
			AvgLatency: s.latencySum / time.Duration(s.count),
			MinLatency: s.latencyMin,
			MaxLatency: s.latencyMax,
			CompressionRatio: ratio,
		}
		if total > 0 {
			snap.Distribution[p] = s.count * 100 / total
		}
	}

	a.stats = make(map[Priority]*priorityStats)
	return snap
}
