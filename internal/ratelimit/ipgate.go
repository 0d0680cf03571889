// Package ratelimit provides the per-IP admission gate that sits ahead of
// AuthService's per-client sliding window (spec §9 "SUPPLEMENTED FEATURES").
// It answers one question only — may this remote address open another
// connection right now — and never inspects message content.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPGateConfig controls the per-IP token bucket.
type IPGateConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	IdleEvictAfter    time.Duration
}

func DefaultIPGateConfig() IPGateConfig {
	return IPGateConfig{Enabled: true, RequestsPerSecond: 5, Burst: 10, IdleEvictAfter: 10 * time.Minute}
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPGate is a per-remote-address token bucket guard, consulted in
// Server.Start's pre-upgrade hook before a Session is ever created.
type IPGate struct {
	cfg IPGateConfig

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

func NewIPGate(cfg IPGateConfig) *IPGate {
	return &IPGate{cfg: cfg, buckets: make(map[string]*bucketEntry)}
}

// Allow reports whether the given remote address may proceed.
func (g *IPGate) Allow(remoteAddr string) bool {
	if !g.cfg.Enabled {
		return true
	}
	ip := hostOf(remoteAddr)

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[ip]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// AllowRequest adapts Allow to an *http.Request for use as a pre-upgrade hook.
func (g *IPGate) AllowRequest(r *http.Request) bool {
	return g.Allow(r.RemoteAddr)
}

// Sweep evicts buckets idle for longer than IdleEvictAfter, bounding memory
// use across the lifetime of a long-running gateway process.
func (g *IPGate) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-g.cfg.IdleEvictAfter)
	for ip, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, ip)
		}
	}
}

// StartSweeper runs Sweep on a ticker until ctx is canceled, so long-lived
// buckets for addresses that never reconnect don't accumulate forever.
func (g *IPGate) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
