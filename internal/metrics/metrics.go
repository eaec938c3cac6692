// Package metrics collects session and per-upstream counters and
// exposes them both as a JSON snapshot (for /status) and as Prometheus
// collectors (for /metrics).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector holds all Agent-wide metrics. Every field is safe for
// concurrent use; session and upstream counts change far more often
// than they're read, so the hot path stays lock-free atomics and only
// the per-upstream maps take a mutex.
type Collector struct {
	SessionsActive atomic.Int64
	SessionIDsFree atomic.Int64

	mu                sync.RWMutex
	upstreamConnected map[uint8]bool
	upstreamShares    map[uint8]*atomic.Uint64

	lastNotifyUnix atomic.Int64
	lastDiff       atomic.Uint64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		upstreamConnected: make(map[uint8]bool),
		upstreamShares:    make(map[uint8]*atomic.Uint64),
	}
}

// SessionOpened implements downstream.Metrics.
func (c *Collector) SessionOpened() { c.SessionsActive.Add(1) }

// SessionClosed implements downstream.Metrics.
func (c *Collector) SessionClosed() { c.SessionsActive.Add(-1) }

// ShareSubmitted implements downstream.Metrics, counting one forwarded
// share against the upstream it was routed to.
func (c *Collector) ShareSubmitted(idx uint8) {
	c.shareCounter(idx).Add(1)
}

func (c *Collector) shareCounter(idx uint8) *atomic.Uint64 {
	c.mu.RLock()
	ctr, ok := c.upstreamShares[idx]
	c.mu.RUnlock()
	if ok {
		return ctr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.upstreamShares[idx]; ok {
		return ctr
	}
	ctr = &atomic.Uint64{}
	c.upstreamShares[idx] = ctr
	return ctr
}

// SetUpstreamConnected records whether upstream idx is currently
// authenticated.
func (c *Collector) SetUpstreamConnected(idx uint8, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamConnected[idx] = connected
}

// SetFreeSessionIDs records the allocator's current free-id count.
func (c *Collector) SetFreeSessionIDs(n int) {
	c.SessionIDsFree.Store(int64(n))
}

// RecordNotify timestamps the most recent mining.notify seen from any
// upstream.
func (c *Collector) RecordNotify() {
	c.lastNotifyUnix.Store(time.Now().Unix())
}

// RecordDifficulty records the most recent difficulty broadcast from
// any upstream.
func (c *Collector) RecordDifficulty(diff uint64) {
	c.lastDiff.Store(diff)
}

// Shares returns the cumulative forwarded-share count for upstream idx.
func (c *Collector) Shares(idx uint8) uint64 {
	return c.shareCounter(idx).Load()
}

// Snapshot is a point-in-time, JSON-serializable view for /status.
type Snapshot struct {
	SessionsActive    int64            `json:"sessions_active"`
	SessionIDsFree    int64            `json:"session_ids_free"`
	UpstreamConnected map[uint8]bool   `json:"upstream_connected"`
	UpstreamShares    map[uint8]uint64 `json:"upstream_shares"`
	LastNotifyUnix    int64            `json:"last_notify_unix"`
	LastDifficulty    uint64           `json:"last_difficulty"`
}

// Snapshot returns a copy of the current metric values.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	connected := make(map[uint8]bool, len(c.upstreamConnected))
	for k, v := range c.upstreamConnected {
		connected[k] = v
	}
	shares := make(map[uint8]uint64, len(c.upstreamShares))
	for k, v := range c.upstreamShares {
		shares[k] = v.Load()
	}

	return Snapshot{
		SessionsActive:    c.SessionsActive.Load(),
		SessionIDsFree:    c.SessionIDsFree.Load(),
		UpstreamConnected: connected,
		UpstreamShares:    shares,
		LastNotifyUnix:    c.lastNotifyUnix.Load(),
		LastDifficulty:    c.lastDiff.Load(),
	}
}
