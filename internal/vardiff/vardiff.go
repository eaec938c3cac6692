// Package vardiff tracks per-session share rate. Upstream pools own
// difficulty (the Agent only replays mining.set_difficulty verbatim),
// so this package no longer computes or pushes a difficulty of its
// own — it keeps the share-rate bookkeeping the teacher used for that
// decision and repurposes it as plain observability data.
package vardiff

import (
	"sync"
	"time"
)

// maxShareWindowSize limits the number of shares tracked per session
// to prevent unbounded memory growth.
const maxShareWindowSize = 100

// maxShareWindowAge is the maximum age of shares kept in the window.
const maxShareWindowAge = 10 * time.Minute

// ShareEntry represents a single share submission.
type ShareEntry struct {
	Timestamp time.Time
	Accepted  bool
}

// Tracker accumulates a rolling window of share submissions for one
// session and reports its recent accepted-share rate.
type Tracker struct {
	mu              sync.Mutex
	window          []ShareEntry
	lastShareTime   time.Time
	sharesPerSecond float64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{window: make([]ShareEntry, 0, maxShareWindowSize)}
}

// RecordShare appends a submission to the window and recomputes the
// rate. Safe for concurrent use.
func (t *Tracker) RecordShare(accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.window = append(t.window, ShareEntry{Timestamp: now, Accepted: accepted})
	if accepted {
		t.lastShareTime = now
	}

	cutoff := now.Add(-maxShareWindowAge)
	for i, e := range t.window {
		if e.Timestamp.After(cutoff) {
			t.window = t.window[i:]
			break
		}
	}
	if len(t.window) > maxShareWindowSize {
		t.window = t.window[len(t.window)-maxShareWindowSize:]
	}

	t.recompute()
}

func (t *Tracker) recompute() {
	if len(t.window) < 2 {
		t.sharesPerSecond = 0
		return
	}
	accepted := 0
	for _, e := range t.window {
		if e.Accepted {
			accepted++
		}
	}
	duration := t.window[len(t.window)-1].Timestamp.Sub(t.window[0].Timestamp).Seconds()
	if duration > 0 {
		t.sharesPerSecond = float64(accepted) / duration
	}
}

// SharesPerSecond returns the current accepted-share rate.
func (t *Tracker) SharesPerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sharesPerSecond
}

// LastShareTime returns when the last accepted share was recorded.
func (t *Tracker) LastShareTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastShareTime
}

// Idle reports whether no accepted share has landed within d. It
// returns false if no accepted share has ever been recorded.
func (t *Tracker) Idle(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastShareTime.IsZero() {
		return false
	}
	return time.Since(t.lastShareTime) > d
}
