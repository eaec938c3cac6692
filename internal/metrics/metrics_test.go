package metrics

import "testing"

func TestCollectorInitialState(t *testing.T) {
	c := NewCollector()
	if c.SessionsActive.Load() != 0 {
		t.Error("initial sessions active should be 0")
	}
	snap := c.Snapshot()
	if len(snap.UpstreamConnected) != 0 || len(snap.UpstreamShares) != 0 {
		t.Error("initial snapshot should have no upstream entries")
	}
}

func TestCollectorSessions(t *testing.T) {
	c := NewCollector()
	c.SessionOpened()
	c.SessionOpened()
	if c.SessionsActive.Load() != 2 {
		t.Fatalf("want 2 active sessions, got %d", c.SessionsActive.Load())
	}
	c.SessionClosed()
	if c.SessionsActive.Load() != 1 {
		t.Fatalf("want 1 active session, got %d", c.SessionsActive.Load())
	}
}

func TestCollectorShares(t *testing.T) {
	c := NewCollector()
	c.ShareSubmitted(0)
	c.ShareSubmitted(0)
	c.ShareSubmitted(1)

	if got := c.Shares(0); got != 2 {
		t.Fatalf("upstream 0: want 2, got %d", got)
	}
	if got := c.Shares(1); got != 1 {
		t.Fatalf("upstream 1: want 1, got %d", got)
	}
	if got := c.Shares(2); got != 0 {
		t.Fatalf("upstream 2: want 0, got %d", got)
	}
}

func TestCollectorUpstreamConnected(t *testing.T) {
	c := NewCollector()
	c.SetUpstreamConnected(0, true)
	c.SetUpstreamConnected(1, false)

	snap := c.Snapshot()
	if !snap.UpstreamConnected[0] {
		t.Error("upstream 0 should be connected")
	}
	if snap.UpstreamConnected[1] {
		t.Error("upstream 1 should not be connected")
	}
}

func TestCollectorSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.ShareSubmitted(0)
	snap := c.Snapshot()
	c.ShareSubmitted(0)

	if snap.UpstreamShares[0] != 1 {
		t.Fatalf("snapshot should be frozen at 1, got %d", snap.UpstreamShares[0])
	}
	if c.Shares(0) != 2 {
		t.Fatalf("live collector should have advanced to 2, got %d", c.Shares(0))
	}
}
