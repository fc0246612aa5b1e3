package rateledger

import (
	"testing"
	"time"
)

func TestDownRateWithinWindow(t *testing.T) {
	l := New(30 * time.Second)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	l.RecordDown("peerA", 30*1024)

	if got := l.DownRate("peerA"); got != 1024 {
		t.Fatalf("down rate = %v want 1024", got)
	}
}

func TestRateExcludesSamplesOutsideWindow(t *testing.T) {
	l := New(30 * time.Second)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	l.RecordDown("peerA", 1000)

	// Advance past the window; the old sample must no longer count.
	l.now = func() time.Time { return base.Add(31 * time.Second) }
	if got := l.DownRate("peerA"); got != 0 {
		t.Fatalf("expected stale sample excluded, got rate %v", got)
	}
}

func TestDifferentPeersIndependent(t *testing.T) {
	l := New(30 * time.Second)
	base := time.Unix(2000, 0)
	l.now = func() time.Time { return base }

	l.RecordDown("A", 3000)
	l.RecordDown("B", 6000)

	if l.DownRate("A") == l.DownRate("B") {
		t.Fatalf("expected independent rates, got equal")
	}
}

func TestRingCapacityBounded(t *testing.T) {
	l := New(30 * time.Second)
	base := time.Unix(3000, 0)
	for i := 0; i < ringCapacity+5; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		l.now = func() time.Time { return at }
		l.RecordDown("A", 1)
	}

	e := l.entry("A")
	if e.down.count != ringCapacity {
		t.Fatalf("ring count = %d want %d", e.down.count, ringCapacity)
	}
}

func TestForgetClearsPeer(t *testing.T) {
	l := New(30 * time.Second)
	l.RecordDown("A", 100)
	l.Forget("A")

	if got := l.DownRate("A"); got != 0 {
		t.Fatalf("expected 0 after forget, got %v", got)
	}
}
