package directory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTracker struct {
	hints []PeerHint
	err   error
}

func (f *fakeTracker) GetPeers(ctx context.Context) ([]PeerHint, error) {
	return f.hints, f.err
}

func TestRefreshFromTrackerMergesPeers(t *testing.T) {
	tr := &fakeTracker{hints: []PeerHint{{PeerID: "p1", Host: "10.0.0.1", Port: 6000}}}
	d := New(tr)

	if err := d.RefreshFromTracker(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := d.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snap))
	}
}

func TestRefreshFromTrackerIsNonFatalOnError(t *testing.T) {
	tr := &fakeTracker{err: errors.New("tracker unreachable")}
	d := New(tr)
	d.Upsert(&Record{Host: "1.2.3.4", Port: 1000})

	err := d.RefreshFromTracker(context.Background())
	if err == nil {
		t.Fatalf("expected soft error to propagate for logging")
	}

	if len(d.Snapshot()) != 1 {
		t.Fatalf("prior set should be retained on tracker outage")
	}
}

func TestUpsertAndDrop(t *testing.T) {
	d := New(&fakeTracker{})
	rec := &Record{Host: "2.2.2.2", Port: 5000, Connected: true}
	d.Upsert(rec)

	if _, ok := d.Get(rec.Key()); !ok {
		t.Fatalf("expected record present after upsert")
	}

	d.Drop(rec.Key())
	if _, ok := d.Get(rec.Key()); ok {
		t.Fatalf("expected record gone after drop")
	}
}

func TestEvictStaleByTrackerAge(t *testing.T) {
	d := New(&fakeTracker{})
	d.Upsert(&Record{
		Host:            "3.3.3.3",
		Port:            7000,
		LastSeenTracker: time.Now().Add(-time.Hour),
	})

	evicted := d.EvictStale(15*time.Second, 40*time.Second)
	if len(evicted) != 1 {
		t.Fatalf("expected 1 eviction, got %d", len(evicted))
	}
}

func TestDeprioritisedAfterLowSuccessRatio(t *testing.T) {
	rec := &Record{SuccessfulRequests: 1, FailedRequests: 6}
	if !rec.Deprioritised() {
		t.Fatalf("expected peer with <50%% success over >5 requests to be deprioritised")
	}

	fresh := &Record{SuccessfulRequests: 0, FailedRequests: 2}
	if fresh.Deprioritised() {
		t.Fatalf("peer with <=5 total requests must not be deprioritised yet")
	}
}
