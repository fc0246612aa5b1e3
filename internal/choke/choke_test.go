package choke

import (
	"testing"
	"time"

	"github.com/prxssh/swarmpeer/internal/directory"
	"github.com/prxssh/swarmpeer/internal/rateledger"
)

func connectedPeer(key string, interested bool) *directory.Record {
	parts := [2]string{}
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			parts = [2]string{key[:i], key[i+1:]}
			break
		}
	}
	port := 0
	for _, c := range parts[1] {
		port = port*10 + int(c-'0')
	}
	return &directory.Record{Host: parts[0], Port: port, Connected: true, InterestedInUs: interested}
}

func TestTitForTatTopKExactly(t *testing.T) {
	// Scenario 3: rates {A:100,B:80,C:60,D:40,E:20,F:0} KB/s -> top 4 = A,B,C,D.
	ledger := rateledger.New(30 * time.Second)
	now := time.Unix(0, 0)
	ledger.RecordDown("A:1", 100*1024*30)
	ledger.RecordDown("B:2", 80*1024*30)
	ledger.RecordDown("C:3", 60*1024*30)
	ledger.RecordDown("D:4", 40*1024*30)
	ledger.RecordDown("E:5", 20*1024*30)
	_ = now

	peers := []*directory.Record{
		connectedPeer("A:1", true),
		connectedPeer("B:2", true),
		connectedPeer("C:3", true),
		connectedPeer("D:4", true),
		connectedPeer("E:5", true),
		connectedPeer("F:6", true),
	}

	ctrl := New(4, ledger)
	ctrl.RegularTick(peers, func(*directory.Record) bool { return true })

	snap := ctrl.Snapshot()
	if len(snap.Regular) != 4 {
		t.Fatalf("expected exactly 4 regular unchokes, got %d", len(snap.Regular))
	}
	for _, want := range []string{"A:1", "B:2", "C:3", "D:4"} {
		if _, ok := snap.Regular[want]; !ok {
			t.Fatalf("expected %s in regular unchoke set", want)
		}
	}
	if _, ok := snap.Regular["F:6"]; ok {
		t.Fatalf("F should not be in the regular unchoke set")
	}
}

func TestOptimisticDisjointFromRegular(t *testing.T) {
	ledger := rateledger.New(30 * time.Second)
	ledger.RecordDown("A:1", 100)

	peers := []*directory.Record{connectedPeer("A:1", true), connectedPeer("B:2", true)}

	ctrl := New(1, ledger)
	ctrl.RegularTick(peers, func(*directory.Record) bool { return true })
	ctrl.OptimisticTick(peers, time.Now())

	snap := ctrl.Snapshot()
	if snap.Optimistic == "" {
		t.Fatalf("expected an optimistic pick")
	}
	if _, inRegular := snap.Regular[snap.Optimistic]; inRegular {
		t.Fatalf("optimistic peer %s must not also be in the regular set", snap.Optimistic)
	}
}

func TestUnionAtMostKPlusOne(t *testing.T) {
	ledger := rateledger.New(30 * time.Second)
	var peers []*directory.Record
	for i := 0; i < 10; i++ {
		key := string(rune('A'+i)) + ":1"
		ledger.RecordDown(key, int64(100-i))
		peers = append(peers, connectedPeer(key, true))
	}

	ctrl := New(4, ledger)
	ctrl.RegularTick(peers, func(*directory.Record) bool { return true })
	ctrl.OptimisticTick(peers, time.Now())

	snap := ctrl.Snapshot()
	total := len(snap.Regular)
	if snap.Optimistic != "" {
		total++
	}
	if total > 5 {
		t.Fatalf("union of regular+optimistic must be <= 5, got %d", total)
	}
	if len(snap.Regular) > 4 {
		t.Fatalf("regular set must be <= K=4, got %d", len(snap.Regular))
	}
}

func TestChokeEnforcementDeniesUnauthorized(t *testing.T) {
	ledger := rateledger.New(30 * time.Second)
	ctrl := New(4, ledger)

	snap := ctrl.Snapshot()
	if snap.Authorized("Y:1") {
		t.Fatalf("peer not in any unchoke set must not be authorized")
	}
}
