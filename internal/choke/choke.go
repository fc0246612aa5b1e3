// Package choke implements the Choke Controller (C5): tit-for-tat regular
// unchoking plus one optimistic slot (spec §4.5).
//
// Per spec §9's design notes, the controller never mutates shared state in
// place. It publishes a new immutable Snapshot by replacement so the serve
// path never observes a torn or duplicate-membership set.
package choke

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prxssh/swarmpeer/internal/directory"
	"github.com/prxssh/swarmpeer/internal/rateledger"
)

// Snapshot is an immutable view of the current unchoke decision. Readers
// (the serve path) only ever see a fully-formed prior or posterior
// snapshot, never a partial one.
type Snapshot struct {
	Regular    map[string]struct{}
	Optimistic string // peer key, "" if none
}

// Authorized reports whether peerKey may request from us right now,
// implementing spec §4.5's serve-side authorization rule.
func (s *Snapshot) Authorized(peerKey string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Regular[peerKey]; ok {
		return true
	}
	return s.Optimistic != "" && s.Optimistic == peerKey
}

var emptySnapshot = &Snapshot{Regular: map[string]struct{}{}}

// Controller runs the two periodic ticks and publishes Snapshots.
type Controller struct {
	slots  int
	ledger *rateledger.Ledger

	current atomic.Value // *Snapshot

	history map[string]time.Time // last time each peer was optimistically unchoked

	regularTickRunning    atomic.Bool
	optimisticTickRunning atomic.Bool
}

// New builds a controller with K=slots regular unchoke seats.
func New(slots int, ledger *rateledger.Ledger) *Controller {
	c := &Controller{slots: slots, ledger: ledger, history: make(map[string]time.Time)}
	c.current.Store(emptySnapshot)
	return c
}

// Snapshot returns the currently published unchoke state.
func (c *Controller) Snapshot() *Snapshot {
	return c.current.Load().(*Snapshot)
}

// NeedFunc reports whether a peer holds at least one block we still need.
type NeedFunc func(peer *directory.Record) bool

// ChokeEvent is a unit of outbound signalling the wire engine must emit
// after a tick publishes its new snapshot (spec §9: publish, then signal).
type ChokeEvent struct {
	PeerKey string
	Unchoke bool // true = send UNCHOKE, false = send CHOKE
}

// RegularTick ranks all interested, connected peers by down_rate
// descending, equal rates going to the peer with the most recent ledger
// activity, and takes the top K that also hold a needed block (spec
// §4.5). It is a no-op (tick skipped, not queued) if a regular tick is
// already in flight, matching spec §5's monotone-and-non-queued tick rule.
func (c *Controller) RegularTick(peers []*directory.Record, needed NeedFunc) []ChokeEvent {
	if !c.regularTickRunning.CompareAndSwap(false, true) {
		return nil
	}
	defer c.regularTickRunning.Store(false)

	type candidate struct {
		key    string
		rate   float64
		lastAt time.Time
	}

	var eligible []candidate
	for _, p := range peers {
		if !p.Connected || !p.InterestedInUs {
			continue
		}
		if needed != nil && !needed(p) {
			continue
		}
		eligible = append(eligible, candidate{key: p.Key(), rate: c.ledger.DownRate(p.Key()), lastAt: c.ledger.LastActivity(p.Key())})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].rate != eligible[j].rate {
			return eligible[i].rate > eligible[j].rate
		}
		return eligible[i].lastAt.After(eligible[j].lastAt)
	})
	if len(eligible) > c.slots {
		eligible = eligible[:c.slots]
	}

	newRegular := make(map[string]struct{}, len(eligible))
	for _, e := range eligible {
		newRegular[e.key] = struct{}{}
	}

	prev := c.Snapshot()

	next := &Snapshot{Regular: newRegular, Optimistic: prev.Optimistic}
	if _, stillRegular := newRegular[prev.Optimistic]; stillRegular {
		// Optimistic peer graduated into the regular set; the slot frees up
		// for the next optimistic tick rather than double-counting a peer
		// in both sets (spec §9 optimistic-uniqueness rule).
		next.Optimistic = ""
	}
	c.current.Store(next)

	var events []ChokeEvent
	for key := range newRegular {
		if _, was := prev.Regular[key]; !was {
			events = append(events, ChokeEvent{PeerKey: key, Unchoke: true})
		}
	}
	for key := range prev.Regular {
		if _, is := newRegular[key]; !is {
			events = append(events, ChokeEvent{PeerKey: key, Unchoke: false})
		}
	}
	return events
}

// OptimisticTick picks one peer outside the current regular set uniformly
// at random, preferring peers with no or the oldest unchoke history (spec
// §4.5). The candidate is, by construction, disjoint from the regular set
// (spec §9's optimistic-uniqueness requirement) — no reshuffle is needed
// because ineligible (already-regular) peers are filtered before the pick.
func (c *Controller) OptimisticTick(peers []*directory.Record, now time.Time) []ChokeEvent {
	if !c.optimisticTickRunning.CompareAndSwap(false, true) {
		return nil
	}
	defer c.optimisticTickRunning.Store(false)

	prev := c.Snapshot()

	var eligible []*directory.Record
	for _, p := range peers {
		if !p.Connected {
			continue
		}
		if _, isRegular := prev.Regular[p.Key()]; isRegular {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		if prev.Optimistic == "" {
			return nil
		}
		next := &Snapshot{Regular: prev.Regular, Optimistic: ""}
		c.current.Store(next)
		return []ChokeEvent{{PeerKey: prev.Optimistic, Unchoke: false}}
	}

	// Partition by seen-vs-never-seen, preferring never-seen peers, then
	// the oldest timestamp among seen peers (spec §4.5).
	var neverSeen, seen []*directory.Record
	for _, p := range eligible {
		if _, ok := c.history[p.Key()]; ok {
			seen = append(seen, p)
		} else {
			neverSeen = append(neverSeen, p)
		}
	}

	var pool []*directory.Record
	if len(neverSeen) > 0 {
		pool = neverSeen
	} else {
		sort.SliceStable(seen, func(i, j int) bool { return c.history[seen[i].Key()].Before(c.history[seen[j].Key()]) })
		oldestAt := c.history[seen[0].Key()]
		for _, p := range seen {
			if c.history[p.Key()].Equal(oldestAt) {
				pool = append(pool, p)
			}
		}
	}

	chosen := pool[rand.Intn(len(pool))]
	c.history[chosen.Key()] = now

	next := &Snapshot{Regular: prev.Regular, Optimistic: chosen.Key()}
	c.current.Store(next)

	var events []ChokeEvent
	events = append(events, ChokeEvent{PeerKey: chosen.Key(), Unchoke: true})
	if prev.Optimistic != "" && prev.Optimistic != chosen.Key() {
		if _, stillRegular := prev.Regular[prev.Optimistic]; !stillRegular {
			events = append(events, ChokeEvent{PeerKey: prev.Optimistic, Unchoke: false})
		}
	}
	return events
}
