// Package scheduler implements the rarest-first Scheduler (C4): given the
// local missing set and known-peer bitfields, it picks which block to
// fetch next and from whom (spec §4.4).
package scheduler

import (
	"math/rand"

	"github.com/prxssh/swarmpeer/internal/directory"
)

const defaultBatch = 5

// Candidate is one (block, provider) pairing the wire engine should issue
// a REQUEST for.
type Candidate struct {
	BlockID  int
	Provider *directory.Record
}

// Scheduler tracks block availability across known peers and produces
// rarest-first candidate batches. It holds no network state of its own;
// callers feed it bitfield deltas as they observe them on the wire.
type Scheduler struct {
	avail      *availabilityIndex
	batch      int
	downRateFn func(peerKey string) float64
}

// New builds a scheduler for a file with blockCount blocks. maxPeers
// bounds the availability histogram (how many distinct peers could ever
// advertise a block); downRateFn resolves a peer's current download rate
// from the Rate Ledger for provider tie-breaking (spec §4.4 step 5).
func New(blockCount, maxPeers, batch int, downRateFn func(peerKey string) float64) *Scheduler {
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Scheduler{
		avail:      newAvailabilityIndex(blockCount, maxPeers),
		batch:      batch,
		downRateFn: downRateFn,
	}
}

// NoteBlockGained records that one more known peer now advertises blockID
// (BITFIELD bit newly set, or HAVE received).
func (s *Scheduler) NoteBlockGained(blockID int) { s.avail.Move(blockID, 1) }

// NoteBlockLost records that a peer advertising blockID has disconnected.
func (s *Scheduler) NoteBlockLost(blockID int) { s.avail.Move(blockID, -1) }

// Availability exposes a block's current rarity, for diagnostics/tests.
func (s *Scheduler) Availability(blockID int) int { return s.avail.Availability(blockID) }

// Plan runs the rarest-first algorithm (spec §4.4) against the current
// missing set and the directory's peer snapshot, returning up to R
// (block, provider) candidates ready for REQUEST.
func (s *Scheduler) Plan(missing []int, peers []*directory.Record) []Candidate {
	if len(missing) == 0 {
		return nil
	}

	missingSet := make(map[int]struct{}, len(missing))
	for _, id := range missing {
		missingSet[id] = struct{}{}
	}

	// Steps 1-3: rarity ascending among the missing set, rarity=0
	// discarded, ties broken by the availability index's randomized
	// bucket ordering.
	var ordered []int
	for _, level := range s.avail.NonEmptyLevelsAscending() {
		for _, blockID := range s.avail.Bucket(level) {
			if _, isMissing := missingSet[blockID]; isMissing {
				ordered = append(ordered, blockID)
			}
		}
		if len(ordered) >= s.batch*3 {
			break // enough candidates from the lowest few rarity levels
		}
	}

	if len(ordered) > s.batch {
		ordered = ordered[:s.batch]
	}

	out := make([]Candidate, 0, len(ordered))
	for _, blockID := range ordered {
		provider := s.pickProvider(blockID, peers)
		if provider == nil {
			continue // no unchoked-by-them advertiser available right now
		}
		out = append(out, Candidate{BlockID: blockID, Provider: provider})
	}
	return out
}

// pickProvider implements spec §4.4 step 5: among peers that advertise
// blockID and are not choking us, prefer the highest down_rate; ties
// broken randomly. Deprioritised peers (spec §4.6) are only used when no
// healthy provider is available.
func (s *Scheduler) pickProvider(blockID int, peers []*directory.Record) *directory.Record {
	provider := s.bestProvider(blockID, peers, false)
	if provider != nil {
		return provider
	}
	return s.bestProvider(blockID, peers, true)
}

func (s *Scheduler) bestProvider(blockID int, peers []*directory.Record, includeDeprioritised bool) *directory.Record {
	var best []*directory.Record
	var bestRate float64 = -1

	for _, p := range peers {
		if p.TheyChokedUs || p.Bitfield == nil || !p.Bitfield.Has(blockID) {
			continue
		}
		if p.Deprioritised() != includeDeprioritised {
			continue
		}

		rate := 0.0
		if s.downRateFn != nil {
			rate = s.downRateFn(p.Key())
		}

		switch {
		case rate > bestRate:
			bestRate = rate
			best = []*directory.Record{p}
		case rate == bestRate:
			best = append(best, p)
		}
	}

	if len(best) == 0 {
		return nil
	}
	if len(best) == 1 {
		return best[0]
	}
	return best[rand.Intn(len(best))]
}
