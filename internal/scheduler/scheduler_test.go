package scheduler

import (
	"testing"

	"github.com/prxssh/swarmpeer/internal/bitfield"
	"github.com/prxssh/swarmpeer/internal/directory"
)

func peerWith(key string, blocks ...int) *directory.Record {
	bf := bitfield.New(16)
	for _, b := range blocks {
		bf.Set(b)
	}
	parts := splitHostPort(key)
	return &directory.Record{Host: parts[0], Port: mustAtoi(parts[1]), Bitfield: bf}
}

func splitHostPort(key string) [2]string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, "0"}
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestRarestFirstOrdering(t *testing.T) {
	// 10 blocks; P1,P2 own {0..8}, P3 owns {9}. Block 9 has rarity 1 and
	// must be scheduled before any of {0..8} (rarity 2), per spec scenario 2.
	s := New(10, 10, 5, func(string) float64 { return 0 })

	p1 := make([]int, 0, 9)
	for i := 0; i <= 8; i++ {
		p1 = append(p1, i)
	}

	for _, b := range p1 {
		s.NoteBlockGained(b) // P1
		s.NoteBlockGained(b) // P2
	}
	s.NoteBlockGained(9) // P3

	missing := make([]int, 10)
	for i := range missing {
		missing[i] = i
	}

	peers := []*directory.Record{
		peerWith("10.0.0.1:1", p1...),
		peerWith("10.0.0.2:2", p1...),
		peerWith("10.0.0.3:3", 9),
	}

	candidates := s.Plan(missing, peers)
	if len(candidates) == 0 {
		t.Fatalf("expected at least one candidate")
	}
	if candidates[0].BlockID != 9 {
		t.Fatalf("expected block 9 first (rarest), got %d", candidates[0].BlockID)
	}
}

func TestZeroRarityDiscarded(t *testing.T) {
	s := New(4, 4, 5, func(string) float64 { return 0 })
	s.NoteBlockGained(0)

	candidates := s.Plan([]int{0, 1, 2, 3}, []*directory.Record{peerWith("1.1.1.1:1", 0)})
	for _, c := range candidates {
		if c.BlockID != 0 {
			t.Fatalf("block %d has rarity 0 and should have been discarded", c.BlockID)
		}
	}
}

func TestProviderMustNotBeChokingUs(t *testing.T) {
	s := New(2, 2, 5, func(string) float64 { return 10 })
	s.NoteBlockGained(0)

	choking := peerWith("5.5.5.5:1", 0)
	choking.TheyChokedUs = true

	candidates := s.Plan([]int{0}, []*directory.Record{choking})
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates when only provider is choking us")
	}
}

func TestHighestDownRateProviderPreferred(t *testing.T) {
	rates := map[string]float64{"1.1.1.1:1": 10, "2.2.2.2:2": 90}
	s := New(1, 2, 5, func(key string) float64 { return rates[key] })
	s.NoteBlockGained(0)
	s.NoteBlockGained(0)

	peers := []*directory.Record{peerWith("1.1.1.1:1", 0), peerWith("2.2.2.2:2", 0)}
	candidates := s.Plan([]int{0}, peers)
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(candidates))
	}
	if candidates[0].Provider.Key() != "2.2.2.2:2" {
		t.Fatalf("expected highest down_rate provider, got %s", candidates[0].Provider.Key())
	}
}
