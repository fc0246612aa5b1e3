package scheduler

import (
	"math/bits"
	"math/rand"
	"sync"
)

// availabilityIndex tracks, for every block id, how many known peers
// currently advertise it, bucketed for O(1) rarest-first lookups. Adapted
// from the teacher's piece.availabilityBucket: dense per-level arrays with
// swap-remove, a bitmap of non-empty levels, and randomized insertion
// position within a level to avoid deterministic herding — directly the
// mechanism spec §4.4 step 3 asks for ("break ties by a uniformly random
// permutation").
type availabilityIndex struct {
	mu sync.RWMutex

	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64

	rng *rand.Rand
}

func newAvailabilityIndex(blockCount, maxAvail int) *availabilityIndex {
	if maxAvail < 1 {
		maxAvail = 1
	}

	idx := &availabilityIndex{
		rng:          rand.New(rand.NewSource(rand.Int63())),
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, blockCount),
		pos:          make([]int, blockCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	idx.buckets[0] = make([]int, blockCount)
	for i := 0; i < blockCount; i++ {
		idx.buckets[0][i] = i
		idx.pos[i] = i
	}
	if blockCount > 0 {
		idx.setBit(0)
	}

	return idx
}

// Availability returns the current count of peers advertising block i.
func (idx *availabilityIndex) Availability(i int) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.avail[i])
}

// Bucket returns a copy of the block ids at availability level a.
func (idx *availabilityIndex) Bucket(a int) []int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if a < 0 || a > idx.maxAvail {
		return nil
	}
	return append([]int(nil), idx.buckets[a]...)
}

// NonEmptyLevelsAscending returns, in ascending order, every availability
// level that currently holds at least one block, skipping level 0 (rarity
// zero is discarded per spec §4.4 step 2 — no known source).
func (idx *availabilityIndex) NonEmptyLevelsAscending() []int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var levels []int
	for w := 0; w < len(idx.nonEmptyBits); w++ {
		word := idx.nonEmptyBits[w]
		for word != 0 {
			off := bits.TrailingZeros64(word)
			level := w<<6 + off
			if level > 0 {
				levels = append(levels, level)
			}
			word &^= 1 << off
		}
	}
	return levels
}

// Move changes block i's availability by delta (+1 on HAVE/BITFIELD-gain,
// -1 on peer disconnect), clamped to [0, maxAvail].
func (idx *availabilityIndex) Move(i, delta int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := int(idx.avail[i])
	next := old + delta
	if next < 0 {
		next = 0
	}
	if next > idx.maxAvail {
		next = idx.maxAvail
	}
	if next == old {
		return
	}

	idx.removeFrom(i, old)
	idx.addTo(i, next)
	idx.avail[i] = uint16(next)
}

func (idx *availabilityIndex) removeFrom(i, avail int) {
	pos := idx.pos[i]
	bucket := idx.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	idx.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	idx.buckets[avail] = bucket

	if len(bucket) == 0 {
		idx.clearBit(avail)
	}
}

func (idx *availabilityIndex) addTo(i, avail int) {
	bucket := append(idx.buckets[avail], i)
	last := len(bucket) - 1

	if last > 0 {
		j := idx.rng.Intn(last + 1)
		bucket[last], bucket[j] = bucket[j], bucket[last]
		idx.pos[bucket[last]] = last
		idx.pos[bucket[j]] = j
	} else {
		idx.pos[i] = 0
	}

	idx.buckets[avail] = bucket
	idx.setBit(avail)
}

func (idx *availabilityIndex) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	idx.nonEmptyBits[w] |= 1 << bit
}

func (idx *availabilityIndex) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	idx.nonEmptyBits[w] &^= 1 << bit
}
