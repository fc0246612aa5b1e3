// Package directory implements the Peer Directory (C2): the known-peer set
// and each peer's last-observed bitfield, refreshed from the tracker and
// from protocol messages (spec §4.2).
package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/swarmpeer/internal/bitfield"
)

// Record is one remote peer's known state (spec §3 "Remote peer record").
// Rolling byte totals live in the Rate Ledger (C3), not here — the
// directory only carries the connection-facing fields the wire engine and
// scheduler read directly.
type Record struct {
	PeerID  string
	Host    string
	Port    int

	Bitfield *bitfield.Bitfield

	ChokedByUs     bool // default true: we choke until the choke controller says otherwise
	InterestedInUs bool
	TheyChokedUs   bool // default true: assume choked until an UNCHOKE arrives

	LastSeenTracker time.Time
	LastMessageAt   time.Time

	SuccessfulRequests int
	FailedRequests     int

	Connected bool
}

// Key returns the record's directory key: host:port, matching spec §9's
// resolution of the peer-identity open question (stable peer_id at the
// protocol layer, (host, port) as transport address — the directory keys
// on the transport address since that's what the wire engine dials/accepts).
func (r *Record) Key() string { return r.Host + ":" + itoa(r.Port) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// successRatio reports the fraction of successful requests, or 1.0 if
// 5 or fewer requests have been made (spec §4.6's ">5 requests" floor).
func (r *Record) successRatio() float64 {
	total := r.SuccessfulRequests + r.FailedRequests
	if total <= 5 {
		return 1
	}
	return float64(r.SuccessfulRequests) / float64(total)
}

// Deprioritised reports whether this peer's success ratio has fallen below
// 50% over more than 5 requests (spec §4.6): not blacklisted, just pushed
// to the tail of tie-breaks by the scheduler.
func (r *Record) Deprioritised() bool {
	total := r.SuccessfulRequests + r.FailedRequests
	return total > 5 && r.successRatio() < 0.5
}

// TrackerClient is the minimal client-side tracker surface the directory
// needs (spec §6.2); implemented by internal/tracker.
type TrackerClient interface {
	GetPeers(ctx context.Context) ([]PeerHint, error)
}

// PeerHint is what the tracker's get_peers reply carries per peer.
type PeerHint struct {
	PeerID string
	Host   string
	Port   int
}

// Directory holds the known-peer set. Snapshot reads never tear: mutations
// build a fresh map and publish it atomically (publish-new-map, drop-old),
// matching spec §5's resource policy for the known-peers set.
type Directory struct {
	tracker TrackerClient

	writeMu sync.Mutex // serializes mutations; readers never block on it
	current atomic.Value // holds map[string]*Record
}

// New builds an empty directory backed by the given tracker client.
func New(tracker TrackerClient) *Directory {
	d := &Directory{tracker: tracker}
	d.current.Store(map[string]*Record{})
	return d
}

func (d *Directory) snapshotMap() map[string]*Record {
	return d.current.Load().(map[string]*Record)
}

// Snapshot returns an immutable view of all known peer records, consumed
// by C4/C5.
func (d *Directory) Snapshot() []*Record {
	m := d.snapshotMap()
	out := make([]*Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}

// Get returns the record for key, if known.
func (d *Directory) Get(key string) (*Record, bool) {
	r, ok := d.snapshotMap()[key]
	return r, ok
}

// mutate publishes a new map derived from the current one, serializing
// concurrent writers without blocking readers.
func (d *Directory) mutate(fn func(next map[string]*Record)) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur := d.snapshotMap()
	next := make(map[string]*Record, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	d.current.Store(next)
}

// Upsert inserts or replaces a record, invoked by the wire engine once a
// connection's handshake has completed.
func (d *Directory) Upsert(rec *Record) {
	d.mutate(func(next map[string]*Record) {
		next[rec.Key()] = rec
	})
}

// Drop removes the record for key. A disconnect does not remove the record:
// the engine only marks it not connected, and EvictStale removes it later.
func (d *Directory) Drop(key string) {
	d.mutate(func(next map[string]*Record) {
		delete(next, key)
	})
}

// RefreshFromTracker contacts the tracker and merges its peer list into the
// known set. An unreachable tracker is non-fatal: the prior set is
// retained and a soft error is returned for logging (spec §4.2).
func (d *Directory) RefreshFromTracker(ctx context.Context) error {
	hints, err := d.tracker.GetPeers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	d.mutate(func(next map[string]*Record) {
		for _, h := range hints {
			key := h.Host + ":" + itoa(h.Port)
			if existing, ok := next[key]; ok {
				existing.LastSeenTracker = now
				continue
			}
			next[key] = &Record{
				PeerID:          h.PeerID,
				Host:            h.Host,
				Port:            h.Port,
				ChokedByUs:      true,
				TheyChokedUs:    true,
				LastSeenTracker: now,
			}
		}
	})
	return nil
}

// EvictStale drops peers not reconfirmed by the tracker for 2*trackerInterval
// OR, when not connected, with no message in the given inactivity timeout
// (spec §4.2). A record that is not connected and was never seen by the
// tracker nor sent a message is dropped as well.
func (d *Directory) EvictStale(trackerInterval, inactivityTimeout time.Duration) []string {
	now := time.Now()
	var evicted []string

	d.mutate(func(next map[string]*Record) {
		for key, rec := range next {
			trackerStale := !rec.LastSeenTracker.IsZero() && now.Sub(rec.LastSeenTracker) > 2*trackerInterval
			idleTooLong := !rec.Connected && !rec.LastMessageAt.IsZero() && now.Sub(rec.LastMessageAt) > inactivityTimeout
			neverSeen := rec.LastSeenTracker.IsZero() && rec.LastMessageAt.IsZero()

			if trackerStale || idleTooLong || (neverSeen && !rec.Connected) {
				delete(next, key)
				evicted = append(evicted, key)
			}
		}
	})
	return evicted
}
