// Package peerconn implements the per-connection half of the Wire Protocol
// Engine (C6): handshake already done, it owns the read/write loops, the
// four-flag state machine (am_choking/am_interested/peer_choking/
// peer_interested), request bookkeeping, and serve-side authorization via
// the Choke Controller's published Snapshot.
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/swarmpeer/internal/bitfield"
	"github.com/prxssh/swarmpeer/internal/wire"
)

const (
	maskAmChoking uint32 = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

const outboundQueueDepth = 64

// Callbacks wires a Conn's observations back into the engine. Callbacks
// must not block. RequestTimedOut runs on the timeout-sweep goroutine and
// OnDisconnect on whichever goroutine calls Close; the rest run on the
// Conn's read-loop goroutine.
type Callbacks struct {
	OnBitfield   func(peerKey string, bf *bitfield.Bitfield)
	OnHave       func(peerKey string, blockID int)
	OnPiece      func(peerKey string, blockID int, data []byte)
	OnChoked     func(peerKey string, blockID int)
	OnInterested func(peerKey string, interested bool)
	OnPeerChoke  func(peerKey string, choking bool)
	OnDisconnect func(peerKey string)

	// OnMessage fires once per inbound message (including keep-alives),
	// letting the engine track per-peer liveness for spec §4.2's
	// inactivity-timeout eviction criterion.
	OnMessage func(peerKey string)

	// OnServed fires after a PIECE of n bytes has been queued for send in
	// response to an authorized REQUEST (spec §4.6's upload accounting).
	OnServed func(peerKey string, blockID int, n int)

	// Authorized reports whether peerKey currently holds an unchoke slot
	// (spec §4.5's serve-side enforcement); consulted on every REQUEST.
	Authorized func(peerKey string) bool

	// ReadBlock serves an owned block's bytes for an authorized REQUEST.
	ReadBlock func(blockID int) ([]byte, error)

	// RequestTimedOut fires when a REQUEST we sent got no PIECE within
	// the configured deadline, so the scheduler can requeue the block.
	RequestTimedOut func(peerKey string, blockID int)
}

// Conn is one established peer connection, post-handshake.
type Conn struct {
	key    string
	peerID string
	conn   net.Conn
	log    *slog.Logger
	cb     Callbacks

	requestTimeout  time.Duration
	requestInterval time.Duration // spec §4.6(c): min gap between REQUESTs to this peer
	idleTimeout     time.Duration
	blockCount      int

	state        uint32 // atomic bitmask
	lastActivity atomic.Int64

	outbox    chan *wire.Message
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopped   atomic.Bool

	pendingMu sync.Mutex
	pending   map[int]time.Time // block id -> request sent time

	lastRequestMu sync.Mutex
	lastRequestAt time.Time // last time we sent *any* REQUEST to this peer
}

// Options configures connection-lifetime behavior, sourced from config.Config.
type Options struct {
	RequestTimeout  time.Duration
	RequestInterval time.Duration
	IdleTimeout     time.Duration
	BlockCount      int // total blocks in the file, for decoding peer BITFIELDs
}

// New wraps an already-handshaken connection.
func New(conn net.Conn, peerKey, peerID string, opts Options, cb Callbacks, log *slog.Logger) *Conn {
	c := &Conn{
		key:             peerKey,
		peerID:          peerID,
		conn:            conn,
		log:             log.With("component", "peerconn", "peer", peerKey),
		cb:              cb,
		requestTimeout:  opts.RequestTimeout,
		requestInterval: opts.RequestInterval,
		idleTimeout:     opts.IdleTimeout,
		blockCount:      opts.BlockCount,
		outbox:          make(chan *wire.Message, outboundQueueDepth),
		pending:         make(map[int]time.Time),
	}
	c.setState(maskAmChoking|maskPeerChoking, true)
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// Run drives the read loop, write loop, and timeout sweep until ctx is
// canceled or the connection fails.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.timeoutSweepLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		close(c.outbox)
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(c.key)
		}
	})
}

func (c *Conn) Key() string { return c.key }
func (c *Conn) PeerID() string { return c.peerID }

func (c *Conn) AmChoking() bool      { return c.getState(maskAmChoking) }
func (c *Conn) AmInterested() bool   { return c.getState(maskAmInterested) }
func (c *Conn) PeerChoking() bool    { return c.getState(maskPeerChoking) }
func (c *Conn) PeerInterested() bool { return c.getState(maskPeerInterested) }

func (c *Conn) Idle() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) getState(mask uint32) bool { return atomic.LoadUint32(&c.state)&mask != 0 }

func (c *Conn) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&c.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&c.state, old, next) {
			return
		}
	}
}

// --- outbound sends ---

func (c *Conn) SendChoke()         { c.enqueue(wire.MessageChokeMsg()) }
func (c *Conn) SendUnchoke()       { c.enqueue(wire.MessageUnchokeMsg()) }
func (c *Conn) SendInterested()    { c.enqueue(wire.MessageInterestedMsg()) }
func (c *Conn) SendNotInterested() { c.enqueue(wire.MessageNotInterestedMsg()) }
func (c *Conn) SendHave(blockID int) { c.enqueue(wire.MessageHaveMsg(uint32(blockID))) }
func (c *Conn) SendBitfield(bf *bitfield.Bitfield) { c.enqueue(wire.MessageBitfieldMsg(bf.Bytes())) }

// SendRequest issues a REQUEST and starts this connection's timeout clock
// for blockID (spec §4.4/§7: unanswered requests are requeued after
// RequestTimeout), enforcing spec §4.6's request-path gate: (a) the peer
// is not choking us, (b) no REQUEST already outstanding for this block on
// this connection, and (c) at least RequestInterval elapsed since the last
// REQUEST sent to this peer. Returns false if the request was skipped for
// any of these reasons.
func (c *Conn) SendRequest(blockID int, requesterID string) bool {
	if c.PeerChoking() {
		return false
	}

	c.pendingMu.Lock()
	if _, outstanding := c.pending[blockID]; outstanding {
		c.pendingMu.Unlock()
		return false
	}
	c.pendingMu.Unlock()

	c.lastRequestMu.Lock()
	tooSoon := !c.lastRequestAt.IsZero() && time.Since(c.lastRequestAt) < c.requestInterval
	if !tooSoon {
		c.lastRequestAt = time.Now()
	}
	c.lastRequestMu.Unlock()
	if tooSoon {
		return false
	}

	c.pendingMu.Lock()
	c.pending[blockID] = time.Now()
	c.pendingMu.Unlock()

	c.enqueue(wire.MessageRequestMsg(uint32(blockID), requesterID))
	return true
}

func (c *Conn) enqueue(m *wire.Message) {
	if c.stopped.Load() {
		return
	}
	select {
	case c.outbox <- m:
	default:
		c.log.Warn("outbox full, dropping message", "id", m.ID)
	}
}

// --- loops ---

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := wire.ReadMessage(c.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		c.lastActivity.Store(time.Now().UnixNano())
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(c.key)
		}
		if m == nil {
			continue // keep-alive
		}
		if err := c.handle(m); err != nil {
			return err
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	keepAlive := time.NewTicker(2 * c.idleTimeout / 3)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := wire.WriteMessage(c.conn, m); err != nil {
				return err
			}
			c.onSent(m)
		case <-keepAlive.C:
			if time.Since(time.Unix(0, c.lastActivity.Load())) >= c.idleTimeout {
				return errors.New("peerconn: idle timeout")
			}
			_ = wire.WriteMessage(c.conn, nil)
		}
	}
}

// timeoutSweepLoop periodically requeues requests that timed out (spec
// §7's LocalTimeout class).
func (c *Conn) timeoutSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.requestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			var expired []int

			c.pendingMu.Lock()
			for blockID, sentAt := range c.pending {
				if now.Sub(sentAt) > c.requestTimeout {
					expired = append(expired, blockID)
					delete(c.pending, blockID)
				}
			}
			c.pendingMu.Unlock()

			for _, blockID := range expired {
				if c.cb.RequestTimedOut != nil {
					c.cb.RequestTimedOut(c.key, blockID)
				}
			}
		}
	}
}

func (c *Conn) onSent(m *wire.Message) {
	switch m.ID {
	case wire.MessageChoke:
		c.setState(maskAmChoking, true)
	case wire.MessageUnchoke:
		c.setState(maskAmChoking, false)
	case wire.MessageInterested:
		c.setState(maskAmInterested, true)
	case wire.MessageNotInterested:
		c.setState(maskAmInterested, false)
	}
}

func (c *Conn) handle(m *wire.Message) error {
	switch m.ID {
	case wire.MessageChoke:
		c.setState(maskPeerChoking, true)
		if c.cb.OnPeerChoke != nil {
			c.cb.OnPeerChoke(c.key, true)
		}
	case wire.MessageUnchoke:
		c.setState(maskPeerChoking, false)
		if c.cb.OnPeerChoke != nil {
			c.cb.OnPeerChoke(c.key, false)
		}
	case wire.MessageInterested:
		c.setState(maskPeerInterested, true)
		if c.cb.OnInterested != nil {
			c.cb.OnInterested(c.key, true)
		}
	case wire.MessageNotInterested:
		c.setState(maskPeerInterested, false)
		if c.cb.OnInterested != nil {
			c.cb.OnInterested(c.key, false)
		}
	case wire.MessageBitfield:
		bf, err := bitfield.Decode(m.Payload, c.blockCount)
		if err != nil {
			return fmt.Errorf("peerconn: bad bitfield: %w", err)
		}
		if c.cb.OnBitfield != nil {
			c.cb.OnBitfield(c.key, bf)
		}
	case wire.MessageHave:
		blockID, err := wire.ParseHave(m)
		if err != nil {
			return err
		}
		if c.cb.OnHave != nil {
			c.cb.OnHave(c.key, int(blockID))
		}
	case wire.MessageRequest:
		blockID, requesterID, err := wire.ParseRequest(m)
		if err != nil {
			return err
		}
		c.serve(int(blockID), requesterID)
	case wire.MessagePiece:
		blockID, data, err := wire.ParsePiece(m)
		if err != nil {
			return err
		}
		c.pendingMu.Lock()
		delete(c.pending, int(blockID))
		c.pendingMu.Unlock()
		if c.cb.OnPiece != nil {
			c.cb.OnPiece(c.key, int(blockID), data)
		}
	case wire.MessageChoked:
		blockID, err := wire.ParseChoked(m)
		if err != nil {
			return err
		}
		c.pendingMu.Lock()
		delete(c.pending, int(blockID))
		c.pendingMu.Unlock()
		if c.cb.OnChoked != nil {
			c.cb.OnChoked(c.key, int(blockID))
		}
	default:
		return fmt.Errorf("peerconn: unknown message id %d", m.ID)
	}
	return nil
}

// serve answers an inbound REQUEST: serve iff authorized (spec §4.5's
// unchoke-slot check) AND we hold the block, otherwise CHOKED. No serve-side
// rate throttle applies here — the request-path gate belongs to the
// requester (SendRequest), not the server (spec §4.5/§4.6).
func (c *Conn) serve(blockID int, requesterID string) {
	if c.cb.Authorized == nil || !c.cb.Authorized(c.key) {
		c.enqueue(wire.MessageChokedMsg(uint32(blockID)))
		return
	}

	if c.cb.ReadBlock == nil {
		c.enqueue(wire.MessageChokedMsg(uint32(blockID)))
		return
	}
	data, err := c.cb.ReadBlock(blockID)
	if err != nil {
		c.enqueue(wire.MessageChokedMsg(uint32(blockID)))
		return
	}
	c.enqueue(wire.MessagePieceMsg(uint32(blockID), data))
	if c.cb.OnServed != nil {
		c.cb.OnServed(c.key, blockID, len(data))
	}
}
