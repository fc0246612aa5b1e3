// Package engine wires the six components together into a running peer
// process: the accept/dial loops, the periodic tracker and choke ticks,
// and the download loop that turns scheduler plans into REQUESTs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/swarmpeer/internal/bitfield"
	"github.com/prxssh/swarmpeer/internal/blockstore"
	"github.com/prxssh/swarmpeer/internal/choke"
	"github.com/prxssh/swarmpeer/internal/config"
	"github.com/prxssh/swarmpeer/internal/directory"
	"github.com/prxssh/swarmpeer/internal/filedesc"
	"github.com/prxssh/swarmpeer/internal/metrics"
	"github.com/prxssh/swarmpeer/internal/peerconn"
	"github.com/prxssh/swarmpeer/internal/rateledger"
	"github.com/prxssh/swarmpeer/internal/scheduler"
	"github.com/prxssh/swarmpeer/internal/tracker"
	"github.com/prxssh/swarmpeer/internal/wire"
)

// Engine owns one swarm's worth of runtime state for one local file.
type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	desc *filedesc.Descriptor

	store   *blockstore.Store
	dir     *directory.Directory
	ledger  *rateledger.Ledger
	sched   *scheduler.Scheduler
	choke   *choke.Controller
	metrics *metrics.Registry
	track   *tracker.Client

	peerIDStr string

	conns sync.Map // peerKey -> *peerconn.Conn

	listener net.Listener
}

// New builds an Engine ready to Run. dataDir holds the per-block files
// (spec §6.3); announceURL is the tracker's base URL.
func New(cfg *config.Config, desc *filedesc.Descriptor, dataDir, announceURL string, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := blockstore.Open(desc, dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open blockstore: %w", err)
	}

	peerIDStr := string(cfg.PeerID[:])
	host, port := splitListenAddr(cfg.ListenAddr)

	trackClient, err := tracker.New(announceURL, peerIDStr, host, port, desc.BlockCount, log)
	if err != nil {
		return nil, fmt.Errorf("engine: build tracker client: %w", err)
	}

	dir := directory.New(trackClient)
	ledger := rateledger.New(cfg.RateWindow)
	sched := scheduler.New(desc.BlockCount, cfg.MaxPeerConnections, cfg.RarestFirstBatch, ledger.DownRate)
	chk := choke.New(cfg.UnchokeSlots, ledger)

	return &Engine{
		cfg:       cfg,
		log:       log.With("component", "engine"),
		desc:      desc,
		store:     store,
		dir:       dir,
		ledger:    ledger,
		sched:     sched,
		choke:     chk,
		metrics:   metrics.New(),
		track:     trackClient,
		peerIDStr: peerIDStr,
	}, nil
}

func splitListenAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

// Run starts every engine loop and blocks until ctx is canceled or a
// fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", e.cfg.ListenAddr, err)
	}
	e.listener = ln
	e.log.Info("listening", "addr", ln.Addr().String())

	e.metrics.BlocksTotal.Set(float64(e.desc.BlockCount))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.acceptLoop(gctx) })
	g.Go(func() error { return e.trackerLoop(gctx) })
	g.Go(func() error { return e.regularChokeLoop(gctx) })
	g.Go(func() error { return e.optimisticChokeLoop(gctx) })
	g.Go(func() error { return e.downloadLoop(gctx) })
	g.Go(func() error { return e.evictionLoop(gctx) })

	if e.cfg.MetricsAddr != "" {
		g.Go(func() error { return e.metrics.Serve(gctx, e.cfg.MetricsAddr) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-e.store.CompleteCh():
			e.log.Info("download complete, entering seed-only mode")
			return nil
		}
	})

	<-gctx.Done()
	_ = e.listener.Close()
	return g.Wait()
}

// --- accept/dial ---

func (e *Engine) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = e.listener.Close()
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go e.acceptOne(ctx, conn)
	}
}

func (e *Engine) acceptOne(ctx context.Context, conn net.Conn) {
	hs := wire.NewHandshake(e.cfg.PeerID)
	peerHS, err := hs.Exchange(conn, false, e.cfg.HandshakeTimeout)
	if err != nil {
		e.log.Debug("inbound handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	key := conn.RemoteAddr().String()
	e.wireConn(ctx, conn, key, string(peerHS.PeerID[:]))
}

// Dial connects outbound to a known peer record and starts its connection
// loop (called by the tracker loop after each peer-list refresh).
func (e *Engine) Dial(ctx context.Context, rec *directory.Record) error {
	addr := rec.Key()
	conn, err := net.DialTimeout("tcp", addr, e.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	hs := wire.NewHandshake(e.cfg.PeerID)
	peerHS, err := hs.Exchange(conn, true, e.cfg.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return err
	}

	e.wireConn(ctx, conn, addr, string(peerHS.PeerID[:]))
	return nil
}

func (e *Engine) wireConn(ctx context.Context, conn net.Conn, key, peerID string) {
	if _, exists := e.conns.Load(key); exists {
		_ = conn.Close()
		return
	}

	rec, ok := e.dir.Get(key)
	if !ok {
		host, portStr, _ := net.SplitHostPort(key)
		port := 0
		for _, c := range portStr {
			port = port*10 + int(c-'0')
		}
		rec = &directory.Record{Host: host, Port: port, ChokedByUs: true, TheyChokedUs: true}
	}
	rec.PeerID = peerID
	rec.Connected = true
	e.dir.Upsert(rec)

	var pc *peerconn.Conn
	cb := peerconn.Callbacks{
		OnBitfield: func(k string, bf *bitfield.Bitfield) {
			e.onPeerBitfield(k, bf, pc)
		},
		OnHave: func(k string, blockID int) {
			e.onPeerHave(k, blockID, pc)
		},
		OnPiece: func(k string, blockID int, data []byte) {
			e.onPiece(k, blockID, data)
		},
		OnChoked: func(k string, blockID int) {
			if r, ok := e.dir.Get(k); ok {
				r.FailedRequests++
			}
			e.metrics.RequestsFailed.Inc()
		},
		OnInterested: func(k string, interested bool) {
			if r, ok := e.dir.Get(k); ok {
				r.InterestedInUs = interested
			}
		},
		OnPeerChoke: func(k string, choking bool) {
			if r, ok := e.dir.Get(k); ok {
				r.TheyChokedUs = choking
			}
		},
		OnMessage: func(k string) {
			if r, ok := e.dir.Get(k); ok {
				r.LastMessageAt = time.Now()
			}
		},
		OnServed: func(k string, blockID int, n int) {
			e.ledger.RecordUp(k, int64(n))
			e.metrics.BytesUploaded.Add(float64(n))
		},
		OnDisconnect: func(k string) {
			e.conns.Delete(k)
			if r, ok := e.dir.Get(k); ok {
				r.Connected = false
				if r.Bitfield != nil {
					for id := 0; id < e.desc.BlockCount; id++ {
						if r.Bitfield.Has(id) {
							e.sched.NoteBlockLost(id)
						}
					}
				}
			}
			e.metrics.PeersConnected.Dec()
		},
		Authorized: func(k string) bool { return e.choke.Snapshot().Authorized(k) },
		ReadBlock:  func(blockID int) ([]byte, error) { return e.store.Read(blockID) },
		RequestTimedOut: func(k string, blockID int) {
			if r, ok := e.dir.Get(k); ok {
				r.FailedRequests++
			}
			e.metrics.RequestsTimedOut.Inc()
		},
	}

	pc = peerconn.New(conn, key, peerID, peerconn.Options{
		RequestTimeout:  e.cfg.RequestTimeout,
		RequestInterval: e.cfg.PerPeerRequestInterval,
		IdleTimeout:     e.cfg.IdleConnTimeout,
		BlockCount:      e.desc.BlockCount,
	}, cb, e.log)

	e.conns.Store(key, pc)
	e.metrics.PeersConnected.Inc()

	pc.SendBitfield(e.store.OwnedSnapshot())

	go func() {
		if err := pc.Run(ctx); err != nil {
			e.log.Debug("connection ended", "peer", key, "error", err)
		}
	}()
}

func (e *Engine) onPeerBitfield(key string, bf *bitfield.Bitfield, pc *peerconn.Conn) {
	rec, ok := e.dir.Get(key)
	if !ok {
		return
	}
	rec.Bitfield = bf
	for _, missing := range e.store.Missing() {
		if bf.Has(missing) {
			e.sched.NoteBlockGained(missing)
		}
	}
	if e.peerHasSomethingWeNeed(bf) {
		pc.SendInterested()
	}
}

func (e *Engine) onPeerHave(key string, blockID int, pc *peerconn.Conn) {
	rec, ok := e.dir.Get(key)
	if !ok {
		return
	}
	if rec.Bitfield == nil {
		rec.Bitfield = bitfieldNew(e.desc.BlockCount)
	}
	if !rec.Bitfield.Has(blockID) {
		rec.Bitfield.Set(blockID)
		e.sched.NoteBlockGained(blockID)
	}
	if !e.store.Has(blockID) {
		pc.SendInterested()
	}
}

func bitfieldNew(n int) *bitfield.Bitfield { return bitfield.New(n) }

func (e *Engine) peerHasSomethingWeNeed(bf *bitfield.Bitfield) bool {
	for _, id := range e.store.Missing() {
		if bf.Has(id) {
			return true
		}
	}
	return false
}

// holdsNeededBlock implements the choke controller's eligibility filter:
// a peer only competes for an unchoke slot if it holds at least one block
// we still need (spec §4.5).
func (e *Engine) holdsNeededBlock(r *directory.Record) bool {
	if r.Bitfield == nil {
		return false
	}
	return e.peerHasSomethingWeNeed(r.Bitfield)
}

func (e *Engine) onPiece(key string, blockID int, data []byte) {
	rec, ok := e.dir.Get(key)
	if !ok {
		return
	}

	outcome := e.store.Insert(blockID, data)
	switch outcome {
	case blockstore.InsertOk:
		rec.SuccessfulRequests++
		e.ledger.RecordDown(key, int64(len(data)))
		e.metrics.BytesDownloaded.Add(float64(len(data)))
		e.metrics.BlocksOwned.Set(float64(e.desc.BlockCount - len(e.store.Missing())))
		e.broadcastHave(blockID)
	case blockstore.InsertBadHash:
		rec.FailedRequests++
		e.metrics.BadHashBlocks.Inc()
	case blockstore.InsertAlreadyOwned:
		// duplicate delivery from a racing request; nothing to do.
	case blockstore.InsertOutOfRange:
		rec.FailedRequests++
	}
}

func (e *Engine) broadcastHave(blockID int) {
	e.conns.Range(func(_, v any) bool {
		v.(*peerconn.Conn).SendHave(blockID)
		return true
	})
}

// --- periodic loops ---

func (e *Engine) trackerLoop(ctx context.Context) error {
	if err := e.track.Register(ctx, e.store.OwnedSnapshot().Bytes()); err != nil {
		e.log.Warn("initial tracker register failed", "error", err)
		e.metrics.TrackerErrors.Inc()
	}

	ticker := time.NewTicker(config.Load().TrackerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.dir.RefreshFromTracker(ctx); err != nil {
				e.log.Debug("tracker refresh failed, keeping prior peer set", "error", err)
				e.metrics.TrackerErrors.Inc()
				continue
			}
			for _, rec := range e.dir.Snapshot() {
				if rec.Connected {
					continue
				}
				if _, dialing := e.conns.Load(rec.Key()); dialing {
					continue
				}
				go func(r *directory.Record) {
					if err := e.Dial(ctx, r); err != nil {
						e.log.Debug("dial failed", "peer", r.Key(), "error", err)
					}
				}(rec)
			}
		}
	}
}

func (e *Engine) regularChokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().RegularUnchokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events := e.choke.RegularTick(e.dir.Snapshot(), e.holdsNeededBlock)
			e.applyChokeEvents(events)
			e.metrics.UnchokeSetSize.Set(float64(len(e.choke.Snapshot().Regular)))
		}
	}
}

func (e *Engine) optimisticChokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().OptimisticUnchokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			events := e.choke.OptimisticTick(e.dir.Snapshot(), time.Now())
			e.applyChokeEvents(events)
		}
	}
}

func (e *Engine) applyChokeEvents(events []choke.ChokeEvent) {
	for _, ev := range events {
		v, ok := e.conns.Load(ev.PeerKey)
		if !ok {
			continue
		}
		pc := v.(*peerconn.Conn)
		if ev.Unchoke {
			pc.SendUnchoke()
		} else {
			pc.SendChoke()
		}
	}
}

func (e *Engine) downloadLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().PerPeerRequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.store.Complete() {
				continue
			}
			candidates := e.sched.Plan(e.store.Missing(), e.dir.Snapshot())
			for _, cand := range candidates {
				v, ok := e.conns.Load(cand.Provider.Key())
				if !ok {
					continue
				}
				v.(*peerconn.Conn).SendRequest(cand.BlockID, e.peerIDStr)
			}
		}
	}
}

func (e *Engine) evictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().TrackerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cfg := config.Load()
			evicted := e.dir.EvictStale(cfg.TrackerRefreshInterval, cfg.TrackerTimeout)
			for _, key := range evicted {
				if v, ok := e.conns.Load(key); ok {
					v.(*peerconn.Conn).Close()
				}
			}
		}
	}
}

// Done returns a channel closed the instant the local block store holds
// every block, for callers that want to assemble the file as soon as it's
// ready rather than polling Stats.
func (e *Engine) Done() <-chan struct{} { return e.store.CompleteCh() }

// Assemble writes the completed file to outputPath once download finishes.
func (e *Engine) Assemble(outputPath string) error {
	if !e.store.Complete() {
		return errors.New("engine: assemble called before download completed")
	}
	return e.store.Assemble(outputPath)
}

// Stats is a point-in-time snapshot of block progress and peer counts.
type Stats struct {
	BlocksOwned    int
	BlocksTotal    int
	PeersKnown     int
	PeersConnected int
}

func (e *Engine) Stats() Stats {
	connected := 0
	e.conns.Range(func(_, _ any) bool { connected++; return true })
	return Stats{
		BlocksOwned:    e.desc.BlockCount - len(e.store.Missing()),
		BlocksTotal:    e.desc.BlockCount,
		PeersKnown:     len(e.dir.Snapshot()),
		PeersConnected: connected,
	}
}
