// Package blockstore implements the Block Store (C1): which blocks are
// owned, block byte I/O, and final-file assembly. Persistence follows spec
// §6.3 — one file per block id, named deterministically, so a restarted
// peer rediscovers its owned set by enumerating block files.
package blockstore

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/swarmpeer/internal/bitfield"
	"github.com/prxssh/swarmpeer/internal/filedesc"
)

var (
	ErrNotOwned     = errors.New("blockstore: block not owned")
	ErrBadHash      = errors.New("blockstore: content hash mismatch")
	ErrOutOfRange   = errors.New("blockstore: block id out of range")
	ErrIncomplete   = errors.New("blockstore: assemble called before completion")
)

// InsertOutcome is the result of Insert, matching spec §4.1's enumerated
// outcomes (Ok | BadHash | OutOfRange | AlreadyOwned).
type InsertOutcome int

const (
	InsertOk InsertOutcome = iota
	InsertBadHash
	InsertOutOfRange
	InsertAlreadyOwned
)

func (o InsertOutcome) String() string {
	switch o {
	case InsertOk:
		return "Ok"
	case InsertBadHash:
		return "BadHash"
	case InsertOutOfRange:
		return "OutOfRange"
	case InsertAlreadyOwned:
		return "AlreadyOwned"
	default:
		return "Unknown"
	}
}

// Store holds one file's blocks on disk, one file per block id. It is safe
// for concurrent use: reads never block each other; Insert is serialized
// per block id via a striped set of mutexes, matching the "reads
// concurrent; insert serialized per block id" resource policy in spec §5.
type Store struct {
	desc *filedesc.Descriptor
	dir  string
	log  *slog.Logger

	blockLocks []sync.Mutex

	ownedMu  sync.RWMutex
	owned    *bitfield.Bitfield
	complete chan struct{}
	once     sync.Once
}

// Open creates (or reopens) a block store rooted at dir, rediscovering any
// previously-written blocks by probing for their files, per spec §6.3.
func Open(desc *filedesc.Descriptor, dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "blockstore")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: mkdir %s: %w", dir, err)
	}

	s := &Store{
		desc:       desc,
		dir:        dir,
		log:        log,
		blockLocks: make([]sync.Mutex, desc.BlockCount),
		owned:      bitfield.New(desc.BlockCount),
		complete:   make(chan struct{}),
	}

	for id := 0; id < desc.BlockCount; id++ {
		if info, err := os.Stat(s.blockPath(id)); err == nil && info.Size() == desc.BlockLength(id) {
			s.owned.Set(id)
		}
	}
	if s.owned.Complete() {
		s.markComplete()
	}

	return s, nil
}

func (s *Store) blockPath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("block-%08d.bin", id))
}

// Has reports whether block id is owned.
func (s *Store) Has(id int) bool {
	s.ownedMu.RLock()
	defer s.ownedMu.RUnlock()
	return s.owned.Has(id)
}

// Read returns the bytes of an owned block, or ErrNotOwned.
func (s *Store) Read(id int) ([]byte, error) {
	if id < 0 || id >= s.desc.BlockCount {
		return nil, ErrOutOfRange
	}
	if !s.Has(id) {
		return nil, ErrNotOwned
	}

	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		return nil, fmt.Errorf("blockstore: read block %d: %w", id, err)
	}
	return data, nil
}

// Insert validates bytes against the block's content hash and persists it.
// Idempotent on already-owned ids (spec §4.1/§8): repeated calls with
// matching bytes are a no-op beyond the first successful write.
func (s *Store) Insert(id int, data []byte) InsertOutcome {
	if id < 0 || id >= s.desc.BlockCount {
		return InsertOutOfRange
	}

	s.blockLocks[id].Lock()
	defer s.blockLocks[id].Unlock()

	if s.Has(id) {
		return InsertAlreadyOwned
	}

	if sha1.Sum(data) != s.desc.BlockHash[id] {
		return InsertBadHash
	}

	if err := os.WriteFile(s.blockPath(id), data, 0o644); err != nil {
		s.log.Error("write block failed", "block_id", id, "error", err)
		return InsertBadHash // LocalIoFailure is retried by the caller on next cycle, per spec §7; report non-Ok here
	}

	s.ownedMu.Lock()
	s.owned.Set(id)
	nowComplete := s.owned.Complete()
	s.ownedMu.Unlock()

	if nowComplete {
		s.markComplete()
	}

	return InsertOk
}

func (s *Store) markComplete() {
	s.once.Do(func() { close(s.complete) })
}

// Missing returns the ordered list of block ids not yet owned.
func (s *Store) Missing() []int {
	s.ownedMu.RLock()
	defer s.ownedMu.RUnlock()
	return s.owned.Missing()
}

// Complete reports whether all N blocks are owned. Once true, it is never
// false again (spec §4.1: "completion transitions exactly once").
func (s *Store) Complete() bool {
	select {
	case <-s.complete:
		return true
	default:
		return false
	}
}

// CompleteCh returns a channel closed exactly once, the instant the N-th
// distinct block is inserted.
func (s *Store) CompleteCh() <-chan struct{} { return s.complete }

// OwnedSnapshot returns an immutable copy of the own bitfield for
// advertising via BITFIELD.
func (s *Store) OwnedSnapshot() *bitfield.Bitfield {
	s.ownedMu.RLock()
	defer s.ownedMu.RUnlock()
	return s.owned.Clone()
}

// Assemble writes blocks 0..N-1 concatenated to outputPath.
func (s *Store) Assemble(outputPath string) error {
	if !s.Complete() {
		return ErrIncomplete
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("blockstore: create %s: %w", outputPath, err)
	}
	defer out.Close()

	w := io.Writer(out)
	var buf bytes.Buffer
	for id := 0; id < s.desc.BlockCount; id++ {
		data, err := s.Read(id)
		if err != nil {
			return err
		}
		buf.Write(data)
		if buf.Len() > 4<<20 {
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
			buf.Reset()
		}
	}
	if buf.Len() > 0 {
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
