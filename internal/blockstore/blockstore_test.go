package blockstore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prxssh/swarmpeer/internal/filedesc"
)

func newTestStore(t *testing.T, content []byte, blockSize int64) (*Store, *filedesc.Descriptor) {
	t.Helper()
	desc, err := filedesc.New("sample.bin", content, blockSize)
	if err != nil {
		t.Fatalf("filedesc.New: %v", err)
	}
	store, err := Open(desc, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store, desc
}

func blockBytes(content []byte, desc *filedesc.Descriptor, id int) []byte {
	start := int64(id) * desc.BlockSize
	end := start + desc.BlockLength(id)
	return content[start:end]
}

func TestInsertThenAssembleRoundTrip(t *testing.T) {
	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}

	store, desc := newTestStore(t, content, 16)

	for id := 0; id < desc.BlockCount; id++ {
		if outcome := store.Insert(id, blockBytes(content, desc, id)); outcome != InsertOk {
			t.Fatalf("insert %d: %v", id, outcome)
		}
	}

	if !store.Complete() {
		t.Fatalf("store should be complete")
	}

	out := filepath.Join(t.TempDir(), "out.bin")
	if err := store.Assemble(out); err != nil {
		t.Fatalf("assemble: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("assembled file differs from source: got %d bytes, want %d", len(got), len(content))
	}
}

func TestInsertRejectsBadHash(t *testing.T) {
	content := bytes.Repeat([]byte{7}, 16)
	store, _ := newTestStore(t, content, 16)

	if outcome := store.Insert(0, []byte("tampered bytes!!")); outcome != InsertBadHash {
		t.Fatalf("expected BadHash, got %v", outcome)
	}
	if store.Has(0) {
		t.Fatalf("bad-hash insert must not mark block owned")
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	content := bytes.Repeat([]byte{3}, 16)
	store, desc := newTestStore(t, content, 16)

	first := store.Insert(0, blockBytes(content, desc, 0))
	second := store.Insert(0, blockBytes(content, desc, 0))

	if first != InsertOk {
		t.Fatalf("first insert: %v", first)
	}
	if second != InsertAlreadyOwned {
		t.Fatalf("second insert: %v", second)
	}
}

func TestMissingExcludesOwned(t *testing.T) {
	content := bytes.Repeat([]byte{1}, 32)
	store, desc := newTestStore(t, content, 16)

	store.Insert(0, blockBytes(content, desc, 0))

	for _, id := range store.Missing() {
		if store.Has(id) {
			t.Fatalf("block %d in Missing() but also owned", id)
		}
	}
}

func TestConcurrentInsertsDifferentBlocksDoNotRace(t *testing.T) {
	content := bytes.Repeat([]byte{9}, 160)
	store, desc := newTestStore(t, content, 16)

	var wg sync.WaitGroup
	for id := 0; id < desc.BlockCount; id++ {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Insert(id, blockBytes(content, desc, id))
		}()
	}
	wg.Wait()

	if !store.Complete() {
		t.Fatalf("expected store to be complete after concurrent inserts")
	}
}
