// Package filedesc implements the immutable file descriptor named in spec
// §3: total block count, block size, and per-block content hashes. It is
// the single-file, single-hash-type analogue of the teacher's bencoded
// .torrent metainfo, stripped of multi-file layout and announce-lists per
// spec's Non-goals.
package filedesc

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

var (
	ErrInvalidBlockSize = errors.New("filedesc: block size must be > 0")
	ErrNoBlocks         = errors.New("filedesc: total blocks must be > 0")
	ErrHashCountMismatch = errors.New("filedesc: hash count does not match block count")
)

// wireDescriptor is the bencode-serializable shape. BlockHashes is the
// concatenation of all per-block SHA-1 digests, matching the teacher's
// metainfo "pieces" field convention.
type wireDescriptor struct {
	Name        string `bencode:"name"`
	TotalSize   int64  `bencode:"total_size"`
	BlockSize   int64  `bencode:"block_size"`
	BlockHashes string `bencode:"block_hashes"`
}

// Descriptor is the parsed, validated in-memory form.
type Descriptor struct {
	Name       string
	TotalSize  int64
	BlockSize  int64
	BlockCount int
	BlockHash  [][sha1.Size]byte
}

// New builds a descriptor by hashing blockSize-sized chunks of content.
// The last block may be shorter than blockSize, per spec §3.
func New(name string, content []byte, blockSize int64) (*Descriptor, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}

	total := int64(len(content))
	n := int((total + blockSize - 1) / blockSize)
	if n == 0 {
		n = 1 // a zero-byte file is still one (empty) block, per spec's N>=0 round-trip law
	}

	hashes := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		start := int64(i) * blockSize
		end := start + blockSize
		if end > total {
			end = total
		}
		hashes[i] = sha1.Sum(content[start:end])
	}

	return &Descriptor{
		Name:       name,
		TotalSize:  total,
		BlockSize:  blockSize,
		BlockCount: n,
		BlockHash:  hashes,
	}, nil
}

// BlockLength returns the byte length of block id (B for all but possibly
// the last block, per spec §3/§8).
func (d *Descriptor) BlockLength(id int) int64 {
	start := int64(id) * d.BlockSize
	end := start + d.BlockSize
	if end > d.TotalSize {
		end = d.TotalSize
	}
	if end < start {
		return 0
	}
	return end - start
}

// Marshal bencodes the descriptor for on-disk storage (see Save).
func (d *Descriptor) Marshal() ([]byte, error) {
	var concatenated bytes.Buffer
	for _, h := range d.BlockHash {
		concatenated.Write(h[:])
	}

	w := wireDescriptor{
		Name:        d.Name,
		TotalSize:   d.TotalSize,
		BlockSize:   d.BlockSize,
		BlockHashes: concatenated.String(),
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses and validates a bencoded descriptor.
func Unmarshal(data []byte) (*Descriptor, error) {
	var w wireDescriptor
	if err := bencode.Unmarshal(bytes.NewReader(data), &w); err != nil {
		return nil, err
	}

	if w.BlockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}

	raw := []byte(w.BlockHashes)
	if len(raw)%sha1.Size != 0 {
		return nil, ErrHashCountMismatch
	}

	n := len(raw) / sha1.Size
	expectedN := int((w.TotalSize + w.BlockSize - 1) / w.BlockSize)
	if w.TotalSize == 0 {
		expectedN = 1
	}
	if n != expectedN {
		return nil, ErrHashCountMismatch
	}
	if n == 0 {
		return nil, ErrNoBlocks
	}

	hashes := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}

	return &Descriptor{
		Name:       w.Name,
		TotalSize:  w.TotalSize,
		BlockSize:  w.BlockSize,
		BlockCount: n,
		BlockHash:  hashes,
	}, nil
}

// Load reads and parses a descriptor file from disk.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filedesc: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Save bencodes the descriptor to path.
func (d *Descriptor) Save(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
