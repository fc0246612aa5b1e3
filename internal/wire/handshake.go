package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const protocolVersion = "swarmpeer/1"

var (
	ErrHandshakeTooShort  = errors.New("wire: handshake frame too short")
	ErrVersionMismatch    = errors.New("wire: protocol version mismatch")
	ErrHandshakeTimedOut  = errors.New("wire: handshake timed out")
)

// Handshake is the first frame exchanged on every connection (spec §4.6):
// a fixed 20-byte peer_id followed by a length-prefixed protocol_version.
type Handshake struct {
	PeerID          [20]byte
	ProtocolVersion string
}

// NewHandshake builds the local handshake record.
func NewHandshake(peerID [20]byte) *Handshake {
	return &Handshake{PeerID: peerID, ProtocolVersion: protocolVersion}
}

// MarshalBinary encodes <peer_id:20><version_len:1><version...>.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 20+1+len(h.ProtocolVersion))
	copy(buf[:20], h.PeerID[:])
	buf[20] = byte(len(h.ProtocolVersion))
	copy(buf[21:], h.ProtocolVersion)
	return buf, nil
}

// UnmarshalBinary parses the format produced by MarshalBinary.
func (h *Handshake) UnmarshalBinary(data []byte) error {
	if len(data) < 21 {
		return ErrHandshakeTooShort
	}
	copy(h.PeerID[:], data[:20])

	vlen := int(data[20])
	if len(data) < 21+vlen {
		return ErrHandshakeTooShort
	}
	h.ProtocolVersion = string(data[21 : 21+vlen])
	return nil
}

// Exchange performs the bidirectional handshake described in spec §4.6:
// send ours, then read the peer's, subject to the given timeout. When
// outbound is true we send first; inbound connections wait for the remote
// handshake before replying, matching the teacher's Exchange contract.
func (h *Handshake) Exchange(rw io.ReadWriter, outbound bool, timeout time.Duration) (*Handshake, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		peer *Handshake
		err  error
	}
	done := make(chan result, 1)

	go func() {
		var err error
		if outbound {
			err = h.send(rw)
		}
		if err != nil {
			done <- result{nil, err}
			return
		}

		peer, err := readHandshake(rw)
		if err != nil {
			done <- result{nil, err}
			return
		}

		if !outbound {
			err = h.send(rw)
		}
		done <- result{peer, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.peer.ProtocolVersion != h.ProtocolVersion {
			return nil, fmt.Errorf("%w: got %q want %q", ErrVersionMismatch, r.peer.ProtocolVersion, h.ProtocolVersion)
		}
		return r.peer, nil
	case <-ctx.Done():
		return nil, ErrHandshakeTimedOut
	}
}

func (h *Handshake) send(w io.Writer) error {
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func readHandshake(r io.Reader) (*Handshake, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > 1024 {
		return nil, ErrHandshakeTooShort
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	hs := &Handshake{}
	if err := hs.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return hs, nil
}
