// Package wire implements the peer↔peer framing and message set of spec
// §6.1: a 4-byte big-endian length prefix followed by a tagged payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID tags the payload kind, mirroring the teacher's protocol
// package but extended with the spec's explicit serve-side denial tag.
type MessageID uint8

const (
	MessageChoke MessageID = iota
	MessageUnchoke
	MessageInterested
	MessageNotInterested
	MessageHave
	MessageBitfield
	MessageRequest
	MessagePiece
	MessageChoked // serve-side denial sentinel, spec §6.1
)

const (
	maxPayloadSize = 32 * 1024 * 1024 // defensive cap against a hostile length prefix
	keepAlive      = 0
)

var (
	ErrShortMessage    = errors.New("wire: message too short for its id")
	ErrOversizedFrame  = errors.New("wire: frame exceeds maximum payload size")
	ErrUnknownMsgID    = errors.New("wire: unknown message id")
	ErrBadRequestField = errors.New("wire: malformed REQUEST payload")
	ErrBadPieceField   = errors.New("wire: malformed PIECE payload")
)

// Message is a single parsed wire-protocol frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// A keep-alive frame has no ID: ReadMessage returns a nil *Message for a
// zero-length frame and WriteMessage writes one when given nil, so
// Message.ID is only meaningful for non-keepalive frames.

func MessageChokeMsg() *Message         { return &Message{ID: MessageChoke} }
func MessageUnchokeMsg() *Message       { return &Message{ID: MessageUnchoke} }
func MessageInterestedMsg() *Message    { return &Message{ID: MessageInterested} }
func MessageNotInterestedMsg() *Message { return &Message{ID: MessageNotInterested} }

func MessageHaveMsg(blockID uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, blockID)
	return &Message{ID: MessageHave, Payload: p}
}

func MessageBitfieldMsg(packed []byte) *Message {
	return &Message{ID: MessageBitfield, Payload: append([]byte(nil), packed...)}
}

// MessageRequestMsg encodes block_id and requester_id per spec §6.1.
func MessageRequestMsg(blockID uint32, requesterID string) *Message {
	p := make([]byte, 4+len(requesterID))
	binary.BigEndian.PutUint32(p[:4], blockID)
	copy(p[4:], requesterID)
	return &Message{ID: MessageRequest, Payload: p}
}

func MessagePieceMsg(blockID uint32, bytes []byte) *Message {
	p := make([]byte, 4+len(bytes))
	binary.BigEndian.PutUint32(p[:4], blockID)
	copy(p[4:], bytes)
	return &Message{ID: MessagePiece, Payload: p}
}

func MessageChokedMsg(blockID uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, blockID)
	return &Message{ID: MessageChoked, Payload: p}
}

// ParseHave extracts the block id from a HAVE payload.
func ParseHave(m *Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, ErrShortMessage
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParseRequest extracts block_id and requester_id from a REQUEST payload.
func ParseRequest(m *Message) (blockID uint32, requesterID string, err error) {
	if len(m.Payload) < 4 {
		return 0, "", ErrBadRequestField
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), string(m.Payload[4:]), nil
}

// ParsePiece extracts block_id and bytes from a PIECE payload.
func ParsePiece(m *Message) (blockID uint32, data []byte, err error) {
	if len(m.Payload) < 4 {
		return 0, nil, ErrBadPieceField
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), m.Payload[4:], nil
}

// ParseChoked extracts the denied block id from a CHOKED payload.
func ParseChoked(m *Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, ErrShortMessage
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// MarshalBinary implements encoding.BinaryMarshaler: <id:1><payload...>.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1+len(m.Payload))
	buf[0] = byte(m.ID)
	copy(buf[1:], m.Payload)
	return buf, nil
}

// UnmarshalBinary parses <id:1><payload...> into m.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrShortMessage
	}
	m.ID = MessageID(data[0])
	m.Payload = append([]byte(nil), data[1:]...)
	return nil
}

// WriteMessage frames and writes m (or a keep-alive when m is nil) to w.
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}

	body, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadMessage reads one frame from r. A nil Message with a nil error
// signals a keep-alive (zero-length frame).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == keepAlive {
		return nil, nil
	}
	if length > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	m := &Message{}
	if err := m.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return m, nil
}
