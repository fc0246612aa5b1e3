package wire

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	msg := MessageRequestMsg(42, "peer-a")

	body, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := got.UnmarshalBinary(body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	blockID, requester, err := ParseRequest(&got)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if blockID != 42 || requester != "peer-a" {
		t.Fatalf("got block=%d requester=%q", blockID, requester)
	}
}

func TestPieceRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	msg := MessagePieceMsg(7, payload)

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	blockID, data, err := ParsePiece(got)
	if err != nil {
		t.Fatalf("parse piece: %v", err)
	}
	if blockID != 7 || !bytes.Equal(data, payload) {
		t.Fatalf("round trip mismatch: block=%d data=%q", blockID, data)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read keepalive: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil message for keep-alive, got %+v", got)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestChokedSentinel(t *testing.T) {
	msg := MessageChokedMsg(3)
	blockID, err := ParseChoked(msg)
	if err != nil {
		t.Fatalf("parse choked: %v", err)
	}
	if blockID != 3 {
		t.Fatalf("got block=%d want 3", blockID)
	}
}
