package tracker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"

	"github.com/prxssh/swarmpeer/internal/logging"
)

func TestRegisterSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			t.Fatalf("expected /register, got %s", r.URL.Path)
		}
		var req registerRequest
		if err := bencode.Unmarshal(r.Body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.PeerID != "peer-1" {
			t.Fatalf("expected peer-1, got %s", req.PeerID)
		}
		var buf bytes.Buffer
		bencode.Marshal(&buf, registerReply{OK: 1})
		io.Copy(w, &buf)
	}))
	defer srv.Close()

	log := logging.New(io.Discard, slog.LevelInfo)
	c, err := New(srv.URL, "peer-1", "127.0.0.1", 6881, 10, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Register(context.Background(), []byte{0xff}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !c.IsRegistered() {
		t.Fatalf("expected IsRegistered to be true after success")
	}
}

func TestGetPeersFiltersSelf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bencode.Marshal(&buf, getPeersReply{Peers: []wirePeer{
			{PeerID: "peer-1", Host: "1.1.1.1", Port: 1},
			{PeerID: "peer-2", Host: "2.2.2.2", Port: 2},
		}})
		io.Copy(w, &buf)
	}))
	defer srv.Close()

	log := logging.New(io.Discard, slog.LevelInfo)
	c, err := New(srv.URL, "peer-1", "127.0.0.1", 6881, 10, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	peers, err := c.GetPeers(context.Background())
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "peer-2" {
		t.Fatalf("expected only peer-2, got %+v", peers)
	}
}

func TestRegisterFailureReasonIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bencode.Marshal(&buf, registerReply{FailureReason: "swarm full"})
		io.Copy(w, &buf)
	}))
	defer srv.Close()

	log := logging.New(io.Discard, slog.LevelInfo)
	c, err := New(srv.URL, "peer-1", "127.0.0.1", 6881, 10, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Register(context.Background(), nil); err == nil {
		t.Fatalf("expected an error from a failure-reason reply")
	}
}
