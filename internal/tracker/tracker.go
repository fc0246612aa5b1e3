// Package tracker implements the client side of the tracker protocol
// (spec §6.2): register and get_peers against a single HTTP tracker. There
// is no tracker server here and no multi-tier/UDP fallback — the spec
// scopes the swarm side to one announce URL per run.
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/prxssh/swarmpeer/internal/directory"
	"github.com/prxssh/swarmpeer/internal/retry"
)

const maxResponseSize = 1 << 20 // 1MB, defensive cap on tracker replies

// registerRequest mirrors spec §6.2's register call.
type registerRequest struct {
	PeerID      string `bencode:"peer_id"`
	Host        string `bencode:"host"`
	Port        int    `bencode:"port"`
	TotalBlocks int    `bencode:"total_blocks"`
	Bitfield    string `bencode:"bitfield"`
}

// registerReply is the tracker's acknowledgement, possibly carrying an
// advisory initial block assignment for bootstrapping (spec §9: this
// session treats it as advisory and does not act on it).
type registerReply struct {
	OK            int    `bencode:"ok"`
	FailureReason string `bencode:"failure reason"`
	InitialBlocks string `bencode:"initial_blocks"`
}

type getPeersRequest struct {
	PeerID string `bencode:"peer_id"`
}

type wirePeer struct {
	PeerID           string `bencode:"peer_id"`
	Host             string `bencode:"host"`
	Port             int    `bencode:"port"`
	AdvertisedBlocks string `bencode:"advertised_blocks"`
}

type getPeersReply struct {
	FailureReason string     `bencode:"failure reason"`
	Peers         []wirePeer `bencode:"peers"`
}

// Client announces to, and pulls peer lists from, a single HTTP tracker.
// It satisfies directory.TrackerClient.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	peerID      string
	host        string
	port        int
	totalBlocks int

	log *slog.Logger

	mu         sync.RWMutex
	registered bool
}

var _ directory.TrackerClient = (*Client)(nil)

// New builds a tracker client. peerID is the local swarm identity (spec
// §3); host/port are what this peer advertises as its own listen address.
func New(announceURL, peerID, host string, port, totalBlocks int, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	return &Client{
		baseURL:     u,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		peerID:      peerID,
		host:        host,
		port:        port,
		totalBlocks: totalBlocks,
		log:         log.With("component", "tracker"),
	}, nil
}

// Register announces this peer's presence and owned-block bitfield to the
// tracker (spec §6.2 register). Retries with exponential backoff since
// tracker unavailability is non-fatal (spec §4.2).
func (c *Client) Register(ctx context.Context, bitfield []byte) error {
	req := registerRequest{
		PeerID:      c.peerID,
		Host:        c.host,
		Port:        c.port,
		TotalBlocks: c.totalBlocks,
		Bitfield:    string(bitfield),
	}

	var reply registerReply
	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.post(ctx, "register", req)
		if err != nil {
			return err
		}
		defer r.Close()
		if decodeErr := bencode.Unmarshal(r, &reply); decodeErr != nil {
			return fmt.Errorf("tracker: decode register reply: %w", decodeErr)
		}
		if reply.FailureReason != "" {
			return fmt.Errorf("tracker: register failed: %s", reply.FailureReason)
		}
		return nil
	}, retry.WithExponentialBackoff(5, 200*time.Millisecond, 10*time.Second)...)
	if err != nil {
		c.log.Warn("register did not succeed after retries", "error", err)
		return err
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	if reply.InitialBlocks != "" {
		c.log.Debug("tracker returned an initial block assignment (advisory, ignored)", "len", len(reply.InitialBlocks))
	}
	return nil
}

// GetPeers asks the tracker for up to 50 other peers (spec §6.2
// get_peers). A tracker error is non-fatal: the caller keeps using the
// directory's last-known peer set (spec §4.2, §8 scenario 6).
func (c *Client) GetPeers(ctx context.Context) ([]directory.PeerHint, error) {
	req := getPeersRequest{PeerID: c.peerID}

	var reply getPeersReply
	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.post(ctx, "get_peers", req)
		if err != nil {
			return err
		}
		defer r.Close()
		if decodeErr := bencode.Unmarshal(r, &reply); decodeErr != nil {
			return fmt.Errorf("tracker: decode get_peers reply: %w", decodeErr)
		}
		if reply.FailureReason != "" {
			return fmt.Errorf("tracker: get_peers failed: %s", reply.FailureReason)
		}
		return nil
	}, retry.WithExponentialBackoff(3, 200*time.Millisecond, 5*time.Second)...)
	if err != nil {
		return nil, err
	}

	hints := make([]directory.PeerHint, 0, len(reply.Peers))
	for _, p := range reply.Peers {
		if p.PeerID == c.peerID {
			continue
		}
		hints = append(hints, directory.PeerHint{PeerID: p.PeerID, Host: p.Host, Port: p.Port})
	}
	return hints, nil
}

// post issues an HTTP POST to the tracker's <baseURL>/<op>, bencoding the
// request body, and returns the response body for the caller to decode
// and close.
func (c *Client) post(ctx context.Context, op string, payload any) (io.ReadCloser, error) {
	u := *c.baseURL
	u.Path = joinPath(u.Path, op)

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, payload); err != nil {
		return nil, fmt.Errorf("tracker: encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-bencode")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s request: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: %s returned status %d: %s", op, resp.StatusCode, msg)
	}
	return &limitedBody{io.LimitReader(resp.Body, maxResponseSize), resp.Body}, nil
}

func joinPath(base, op string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + op
	}
	return base + "/" + op
}

// limitedBody pairs a size-limited reader with the underlying body's
// Close, so callers get both bounded reads and proper connection reuse.
type limitedBody struct {
	io.Reader
	closer io.Closer
}

func (l *limitedBody) Close() error { return l.closer.Close() }

// IsRegistered reports whether Register has succeeded at least once.
func (c *Client) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}
