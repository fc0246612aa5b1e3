// Package metrics exposes the swarm's operational counters over
// Prometheus' text format (SPEC_FULL.md domain expansion: observability
// surface), independent of the wire protocol itself.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge the engine updates as it runs.
type Registry struct {
	BlocksOwned      prometheus.Gauge
	BlocksTotal      prometheus.Gauge
	BytesDownloaded  prometheus.Counter
	BytesUploaded    prometheus.Counter
	PeersConnected   prometheus.Gauge
	UnchokeSetSize   prometheus.Gauge
	RequestsFailed   prometheus.Counter
	RequestsTimedOut prometheus.Counter
	BadHashBlocks    prometheus.Counter
	TrackerErrors    prometheus.Counter

	reg *prometheus.Registry
}

// New builds a private registry (not the global default one, so multiple
// engines in the same process never collide on metric names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		BlocksOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpeer", Name: "blocks_owned", Help: "Number of blocks currently held on disk.",
		}),
		BlocksTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpeer", Name: "blocks_total", Help: "Total number of blocks in the file descriptor.",
		}),
		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "bytes_downloaded_total", Help: "Total PIECE payload bytes received.",
		}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "bytes_uploaded_total", Help: "Total PIECE payload bytes sent.",
		}),
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpeer", Name: "peers_connected", Help: "Number of peers with an established connection.",
		}),
		UnchokeSetSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmpeer", Name: "unchoke_set_size", Help: "Current size of the regular unchoke set.",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "requests_failed_total", Help: "REQUESTs answered with CHOKED.",
		}),
		RequestsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "requests_timed_out_total", Help: "REQUESTs that never received a PIECE within the timeout.",
		}),
		BadHashBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "bad_hash_blocks_total", Help: "Blocks rejected for failing SHA-1 verification.",
		}),
		TrackerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmpeer", Name: "tracker_errors_total", Help: "Failed tracker register/get_peers attempts.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until ctx is canceled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
