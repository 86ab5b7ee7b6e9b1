// Package api provides the PeerMatch admin HTTP server.
//
// It exposes a health check, per-bucket pending counts and Prometheus
// metrics. Matching itself is driven by the broker, never over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/metrics"
	"github.com/BTreeMap/PeerMatch/internal/store"
)

// DefaultAddr is the admin listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight admin requests.
const shutdownTimeout = 5 * time.Second

// Opts holds configuration for the admin server.
type Opts struct {
	Addr string
}

// Option configures the admin server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server serves the admin endpoints.
type Server struct {
	addr  string
	store store.RequestStore
	mux   *http.ServeMux
}

// NewServer creates the admin server over st.
func NewServer(st store.RequestStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{addr: cfg.Addr, store: st, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/v1/pending", s.pendingHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	slog.Debug("Server.NewServer: routes registered", "addr", s.addr)
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: admin API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listen failed", "addr", s.addr, "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: admin API stopped")
	return nil
}
