// Package server exposes the node's HTTP surface: agent routing, relay
// pickup, inbound federation, and peer exchange, plus an admin listener for
// metrics and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/config"
	"github.com/23blocks-OS/ai-maestro-amp/internal/directory"
	"github.com/23blocks-OS/ai-maestro-amp/internal/federation"
	"github.com/23blocks-OS/ai-maestro-amp/internal/peers"
	"github.com/23blocks-OS/ai-maestro-amp/internal/relay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/routing"
)

// Options wires the server's dependencies.
type Options struct {
	Config     config.Config
	Log        *zap.Logger
	Agents     *directory.Directory
	Queue      *relay.Queue
	Engine     *routing.Engine
	Gateway    *federation.Gateway
	Peers      *peers.Directory
	Propagator *peers.Propagator
	Version    string
}

// Server hosts the node's HTTP listeners.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	agents     *directory.Directory
	queue      *relay.Queue
	engine     *routing.Engine
	gateway    *federation.Gateway
	peers      *peers.Directory
	propagator *peers.Propagator
	version    string
	tailscale  bool

	metrics   *ampMetrics
	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// New constructs a server with its dependencies.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		cfg:        opts.Config,
		log:        opts.Log,
		agents:     opts.Agents,
		queue:      opts.Queue,
		engine:     opts.Engine,
		gateway:    opts.Gateway,
		peers:      opts.Peers,
		propagator: opts.Propagator,
		version:    opts.Version,
		tailscale:  opts.Config.Host.Tailscale,
	}
}

// Start boots the HTTP listeners and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newAMPMetrics(reg, s.queue.Depth)
	s.startAdminServer(reg)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddress,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", s.cfg.HTTPAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("http server stopped")
}
