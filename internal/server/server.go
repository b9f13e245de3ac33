// Package server exposes the gateways over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/ops-gateway/internal/config"
	"github.com/workspace/ops-gateway/internal/gateway"
)

// Gateway is one WebSocket endpoint.
type Gateway interface {
	Name() string
	Serve(ws *websocket.Conn)
	Run(ctx context.Context) error
	Close()
	Stats() gateway.Stats
}

// Server is the operations gateway HTTP server.
type Server struct {
	config     *config.Config
	gateways   map[string]Gateway
	order      []string
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        *slog.Logger
}

// New wires the gateways onto an HTTP mux. Prometheus collectors are
// registered on a fresh registry served at /metrics.
func New(cfg *config.Config, deps gateway.Deps) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if deps.Telemetry == nil {
		deps.Telemetry = gateway.NewTelemetry(registry)
	}

	opts := gateway.OptionsFromConfig(cfg)
	s := &Server{
		config:   cfg,
		gateways: make(map[string]Gateway),
		registry: registry,
		log:      slog.Default().With("component", "server"),
	}
	s.upgrader = s.createUpgrader()

	s.mount("/ws/containers", gateway.NewContainerGateway(opts, deps))
	s.mount("/ws/logs", gateway.NewEventsGateway(opts, deps))
	s.mount("/ws/terminal", gateway.NewTerminalGateway(opts, deps))
	s.mount("/ws/metrics", gateway.NewMetricsGateway(opts, deps))

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would also bound hijacked WebSocket
	// connections, which are long-lived.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

func (s *Server) mount(path string, gw Gateway) {
	s.gateways[path] = gw
	s.order = append(s.order, path)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	for _, path := range s.order {
		mux.HandleFunc("GET "+path, s.handleWebSocket(s.gateways[path]))
	}
}

// Run serves HTTP on ln and drives every gateway until ctx is cancelled, then
// shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Starting operations gateway", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, path := range s.order {
		gw := s.gateways[path]
		g.Go(func() error { return gw.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	})

	return g.Wait()
}

// ListenAndRun listens on the configured address and calls Run.
func (s *Server) ListenAndRun(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Run(ctx, ln)
}

// Stop closes every gateway concurrently and then shuts the HTTP server down.
// Each gateway waits at most the shutdown timeout for its connections.
func (s *Server) Stop(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, path := range s.order {
		gw := s.gateways[path]
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.Close()
		}()
	}
	wg.Wait()
	err := s.httpServer.Shutdown(ctx)
	s.log.Info("Operations gateway stopped")
	return err
}

// Stats returns each gateway's session counts keyed by gateway name.
func (s *Server) Stats() map[string]gateway.Stats {
	out := make(map[string]gateway.Stats, len(s.gateways))
	for _, gw := range s.gateways {
		out[gw.Name()] = gw.Stats()
	}
	return out
}
