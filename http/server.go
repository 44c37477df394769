// Package http serves the prediction endpoint, a health probe and the
// prediction websocket stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cropcast/config"
)

// StreamPath upgrades to a websocket that receives every successful run.
const StreamPath = "/ml/api/v1.0/stream"

// Hub is the websocket side of the server.
type Hub interface {
	http.Handler
	Clients() int
}

type ServerConfig struct {
	Addr           string
	Mode           string
	Timeout        time.Duration
	AllowedOrigins []string

	Runner   Runner
	Snapshot Snapshot
	Models   ModelStatus
	Hub      Hub
	Metrics  http.Handler
	Logger   *zap.Logger
}

type Server struct {
	server *http.Server
	log    *zap.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch cfg.Mode {
	case config.ModeOnDemand:
		if cfg.Runner == nil {
			return nil, errors.New("http: on_demand mode needs a runner")
		}
	case config.ModeCached:
		if cfg.Snapshot == nil {
			return nil, errors.New("http: cached mode needs a snapshot")
		}
	default:
		return nil, fmt.Errorf("http: unknown mode %q", cfg.Mode)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	log := cfg.Logger.Named("http")

	h := &handlers{
		mode:     cfg.Mode,
		runner:   cfg.Runner,
		snapshot: cfg.Snapshot,
		models:   cfg.Models,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		started:  time.Now(),
		log:      log,
	}
	mux := http.NewServeMux()
	h.register(mux)

	chain := Chain(
		RecoveryMiddleware(log),
		LoggerMiddleware(log),
		SecurityHeadersMiddleware,
		CORSMiddleware(cfg.AllowedOrigins),
		TimeoutMiddleware(cfg.Timeout),
	)

	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           chain(mux),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: log,
	}, nil
}

// Handler exposes the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving on the configured address until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests for up to five seconds.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.log.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}
