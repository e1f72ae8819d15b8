package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/auth"
	"chatrelay/config"
)

type Server struct {
	config   *ServerConfig
	registry *Registry
	handler  *Handler
	acceptor Acceptor
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	addr   net.Addr
}

type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	MaxSessions  int
	WriteTimeout time.Duration
	Verifier     auth.Verifier
}

func New(store Store, cfg *ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(logger)
	handler := NewHandler(store, registry, cfg.Verifier, logger)

	var acceptor Acceptor
	switch cfg.Mode {
	case config.ModeThreaded, "":
		acceptor = NewThreadedAcceptor(handler, cfg.MaxSessions, cfg.WriteTimeout, logger)
	case config.ModeEventLoop:
		acceptor = NewEventLoopAcceptor(handler, logger)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownMode, cfg.Mode)
	}

	return &Server{
		config:   cfg,
		registry: registry,
		handler:  handler,
		acceptor: acceptor,
		logger:   logger,
	}, nil
}

// Start listens on the configured address and serves until ctx is cancelled
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the configured acceptor on ln. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("chat relay started", "addr", ln.Addr().String(), "mode", s.mode())
	err := s.acceptor.Serve(ctx, ln)
	s.logger.Info("chat relay stopped")
	return err
}

// Shutdown stops accepting and closes every connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	conns := s.registry.Snapshot()
	remotes := make([]string, 0, len(conns))
	for _, c := range conns {
		remotes = append(remotes, c.RemoteAddr())
	}

	return "connections=" + strconv.Itoa(len(conns)) +
		",mode=" + s.mode() +
		",remotes=" + strings.Join(remotes, ";")
}

func (s *Server) mode() string {
	if s.config.Mode == "" {
		return config.ModeThreaded
	}
	return s.config.Mode
}
