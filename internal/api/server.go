// Package api serves the launcher's HTTP interface: start a bot and wait
// for its room URL, query its status, list, and stop bots.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/randomizedcoder/go-bot-launcher/internal/process"
	"github.com/randomizedcoder/go-bot-launcher/internal/supervisor"
)

const (
	defaultRetryAfter = 5 * time.Second
	defaultMaxTimeout = 5 * time.Minute
)

// Launcher is the part of the supervisor the API drives.
type Launcher interface {
	StartAndAwaitResult(ctx context.Context, req supervisor.StartRequest) (supervisor.StartResult, error)
	Launch(req supervisor.StartRequest) (supervisor.StartResult, error)
	Status(pid int) (supervisor.StatusView, error)
	List() []supervisor.StatusView
	Terminate(ctx context.Context, pid int) error
	Remove(pid int) error
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string

	Launcher Launcher
	// Runner builds the command line for a room.
	Runner process.Runner
	Logger *slog.Logger

	// RetryAfter is advertised on 429 responses.
	RetryAfter time.Duration
	// MaxTimeout caps the per-request timeout parameter.
	MaxTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	launcher   Launcher
	runner     process.Runner
	logger     *slog.Logger
	retryAfter time.Duration
	maxTimeout time.Duration

	httpServer *http.Server
}

// NewServer creates an API server. Launcher and Runner are required.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("api: launcher is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("api: runner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:       cfg.Addr,
		launcher:   cfg.Launcher,
		runner:     cfg.Runner,
		logger:     logger,
		retryAfter: cfg.RetryAfter,
		maxTimeout: cfg.MaxTimeout,
	}
	if s.retryAfter <= 0 {
		s.retryAfter = defaultRetryAfter
	}
	if s.maxTimeout <= 0 {
		s.maxTimeout = defaultMaxTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HandleStart)
	mux.HandleFunc("POST /bots", s.HandleStart)
	mux.HandleFunc("GET /bots", s.HandleList)
	mux.HandleFunc("GET /bots/{pid}", s.HandleStatus)
	mux.HandleFunc("DELETE /bots/{pid}", s.HandleDelete)
	mux.HandleFunc("GET /status/{pid}", s.HandleStatus)
	mux.HandleFunc("GET /health", s.HandleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           recoveryMiddleware(logger, corsMiddleware(loggingMiddleware(logger, mux))),
		ReadHeaderTimeout: 10 * time.Second,
		// Starts block until the bot prints its URL.
		WriteTimeout: s.maxTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve listens and serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	s.logger.Info("api_server_starting", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("api_server_shutting_down")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}
