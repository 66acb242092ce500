// Package api exposes the timer engine to its host over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/timeflow/internal/accuracy"
	"github.com/goodtune/timeflow/internal/events"
	"github.com/goodtune/timeflow/internal/recovery"
	"github.com/goodtune/timeflow/internal/timer"
)

// Timer is the engine surface the API drives.
type Timer interface {
	SessionID() string
	Healthy() error
	Snapshot() timer.State
	Start(update timer.ContextUpdate) (timer.State, error)
	Stop() (timer.State, error)
	Pause() (timer.State, error)
	Resume() (timer.State, error)
	Reset() (timer.State, error)
	UpdateContext(update timer.ContextUpdate) (timer.State, error)
	Accuracy() accuracy.Metrics
	PendingRecovery() (recovery.Offer, bool)
	ApplyRecovery(policy recovery.Policy) (timer.State, error)
	Events(buffer int) (<-chan events.Event, func())
}

// Server is the control API HTTP server.
type Server struct {
	timer    Timer
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger

	// done is closed by Stop so open event streams end before Shutdown
	// waits on them.
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(addr string, t Timer, logger zerolog.Logger) *Server {
	s := &Server{
		timer:  t,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		done:   make(chan struct{}),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the event stream is long-lived. Ordinary
		// handlers finish well within ReadTimeout.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/timer", s.handleGetTimer).Methods("GET")
	s.router.HandleFunc("/api/timer/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/timer/stop", s.transition(s.timer.Stop)).Methods("POST")
	s.router.HandleFunc("/api/timer/pause", s.transition(s.timer.Pause)).Methods("POST")
	s.router.HandleFunc("/api/timer/resume", s.transition(s.timer.Resume)).Methods("POST")
	s.router.HandleFunc("/api/timer/reset", s.transition(s.timer.Reset)).Methods("POST")
	s.router.HandleFunc("/api/timer/context", s.handleUpdateContext).Methods("PATCH")
	s.router.HandleFunc("/api/timer/accuracy", s.handleAccuracy).Methods("GET")
	s.router.HandleFunc("/api/timer/recovery", s.handleGetRecovery).Methods("GET")
	s.router.HandleFunc("/api/timer/recovery", s.handleApplyRecovery).Methods("POST")
	s.router.HandleFunc("/api/events", s.handleEvents).Methods("GET")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	s.stopOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
