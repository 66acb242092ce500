package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Timer metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeflow_transitions_total",
			Help: "Timer operations by operation and outcome",
		},
		[]string{"op", "result"}, // result: applied, ignored, rejected
	)

	TimerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeflow_timer_running",
			Help: "1 while the timer is running, 0 otherwise",
		},
	)

	ElapsedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeflow_elapsed_seconds",
			Help: "Elapsed seconds of the current session",
		},
	)

	TotalElapsedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeflow_total_elapsed_seconds",
			Help: "Elapsed seconds accumulated since the last reset",
		},
	)

	// Persistence metrics
	SavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeflow_saves_total",
			Help: "Timer state writes by tier and result",
		},
		[]string{"tier", "result"}, // result: ok, error
	)

	SaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timeflow_save_duration_seconds",
			Help:    "Duration of a save including the primary tier write",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Accuracy metrics
	DriftSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeflow_drift_seconds",
			Help: "Drift measured by the last accuracy check",
		},
	)

	AccuracyWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeflow_accuracy_warnings_total",
			Help: "Accuracy checks that exceeded the drift tolerance",
		},
	)

	ClockJumps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeflow_clock_jumps_total",
			Help: "Wall-clock jumps detected between accuracy checks",
		},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeflow_recoveries_total",
			Help: "Startup recovery decisions",
		},
		[]string{"decision"},
	)

	// Notification metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeflow_events_published_total",
			Help: "Notifications published by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeflow_api_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TransitionsTotal,
		TimerRunning,
		ElapsedSeconds,
		TotalElapsedSeconds,
		SavesTotal,
		SaveDuration,
		DriftSeconds,
		AccuracyWarnings,
		ClockJumps,
		RecoveriesTotal,
		EventsPublished,
		APIRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	health   func() error
}

// NewServer creates a new metrics server. health is consulted by /health;
// nil means always healthy.
func NewServer(addr string, health func() error, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
		health: health,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
