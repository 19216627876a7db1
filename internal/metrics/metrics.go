package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Pressure metrics
	PressureCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windkeeper_pressure_current",
			Help: "Current effective pressure per companion",
		},
		[]string{"companion"},
	)

	UsageSecondsAccumulated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_usage_seconds_total",
			Help: "Monitored usage seconds accumulated",
		},
		[]string{"companion"},
	)

	// Break metrics
	BreaksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_breaks_started_total",
			Help: "Breaks started by kind",
		},
		[]string{"kind"},
	)

	BreaksEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_breaks_ended_total",
			Help: "Breaks ended by kind and success",
		},
		[]string{"kind", "success"},
	)

	// Lifecycle metrics
	CompanionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_companions_lost_total",
			Help: "Companions lost by reason",
		},
		[]string{"reason"},
	)

	// Event log metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_events_appended_total",
			Help: "Events appended to the event log by kind",
		},
		[]string{"kind"},
	)

	// Sync metrics
	SyncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windkeeper_sync_attempts_total",
			Help: "Reconciliation attempts by result",
		},
		[]string{"result"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windkeeper_sync_duration_seconds",
			Help:    "Reconciliation duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(
		PressureCurrent,
		UsageSecondsAccumulated,
		BreaksStarted,
		BreaksEnded,
		CompanionsLost,
		EventsAppended,
		SyncAttempts,
		SyncDuration,
	)
}

// Server is the metrics HTTP server.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (systemd socket activation)
}

// NewServer creates a new metrics server.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
