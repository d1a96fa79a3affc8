package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_cycles_success_total",
			Help: "Total number of successful service cycles",
		},
		[]string{"service"},
	)

	cyclesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_cycles_failed_total",
			Help: "Total number of failed service cycles",
		},
		[]string{"service"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigbrotr_errors_total",
			Help: "Total number of typed errors by kind",
		},
		[]string{"service", "kind"},
	)

	consecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bigbrotr_consecutive_failures",
			Help: "Failed cycles in a row; resets to zero on success",
		},
		[]string{"service"},
	)

	lastCycleTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bigbrotr_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle",
		},
		[]string{"service"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bigbrotr_cycle_duration_seconds",
			Help:    "Service cycle duration in seconds",
			Buckets: prometheus.ExponentialBucketsRange(1, 3600, 10),
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(cyclesSuccess)
	prometheus.MustRegister(cyclesFailed)
	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(consecutiveFailures)
	prometheus.MustRegister(lastCycleTimestamp)
	prometheus.MustRegister(cycleDuration)
}

// Metrics is the cycle metrics handle scoped to one service name.
type Metrics struct {
	service string
}

// NewMetrics returns the metrics handle for the named service.
func NewMetrics(service string) *Metrics {
	return &Metrics{service: service}
}

// CycleSuccess records a successful cycle.
func (m *Metrics) CycleSuccess() {
	cyclesSuccess.WithLabelValues(m.service).Inc()
}

// CycleFailed records a failed cycle.
func (m *Metrics) CycleFailed() {
	cyclesFailed.WithLabelValues(m.service).Inc()
}

// Error records one typed error. Kind is a short stable string such as
// "transient_db" or "permanent_net".
func (m *Metrics) Error(kind string) {
	errorsTotal.WithLabelValues(m.service, kind).Inc()
}

// SetConsecutiveFailures publishes the current failure streak.
func (m *Metrics) SetConsecutiveFailures(n int) {
	consecutiveFailures.WithLabelValues(m.service).Set(float64(n))
}

// MarkCycle stamps the last-cycle gauge with the current time.
func (m *Metrics) MarkCycle() {
	lastCycleTimestamp.WithLabelValues(m.service).SetToCurrentTime()
}

// ObserveCycleDuration records one cycle duration.
func (m *Metrics) ObserveCycleDuration(elapsed time.Duration) {
	cycleDuration.WithLabelValues(m.service).Observe(elapsed.Seconds())
}

// MetricsServer exposes the Prometheus registry over HTTP for one service
// process.
type MetricsServer struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// StartMetricsServer starts the metrics endpoint described by cfg. It
// returns nil without error when the endpoint is disabled.
func StartMetricsServer(cfg MetricsConfig, logger *slog.Logger) *MetricsServer {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &MetricsServer{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}

	go func() {
		logger.Info("metrics endpoint listening",
			slog.String("address", cfg.Addr()),
			slog.String("path", cfg.Path),
		)

		if err := server.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed",
				slog.String("address", cfg.Addr()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return server
}

// Shutdown stops the metrics endpoint, waiting for in-flight scrapes.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics endpoint shutdown failed: %w", err)
	}

	return nil
}
