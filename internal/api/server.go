package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/store"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

// HealthService runs probes and serves past results.
type HealthService interface {
	CheckHealth(ctx context.Context) models.HealthStatus
	History() []models.HealthStatus
}

// MetricsService serves rolling metric views.
type MetricsService interface {
	Summary(ctx context.Context) (models.MetricsSummary, error)
	PerformanceMetrics(ctx context.Context, window time.Duration) (store.SnapshotAggregate, error)
	QueueMetrics(ctx context.Context) (map[string]models.QueueMetrics, error)
}

// RecoveryService triggers a manual recovery run.
type RecoveryService interface {
	HandleSystemDegradation(ctx context.Context, status models.HealthStatus) models.RecoveryResult
	InProgress() bool
}

// AlertReader lists persisted alerts.
type AlertReader interface {
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
}

// Server is the HTTP control surface for the engine.
type Server struct {
	logger   *slog.Logger
	health   HealthService
	metrics  MetricsService
	recovery RecoveryService
	alerts   AlertReader
	tracker  *utils.LatencyTracker
	router   *mux.Router
	httpSrv  *http.Server
}

func NewServer(
	logger *slog.Logger,
	cfg config.ServerConfig,
	health HealthService,
	metricsSvc MetricsService,
	recovery RecoveryService,
	alerts AlertReader,
	tracker *utils.LatencyTracker,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		health:   health,
		metrics:  metricsSvc,
		recovery: recovery,
		alerts:   alerts,
		tracker:  tracker,
	}
	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.latencyMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/history", s.handleHealthHistory).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/summary", s.handleSummary).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/performance", s.handlePerformance).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/queues", s.handleQueues).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/recovery/run", s.handleRecoveryRun).Methods(http.MethodPost)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// latencyMiddleware feeds every request's duration into the shared tracker
// backing the summary's API latency percentiles.
func (s *Server) latencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.tracker != nil {
			s.tracker.Observe(time.Since(start))
		}
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
