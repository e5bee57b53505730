package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/store"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

// handleHealthz is the liveness endpoint: it reports on the process itself,
// not on downstream dependencies.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth runs a fresh probe cycle. Degraded still serves 200 since the
// system is functioning; only unhealthy flips the status code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.CheckHealth(r.Context())
	code := http.StatusOK
	if status.Status == models.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"history": s.health.History(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.metrics.Summary(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshots) {
			s.writeError(w, http.StatusServiceUnavailable, "metrics unavailable: no snapshots recorded yet")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	windowParam := r.URL.Query().Get("window")
	if windowParam == "" {
		windowParam = "1h"
	}
	window, err := utils.ParseWindow(windowParam)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agg, err := s.metrics.PerformanceMetrics(r.Context(), window)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshots) {
			s.writeError(w, http.StatusServiceUnavailable, "metrics unavailable: no snapshots in window")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"window":          windowParam,
		"cpu_avg_pct":     agg.CPUUsagePct,
		"memory_avg_pct":  agg.MemoryUsagePct,
		"disk_avg_pct":    agg.DiskUsagePct,
		"connections_avg": agg.ConnectionCount,
		"samples":         agg.Samples,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.metrics.QueueMetrics(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.AlertFilter{
		Severity: models.AlertSeverity(query.Get("severity")),
		Type:     query.Get("type"),
	}
	if since := query.Get("since"); since != "" {
		t, err := utils.ParseRFC3339(since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Since = t
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleRecoveryRun checks health and, when anything is failing, runs the
// remediation catalog synchronously. A concurrent run yields 409.
func (s *Server) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
	if s.recovery.InProgress() {
		s.writeError(w, http.StatusConflict, "recovery already in progress")
		return
	}

	status := s.health.CheckHealth(r.Context())
	if status.Status == models.StatusHealthy {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  status.Status,
			"message": "system healthy, nothing to recover",
		})
		return
	}

	result := s.recovery.HandleSystemDegradation(r.Context(), status)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": status.Status,
		"result": result,
	})
}
