package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/store"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

type fakeHealth struct {
	status  models.HealthStatus
	history []models.HealthStatus
}

func (f *fakeHealth) CheckHealth(ctx context.Context) models.HealthStatus { return f.status }
func (f *fakeHealth) History() []models.HealthStatus                      { return f.history }

type fakeMetrics struct {
	summary    models.MetricsSummary
	summaryErr error
	perf       store.SnapshotAggregate
	perfErr    error
	queues     map[string]models.QueueMetrics
}

func (f *fakeMetrics) Summary(ctx context.Context) (models.MetricsSummary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeMetrics) PerformanceMetrics(ctx context.Context, window time.Duration) (store.SnapshotAggregate, error) {
	return f.perf, f.perfErr
}

func (f *fakeMetrics) QueueMetrics(ctx context.Context) (map[string]models.QueueMetrics, error) {
	return f.queues, nil
}

type fakeRecovery struct {
	inProgress bool
	result     models.RecoveryResult
	calls      int
}

func (f *fakeRecovery) HandleSystemDegradation(ctx context.Context, status models.HealthStatus) models.RecoveryResult {
	f.calls++
	return f.result
}

func (f *fakeRecovery) InProgress() bool { return f.inProgress }

type fakeAlerts struct {
	alerts []models.Alert
	filter models.AlertFilter
}

func (f *fakeAlerts) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	f.filter = filter
	return f.alerts, nil
}

type serverFixture struct {
	srv      *Server
	health   *fakeHealth
	metrics  *fakeMetrics
	recovery *fakeRecovery
	alerts   *fakeAlerts
	tracker  *utils.LatencyTracker
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		health: &fakeHealth{status: models.HealthStatus{
			Status:     models.StatusHealthy,
			Components: map[string]models.ComponentHealth{"database": {Status: models.StatusHealthy}},
			Timestamp:  time.Now(),
		}},
		metrics:  &fakeMetrics{},
		recovery: &fakeRecovery{result: models.RecoveryResult{Success: true}},
		alerts:   &fakeAlerts{},
		tracker:  utils.NewLatencyTracker(64),
	}
	f.srv = NewServer(nil, config.DefaultConfig().Server, f.health, f.metrics, f.recovery, f.alerts, f.tracker)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status models.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != models.StatusHealthy {
		t.Errorf("unexpected status %s", status.Status)
	}
}

func TestHealthEndpointUnhealthyIs503(t *testing.T) {
	f := newServerFixture()
	f.health.status.Status = models.StatusUnhealthy
	rec := f.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthEndpointDegradedIs200(t *testing.T) {
	f := newServerFixture()
	f.health.status.Status = models.StatusDegraded
	rec := f.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded should still serve 200, got %d", rec.Code)
	}
}

func TestSummaryNoSnapshotsIs503(t *testing.T) {
	f := newServerFixture()
	f.metrics.summaryErr = utils.NewAppError("aggregator.Summary", "no snapshots recorded yet", store.ErrNoSnapshots)
	rec := f.do(t, http.MethodGet, "/api/v1/metrics/summary")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPerformanceWindowParsing(t *testing.T) {
	f := newServerFixture()
	f.metrics.perf = store.SnapshotAggregate{CPUUsagePct: 42, Samples: 10}

	rec := f.do(t, http.MethodGet, "/api/v1/metrics/performance?window=2d")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["cpu_avg_pct"] != 42.0 {
		t.Errorf("cpu_avg_pct = %v", body["cpu_avg_pct"])
	}

	rec = f.do(t, http.MethodGet, "/api/v1/metrics/performance?window=banana")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window should 400, got %d", rec.Code)
	}
}

func TestAlertsFilterParsing(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodGet, "/api/v1/alerts?severity=critical&type=recovery_failed&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.alerts.filter.Severity != models.AlertSeverityCritical {
		t.Errorf("severity filter not applied: %+v", f.alerts.filter)
	}
	if f.alerts.filter.Type != "recovery_failed" || f.alerts.filter.Limit != 5 {
		t.Errorf("filter fields wrong: %+v", f.alerts.filter)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/alerts?since=not-a-time")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since should 400, got %d", rec.Code)
	}
}

func TestRecoveryRunHealthySkips(t *testing.T) {
	f := newServerFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/recovery/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.recovery.calls != 0 {
		t.Errorf("healthy system should not trigger remediation")
	}
}

func TestRecoveryRunUnhealthyExecutes(t *testing.T) {
	f := newServerFixture()
	f.health.status.Status = models.StatusDegraded
	rec := f.do(t, http.MethodPost, "/api/v1/recovery/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.recovery.calls != 1 {
		t.Errorf("expected one remediation run, got %d", f.recovery.calls)
	}
}

func TestRecoveryRunConflictWhenInProgress(t *testing.T) {
	f := newServerFixture()
	f.recovery.inProgress = true
	rec := f.do(t, http.MethodPost, "/api/v1/recovery/run")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if f.recovery.calls != 0 {
		t.Errorf("conflicting run must not invoke remediation")
	}
}

func TestLatencyMiddlewareFeedsTracker(t *testing.T) {
	f := newServerFixture()
	f.do(t, http.MethodGet, "/healthz")
	f.do(t, http.MethodGet, "/healthz")
	if f.tracker.Count() != 2 {
		t.Errorf("tracker should have 2 samples, got %d", f.tracker.Count())
	}
}
