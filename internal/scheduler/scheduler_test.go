package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/detector"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

type fakeCollector struct {
	snap models.MetricsSnapshot
	err  error
}

func (f *fakeCollector) Collect() (models.MetricsSnapshot, error) {
	return f.snap, f.err
}

type fakeProber struct {
	status models.HealthStatus
}

func (f *fakeProber) CheckHealth(ctx context.Context) models.HealthStatus {
	return f.status
}

type fakeRecoverer struct {
	result models.RecoveryResult
	calls  int
}

func (f *fakeRecoverer) HandleSystemDegradation(ctx context.Context, status models.HealthStatus) models.RecoveryResult {
	f.calls++
	return f.result
}

type fakeSource struct {
	summary    models.MetricsSummary
	summaryErr error
	queues     map[string]models.QueueMetrics
}

func (f *fakeSource) Summary(ctx context.Context) (models.MetricsSummary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeSource) QueueMetrics(ctx context.Context) (map[string]models.QueueMetrics, error) {
	return f.queues, nil
}

type fakeSink struct {
	mu        sync.Mutex
	snapshots []models.MetricsSnapshot
	alerts    []models.Alert
	series    map[string][]float64
	attempts  int
	failures  int
	alertErr  error
}

func (f *fakeSink) AppendSnapshot(ctx context.Context, snap models.MetricsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeSink) SnapshotSeries(ctx context.Context, metric string, window time.Duration) ([]float64, error) {
	return f.series[metric], nil
}

func (f *fakeSink) RecoveryStats(ctx context.Context, since time.Time) (int, int, error) {
	return f.attempts, f.failures, nil
}

func (f *fakeSink) InsertAlert(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.alertErr
}

type fakeChannel struct {
	mu      sync.Mutex
	alerts  []models.Alert
	reports []models.HealthReport
	err     error
}

func (f *fakeChannel) SendAlert(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.err
}

func (f *fakeChannel) SendReport(ctx context.Context, report models.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return f.err
}

func (f *fakeChannel) alertsOfType(alertType string) []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Alert
	for _, a := range f.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

type fakeScaler struct {
	requests map[string]int
	err      error
}

func (f *fakeScaler) RequestScale(ctx context.Context, queueName string, workers int) error {
	if f.err != nil {
		return f.err
	}
	if f.requests == nil {
		f.requests = make(map[string]int)
	}
	f.requests[queueName] = workers
	return nil
}

type fixture struct {
	sched     *Scheduler
	cfg       *config.Config
	collector *fakeCollector
	prober    *fakeProber
	recoverer *fakeRecoverer
	source    *fakeSource
	sink      *fakeSink
	channel   *fakeChannel
	scaler    *fakeScaler
}

func newFixture() *fixture {
	cfg := config.DefaultConfig()
	f := &fixture{
		cfg: &cfg,
		collector: &fakeCollector{snap: models.MetricsSnapshot{
			Timestamp:      time.Now(),
			CPUUsagePct:    20,
			MemoryUsagePct: 30,
			DiskUsagePct:   40,
		}},
		prober:    &fakeProber{status: healthyStatus()},
		recoverer: &fakeRecoverer{result: models.RecoveryResult{Success: true}},
		source:    &fakeSource{},
		sink:      &fakeSink{series: map[string][]float64{}},
		channel:   &fakeChannel{},
		scaler:    &fakeScaler{},
	}
	f.sched = New(nil, &cfg, f.collector, f.prober, f.recoverer, f.source,
		detector.New(cfg.Detector), f.sink, f.channel, f.scaler, nil)
	return f
}

func healthyStatus() models.HealthStatus {
	return models.HealthStatus{
		Status: models.StatusHealthy,
		Components: map[string]models.ComponentHealth{
			"database": {Status: models.StatusHealthy},
		},
		Timestamp: time.Now(),
	}
}

func unhealthyStatus() models.HealthStatus {
	return models.HealthStatus{
		Status: models.StatusUnhealthy,
		Components: map[string]models.ComponentHealth{
			"queue:notifications": {Status: models.StatusUnhealthy},
		},
		Timestamp: time.Now(),
	}
}

func TestFastCycleHealthy(t *testing.T) {
	f := newFixture()
	f.sched.FastCycle(context.Background())

	if f.recoverer.calls != 0 {
		t.Errorf("healthy status must not trigger recovery")
	}
	if len(f.sink.snapshots) != 1 {
		t.Errorf("expected 1 persisted snapshot, got %d", len(f.sink.snapshots))
	}
	if len(f.channel.alerts) != 0 {
		t.Errorf("no alerts expected, got %v", f.channel.alerts)
	}
}

func TestFastCycleTriggersRecovery(t *testing.T) {
	f := newFixture()
	f.prober.status = unhealthyStatus()
	f.sched.FastCycle(context.Background())

	if f.recoverer.calls != 1 {
		t.Fatalf("expected recovery call, got %d", f.recoverer.calls)
	}
	if len(f.channel.alerts) != 0 {
		t.Errorf("successful recovery must not escalate, got %v", f.channel.alerts)
	}
}

func TestFastCycleEscalatesFailedRecovery(t *testing.T) {
	f := newFixture()
	f.prober.status = unhealthyStatus()
	f.recoverer.result = models.RecoveryResult{
		Success:      false,
		ActionsTaken: []string{"retry failed jobs failed: redis timeout"},
	}
	f.sched.FastCycle(context.Background())

	escalations := f.channel.alertsOfType("recovery_failed")
	if len(escalations) != 1 {
		t.Fatalf("expected exactly 1 escalation, got %d", len(escalations))
	}
	alert := escalations[0]
	if alert.Severity != models.AlertSeverityCritical {
		t.Errorf("recovery failure should be critical, got %s", alert.Severity)
	}
	if alert.Context["trigger_status"] != "unhealthy" {
		t.Errorf("escalation must carry the trigger status: %v", alert.Context)
	}
	if len(f.sink.alerts) != 1 {
		t.Errorf("escalation should also be persisted")
	}
}

func TestFastCycleEarlyWarningDespiteHealthyStatus(t *testing.T) {
	f := newFixture()
	f.collector.snap.CPUUsagePct = 95
	f.sched.FastCycle(context.Background())

	if f.recoverer.calls != 0 {
		t.Errorf("early warning path must not invoke recovery")
	}
	warnings := f.channel.alertsOfType("resource_threshold")
	if len(warnings) != 1 {
		t.Fatalf("expected 1 resource warning, got %v", f.channel.alerts)
	}
	if warnings[0].Context["resource"] != "cpu" {
		t.Errorf("warning should target cpu: %v", warnings[0].Context)
	}
}

func TestFastCycleQueueThresholds(t *testing.T) {
	f := newFixture()
	f.source.queues = map[string]models.QueueMetrics{
		"notifications": {Waiting: 1500, Completed: 50, Failed: 50, ErrorRate: 0.5},
		"reports":       {Waiting: 5, Completed: 100},
	}
	f.sched.FastCycle(context.Background())

	if len(f.channel.alertsOfType("queue_backlog")) != 1 {
		t.Errorf("expected 1 backlog warning, got %v", f.channel.alerts)
	}
	if len(f.channel.alertsOfType("queue_error_rate")) != 1 {
		t.Errorf("expected 1 error-rate warning, got %v", f.channel.alerts)
	}
}

func TestFastCycleNotificationFailureDoesNotMaskRecovery(t *testing.T) {
	f := newFixture()
	f.prober.status = unhealthyStatus()
	f.recoverer.result = models.RecoveryResult{Success: false}
	f.channel.err = fmt.Errorf("webhook 503")

	// Must not panic; the failure is logged and the cycle completes.
	f.sched.FastCycle(context.Background())
	if f.recoverer.calls != 1 {
		t.Errorf("recovery should still have run")
	}
}

func TestMediumCycleDetectsResponseTimeAnomaly(t *testing.T) {
	f := newFixture()
	f.source.queues = map[string]models.QueueMetrics{"notifications": {}}

	// Feed a stable series, then a spike on the final fast cycle.
	latencies := []float64{100, 102, 98, 101, 100, 500}
	i := 0
	f.sched.latencyP95 = func() float64 { v := latencies[i]; i++; return v }
	for range latencies {
		f.sched.FastCycle(context.Background())
	}

	f.sched.MediumCycle(context.Background())
	anomalies := f.channel.alertsOfType("anomaly_detected")
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly alert, got %v", f.channel.alerts)
	}
	if anomalies[0].Context["metric_type"] != "response_time" {
		t.Errorf("anomaly should target response_time: %v", anomalies[0].Context)
	}
}

func TestMediumCycleForecastBreach(t *testing.T) {
	f := newFixture()
	f.source.summary = models.MetricsSummary{
		CPU: models.MetricTrend{Current: 70},
	}
	// Steady climb whose smoothed projection crosses the cpu threshold of 80.
	f.sink.series["cpu"] = []float64{88, 86, 89, 90, 91, 92}

	f.sched.MediumCycle(context.Background())
	breaches := f.channel.alertsOfType("forecast_breach")
	if len(breaches) != 1 {
		t.Fatalf("expected 1 forecast alert, got %v", f.channel.alerts)
	}
	if breaches[0].Context["metric"] != "cpu" {
		t.Errorf("forecast should target cpu: %v", breaches[0].Context)
	}
}

func TestMediumCycleScalesSystematicBacklog(t *testing.T) {
	f := newFixture()
	f.cfg.Queues = []config.QueueConfig{{Name: "notifications", Class: "short", Workers: 2}}
	for _, backlog := range []int64{50, 100, 150, 200, 250, 300, 350, 400, 450, 500} {
		f.sched.detector.ObserveBacklog("notifications", backlog)
	}

	f.sched.MediumCycle(context.Background())
	workers, ok := f.scaler.requests["notifications"]
	if !ok {
		t.Fatal("expected a scale request")
	}
	if workers <= 2 {
		t.Errorf("scale request should exceed current workers, got %d", workers)
	}
}

func TestMediumCycleSkipsWithoutSummary(t *testing.T) {
	f := newFixture()
	f.source.summaryErr = fmt.Errorf("no snapshots recorded yet")

	f.sched.MediumCycle(context.Background())
	if len(f.channel.alerts) != 0 || len(f.scaler.requests) != 0 {
		t.Errorf("cycle should be a no-op without a summary")
	}
}

func TestReportCycle(t *testing.T) {
	f := newFixture()
	f.sink.attempts = 4
	f.sink.failures = 1
	f.source.queues = map[string]models.QueueMetrics{"notifications": {Waiting: 2}}

	f.prober.status = healthyStatus()
	f.sched.FastCycle(context.Background())
	f.prober.status = unhealthyStatus()
	f.sched.FastCycle(context.Background())

	f.sched.ReportCycle(context.Background())
	if len(f.channel.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(f.channel.reports))
	}
	report := f.channel.reports[0]
	if report.HealthyCycles != 1 || report.UnhealthyCycles != 1 {
		t.Errorf("cycle counters wrong: %+v", report)
	}
	if report.RecoveryAttempts != 4 || report.RecoveryFailures != 1 {
		t.Errorf("recovery stats wrong: %+v", report)
	}
	if report.CurrentStatus != models.StatusUnhealthy {
		t.Errorf("report should carry the latest status, got %s", report.CurrentStatus)
	}

	// Counters reset after the report is cut.
	f.sched.ReportCycle(context.Background())
	second := f.channel.reports[1]
	if second.HealthyCycles != 0 || second.UnhealthyCycles != 0 {
		t.Errorf("cycle counters should reset: %+v", second)
	}
}

func TestRunCycleIsolatesPanic(t *testing.T) {
	f := newFixture()
	f.sched.runCycle(context.Background(), "fast", func(ctx context.Context) {
		panic("cycle blew up")
	})
	// Reaching here is the assertion.
}
