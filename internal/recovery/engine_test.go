package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/orchestrator"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
)

type fakeQueueRepair struct {
	mu        sync.Mutex
	failedIDs []string
	active    []queue.Job
	retried   []string
	moved     []string

	retryErr   error
	panicRetry bool
	blockRetry chan struct{}
	calls      int
}

func (f *fakeQueueRepair) GetActive(ctx context.Context, queueName string) ([]queue.Job, error) {
	return f.active, nil
}

func (f *fakeQueueRepair) GetFailedIDs(ctx context.Context, queueName string, limit int64) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockRetry != nil {
		<-f.blockRetry
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failedIDs...), nil
}

func (f *fakeQueueRepair) Retry(ctx context.Context, queueName, id string) error {
	if f.panicRetry {
		panic("redis client gone")
	}
	if f.retryErr != nil {
		return f.retryErr
	}
	f.mu.Lock()
	f.retried = append(f.retried, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueueRepair) MoveToFailed(ctx context.Context, queueName, id, reason string) error {
	f.mu.Lock()
	f.moved = append(f.moved, id)
	f.failedIDs = append(f.failedIDs, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueueRepair) CleanCompleted(ctx context.Context, queueName string, retention time.Duration) (int64, error) {
	return 3, nil
}

type fakeCache struct {
	flushed bool
	err     error
}

func (f *fakeCache) Flush(ctx context.Context) error {
	f.flushed = true
	return f.err
}

type fakeWorkers struct {
	workers   []orchestrator.Worker
	restarted []string
}

func (f *fakeWorkers) ListWorkers(ctx context.Context) ([]orchestrator.Worker, error) {
	return f.workers, nil
}

func (f *fakeWorkers) RestartWorker(ctx context.Context, workerID string) error {
	f.restarted = append(f.restarted, workerID)
	return nil
}

type fakeJanitor struct {
	removed, aborted int
	err              error
}

func (f *fakeJanitor) RemoveStaleUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.removed++
	return 2, nil
}

func (f *fakeJanitor) AbortStaleMultipartUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.aborted++
	return 1, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
}

func (f *fakeAudit) RecordAudit(ctx context.Context, rec models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (f *fakeAlerts) SendAlert(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.err
}

type engineFixture struct {
	engine  *Engine
	queues  *fakeQueueRepair
	cache   *fakeCache
	workers *fakeWorkers
	janitor *fakeJanitor
	audit   *fakeAudit
	alerts  *fakeAlerts
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Recovery.TempDir = t.TempDir()
	cfg.Recovery.LogDir = t.TempDir()

	f := &engineFixture{
		queues:  &fakeQueueRepair{},
		cache:   &fakeCache{},
		workers: &fakeWorkers{},
		janitor: &fakeJanitor{},
		audit:   &fakeAudit{},
		alerts:  &fakeAlerts{},
	}
	f.engine = NewEngine(nil, cfg.Recovery, cfg.Queues, f.queues, f.cache, f.workers, f.janitor, f.audit, f.alerts)
	f.engine.memoryPct = func() (float64, error) { return 90, nil }
	return f
}

func statusWith(components map[string]models.ComponentHealth) models.HealthStatus {
	overall := models.StatusHealthy
	for _, c := range components {
		overall = models.MaxSeverity(overall, c.Status)
	}
	return models.HealthStatus{Status: overall, Components: components, Timestamp: time.Now()}
}

func queueOnlyStatus() models.HealthStatus {
	return statusWith(map[string]models.ComponentHealth{
		"queue:notifications": {Status: models.StatusUnhealthy},
		"memory":              {Status: models.StatusHealthy},
		"disk":                {Status: models.StatusHealthy},
	})
}

func TestHandleSystemDegradationQueueOnly(t *testing.T) {
	f := newFixture(t)
	f.queues.failedIDs = []string{"1", "2"}

	result := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if len(f.queues.retried) != 2 {
		t.Errorf("expected 2 retried jobs, got %v", f.queues.retried)
	}
	if f.cache.flushed {
		t.Errorf("healthy memory must not trigger cache flush")
	}
	if f.janitor.removed != 0 {
		t.Errorf("healthy disk must not trigger upload cleanup")
	}
	for _, action := range result.ActionsTaken {
		if !strings.Contains(action, "notifications") && !strings.Contains(action, "jobs") {
			t.Errorf("unexpected non-queue action: %q", action)
		}
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(f.audit.records))
	}
	rec := f.audit.records[0]
	if rec.TriggerStatus != models.StatusUnhealthy || !rec.Success {
		t.Errorf("audit record fields wrong: %+v", rec)
	}
	if len(f.alerts.alerts) != 1 {
		t.Fatalf("expected exactly 1 outcome alert, got %d", len(f.alerts.alerts))
	}
}

func TestStuckJobRequeuedInOneRun(t *testing.T) {
	f := newFixture(t)
	f.queues.active = []queue.Job{
		{ID: "s1", Queue: "notifications", ProcessedOn: time.Now().Add(-2 * time.Hour)},
		{ID: "fresh", Queue: "notifications", ProcessedOn: time.Now()},
	}

	result := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if len(f.queues.moved) != 1 || f.queues.moved[0] != "s1" {
		t.Fatalf("only the stale job should move to failed, got %v", f.queues.moved)
	}
	retried := false
	for _, id := range f.queues.retried {
		if id == "s1" {
			retried = true
		}
	}
	if !retried {
		t.Errorf("stuck job must be retried in the same run, retried=%v", f.queues.retried)
	}
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.queues.blockRetry = make(chan struct{})

	first := make(chan models.RecoveryResult, 1)
	go func() {
		first <- f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	}()

	// Wait until the first run is inside a remediation step.
	deadline := time.Now().Add(2 * time.Second)
	for !f.engine.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("first recovery never started")
		}
		time.Sleep(time.Millisecond)
	}

	second := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if second.Success {
		t.Errorf("skip result must not report success")
	}
	if len(second.ActionsTaken) != 1 || second.ActionsTaken[0] != "Recovery already in progress" {
		t.Errorf("expected skip marker, got %v", second.ActionsTaken)
	}
	f.queues.mu.Lock()
	calls := f.queues.calls
	f.queues.mu.Unlock()
	if calls != 1 {
		t.Errorf("skipped run must not invoke remediation, calls=%d", calls)
	}

	close(f.queues.blockRetry)
	<-first

	if f.engine.InProgress() {
		t.Fatal("guard not released after completion")
	}
	f.queues.blockRetry = nil
	third := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if len(third.ActionsTaken) == 1 && third.ActionsTaken[0] == "Recovery already in progress" {
		t.Errorf("guard should admit a new run after release")
	}
}

func TestGuardReleasedAfterPanickingStep(t *testing.T) {
	f := newFixture(t)
	f.queues.failedIDs = []string{"1"}
	f.queues.panicRetry = true

	result := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if result.Success {
		t.Errorf("a panicking step must fail the run")
	}
	if f.engine.InProgress() {
		t.Fatal("guard stuck after panic")
	}
	found := false
	for _, action := range result.ActionsTaken {
		if strings.Contains(action, "panic") {
			found = true
		}
	}
	if !found {
		t.Errorf("panic should surface in actions: %v", result.ActionsTaken)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.queues.failedIDs = []string{"1"}
	f.queues.retryErr = fmt.Errorf("redis timeout")

	status := statusWith(map[string]models.ComponentHealth{
		"queue:notifications": {Status: models.StatusUnhealthy},
		"memory":              {Status: models.StatusDegraded},
		"disk":                {Status: models.StatusDegraded},
	})
	result := f.engine.HandleSystemDegradation(context.Background(), status)
	if result.Success {
		t.Fatalf("failed sub-step must fail the run: %+v", result)
	}

	var hasRetryFailure, hasStuck, hasMemory, hasDisk bool
	for _, action := range result.ActionsTaken {
		switch {
		case strings.Contains(action, "retry failed jobs failed"):
			hasRetryFailure = true
		case strings.Contains(action, "stuck"):
			hasStuck = true
		case strings.Contains(action, "cache") || strings.Contains(action, "workers"):
			hasMemory = true
		case strings.Contains(action, "uploads") || strings.Contains(action, "log files"):
			hasDisk = true
		}
	}
	if !hasRetryFailure {
		t.Errorf("failed step message missing: %v", result.ActionsTaken)
	}
	if !hasStuck || !hasMemory || !hasDisk {
		t.Errorf("remaining steps should still run: %v", result.ActionsTaken)
	}
}

func TestRemediationOrderQueuesMemoryDisk(t *testing.T) {
	f := newFixture(t)
	status := statusWith(map[string]models.ComponentHealth{
		"queue:notifications": {Status: models.StatusDegraded},
		"memory":              {Status: models.StatusUnhealthy},
		"disk":                {Status: models.StatusUnhealthy},
	})
	result := f.engine.HandleSystemDegradation(context.Background(), status)

	queueIdx, memIdx, diskIdx := -1, -1, -1
	for i, action := range result.ActionsTaken {
		switch {
		case strings.Contains(action, "failed jobs") && queueIdx == -1:
			queueIdx = i
		case strings.Contains(action, "cache") && memIdx == -1:
			memIdx = i
		case strings.Contains(action, "uploads") && diskIdx == -1:
			diskIdx = i
		}
	}
	if queueIdx == -1 || memIdx == -1 || diskIdx == -1 {
		t.Fatalf("missing area actions: %v", result.ActionsTaken)
	}
	if !(queueIdx < memIdx && memIdx < diskIdx) {
		t.Errorf("areas out of order (q=%d m=%d d=%d): %v", queueIdx, memIdx, diskIdx, result.ActionsTaken)
	}
}

func TestMemoryRemediation(t *testing.T) {
	f := newFixture(t)
	f.workers.workers = []orchestrator.Worker{
		{ID: "w1", MemoryRSSMB: 800},
		{ID: "w2", MemoryRSSMB: 100},
	}
	status := statusWith(map[string]models.ComponentHealth{
		"memory": {Status: models.StatusUnhealthy},
	})

	result := f.engine.HandleSystemDegradation(context.Background(), status)
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if !f.cache.flushed {
		t.Errorf("cache should flush above the hard threshold")
	}
	if len(f.workers.restarted) != 1 || f.workers.restarted[0] != "w1" {
		t.Errorf("only the heavy worker should restart, got %v", f.workers.restarted)
	}
}

func TestMemoryRemediationBelowHardThresholdSkipsFlush(t *testing.T) {
	f := newFixture(t)
	f.engine.memoryPct = func() (float64, error) { return 60, nil }
	status := statusWith(map[string]models.ComponentHealth{
		"memory": {Status: models.StatusDegraded},
	})

	result := f.engine.HandleSystemDegradation(context.Background(), status)
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if f.cache.flushed {
		t.Errorf("cache must not flush below the hard threshold")
	}
}

func TestAuditAndNotifyFailuresAreBestEffort(t *testing.T) {
	f := newFixture(t)
	f.audit.err = fmt.Errorf("postgres down")
	f.alerts.err = fmt.Errorf("webhook 503")

	result := f.engine.HandleSystemDegradation(context.Background(), queueOnlyStatus())
	if !result.Success {
		t.Fatalf("audit/notify failures must not flip success: %+v", result)
	}
}
