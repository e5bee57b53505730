package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/orchestrator"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
	"github.com/sentinelstack/sentinel-engine/internal/sysinfo"
)

// QueueRepairer covers the queue operations remediation needs.
type QueueRepairer interface {
	GetActive(ctx context.Context, queueName string) ([]queue.Job, error)
	GetFailedIDs(ctx context.Context, queueName string, limit int64) ([]string, error)
	Retry(ctx context.Context, queueName, id string) error
	MoveToFailed(ctx context.Context, queueName, id, reason string) error
	CleanCompleted(ctx context.Context, queueName string, retention time.Duration) (int64, error)
}

// CacheFlusher clears the shared cache under memory pressure.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}

// WorkerManager restarts worker processes through the orchestrator.
type WorkerManager interface {
	ListWorkers(ctx context.Context) ([]orchestrator.Worker, error)
	RestartWorker(ctx context.Context, workerID string) error
}

// ObjectJanitor removes stale upload artifacts from object storage.
type ObjectJanitor interface {
	RemoveStaleUploads(ctx context.Context, maxAge time.Duration) (int, error)
	AbortStaleMultipartUploads(ctx context.Context, maxAge time.Duration) (int, error)
}

// AuditSink persists recovery attempts.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec models.AuditRecord) error
}

// AlertSender delivers the post-recovery notification.
type AlertSender interface {
	SendAlert(ctx context.Context, alert models.Alert) error
}

// Engine executes the remediation catalog for a degraded system. At most one
// recovery runs at a time; concurrent callers get a skip result.
type Engine struct {
	logger *slog.Logger
	cfg    config.RecoveryConfig
	queues []config.QueueConfig

	queueRepair QueueRepairer
	cache       CacheFlusher
	workers     WorkerManager
	objects     ObjectJanitor
	audit       AuditSink
	alerts      AlertSender

	// Overridable in tests.
	memoryPct func() (float64, error)

	inProgress atomic.Bool
}

func NewEngine(
	logger *slog.Logger,
	cfg config.RecoveryConfig,
	queues []config.QueueConfig,
	queueRepair QueueRepairer,
	cacheFlusher CacheFlusher,
	workers WorkerManager,
	objects ObjectJanitor,
	audit AuditSink,
	alerts AlertSender,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:      logger,
		cfg:         cfg,
		queues:      queues,
		queueRepair: queueRepair,
		cache:       cacheFlusher,
		workers:     workers,
		objects:     objects,
		audit:       audit,
		alerts:      alerts,
		memoryPct:   sysinfo.ProcessMemoryPct,
	}
}

// InProgress reports whether a recovery is currently running.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// HandleSystemDegradation runs remediation for every failing area in the
// given status, in the fixed order queues, memory, disk. If another recovery
// is already running it returns a skip result without touching anything. The
// guard is always released, including when a remediation step panics.
func (e *Engine) HandleSystemDegradation(ctx context.Context, status models.HealthStatus) models.RecoveryResult {
	if !e.inProgress.CompareAndSwap(false, true) {
		metrics.RecordRecovery(metrics.OutcomeSkipped)
		return models.RecoveryResult{
			Success:      false,
			ActionsTaken: []string{"Recovery already in progress"},
		}
	}
	defer e.inProgress.Store(false)

	e.logger.Info("starting system recovery", slog.String("trigger_status", string(status.Status)))
	start := time.Now()

	var actions []string
	allOK := true

	if names := failingQueues(status); len(names) > 0 {
		stepActions, ok := e.remediateQueues(ctx, names)
		actions = append(actions, stepActions...)
		allOK = allOK && ok
	}
	if componentFailing(status, "memory") {
		stepActions, ok := e.remediateMemory(ctx)
		actions = append(actions, stepActions...)
		allOK = allOK && ok
	}
	if componentFailing(status, "disk") {
		stepActions, ok := e.remediateDisk(ctx)
		actions = append(actions, stepActions...)
		allOK = allOK && ok
	}

	result := models.RecoveryResult{
		Success:      allOK,
		ActionsTaken: actions,
		Details: map[string]any{
			"trigger_status": string(status.Status),
			"duration_ms":    time.Since(start).Milliseconds(),
		},
	}

	outcome := metrics.OutcomeSuccess
	if !allOK {
		outcome = metrics.OutcomeFailure
	}
	metrics.RecordRecovery(outcome)

	e.persistAndNotify(ctx, status, result)

	e.logger.Info("system recovery finished",
		slog.Bool("success", result.Success),
		slog.Int("actions", len(result.ActionsTaken)),
	)
	return result
}

// persistAndNotify records the audit trail and sends the outcome alert. Both
// are best-effort: a failure here is logged and never alters the result.
func (e *Engine) persistAndNotify(ctx context.Context, status models.HealthStatus, result models.RecoveryResult) {
	if e.audit != nil {
		rec := models.AuditRecord{
			ID:            uuid.NewString(),
			TriggerStatus: status.Status,
			Actions:       result.ActionsTaken,
			Success:       result.Success,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.audit.RecordAudit(ctx, rec); err != nil {
			e.logger.Warn("failed to persist recovery audit", slog.Any("error", err))
		}
	}

	if e.alerts != nil {
		severity := models.AlertSeverityInfo
		if !result.Success {
			severity = models.AlertSeverityWarning
		}
		alert := models.Alert{
			ID:       uuid.NewString(),
			Severity: severity,
			Type:     "recovery_completed",
			Message:  fmt.Sprintf("recovery finished, success=%v", result.Success),
			Context: map[string]any{
				"trigger_status": string(status.Status),
				"actions_taken":  result.ActionsTaken,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := e.alerts.SendAlert(ctx, alert); err != nil {
			e.logger.Warn("failed to send recovery alert", slog.Any("error", err))
		}
	}
}

// runStep executes one remediation sub-step, converting both errors and
// panics into a failure message. It never throws.
func (e *Engine) runStep(area, name string, fn func() (string, error)) (action string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("remediation step panicked",
				slog.String("area", area),
				slog.String("step", name),
				slog.Any("panic", r),
			)
			metrics.RecordStepFailure(area)
			action = fmt.Sprintf("%s failed: panic: %v", name, r)
			ok = false
		}
	}()

	msg, err := fn()
	if err != nil {
		e.logger.Warn("remediation step failed",
			slog.String("area", area),
			slog.String("step", name),
			slog.Any("error", err),
		)
		metrics.RecordStepFailure(area)
		return fmt.Sprintf("%s failed: %v", name, err), false
	}
	return msg, true
}

// failingQueues lists queue names whose component is not healthy, in the
// configured order so remediation is deterministic.
func failingQueues(status models.HealthStatus) []string {
	var names []string
	for name, component := range status.Components {
		if !strings.HasPrefix(name, "queue:") {
			continue
		}
		if component.Status != models.StatusHealthy {
			names = append(names, strings.TrimPrefix(name, "queue:"))
		}
	}
	sort.Strings(names)
	return names
}

func componentFailing(status models.HealthStatus, name string) bool {
	component, ok := status.Component(name)
	return ok && component.Status != models.StatusHealthy
}
