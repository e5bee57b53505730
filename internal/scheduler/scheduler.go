package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/detector"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/store"
)

// seriesWindow bounds the in-memory response-time and error-rate series fed
// to the detector each medium cycle.
const seriesWindow = 60

// Collector samples current system resource usage.
type Collector interface {
	Collect() (models.MetricsSnapshot, error)
}

// HealthChecker runs the full probe fan-out.
type HealthChecker interface {
	CheckHealth(ctx context.Context) models.HealthStatus
}

// Recoverer executes remediation for a degraded status.
type Recoverer interface {
	HandleSystemDegradation(ctx context.Context, status models.HealthStatus) models.RecoveryResult
}

// MetricsSource provides rolling summaries and queue counters.
type MetricsSource interface {
	Summary(ctx context.Context) (models.MetricsSummary, error)
	QueueMetrics(ctx context.Context) (map[string]models.QueueMetrics, error)
}

// SnapshotSink covers the store operations the scheduler drives.
type SnapshotSink interface {
	AppendSnapshot(ctx context.Context, snap models.MetricsSnapshot) error
	SnapshotSeries(ctx context.Context, metric string, window time.Duration) ([]float64, error)
	RecoveryStats(ctx context.Context, since time.Time) (attempts, failures int, err error)
	InsertAlert(ctx context.Context, alert models.Alert) error
}

// AlertChannel delivers alerts and reports to operators.
type AlertChannel interface {
	SendAlert(ctx context.Context, alert models.Alert) error
	SendReport(ctx context.Context, report models.HealthReport) error
}

// Scaler requests worker pool resizing.
type Scaler interface {
	RequestScale(ctx context.Context, queueName string, workers int) error
}

// Scheduler drives the three monitoring cadences. Each cadence body is fault
// isolated: a panic or error in one cycle is logged and the next tick runs
// normally.
type Scheduler struct {
	logger *slog.Logger
	cfg    *config.Config

	collector Collector
	prober    HealthChecker
	recovery  Recoverer
	source    MetricsSource
	detector  *detector.Detector
	sink      SnapshotSink
	notifier  AlertChannel
	scaler    Scaler

	mu              sync.Mutex
	responseTimes   []float64
	errorRates      []float64
	lastStatus      models.HealthStatus
	healthyCycles   int
	degradedCycles  int
	unhealthyCycles int

	startedAt time.Time

	// Reads the latest API p95 for the response-time series.
	latencyP95 func() float64
}

func New(
	logger *slog.Logger,
	cfg *config.Config,
	collector Collector,
	prober HealthChecker,
	recovery Recoverer,
	source MetricsSource,
	det *detector.Detector,
	sink SnapshotSink,
	notifier AlertChannel,
	scaler Scaler,
	latencyP95 func() float64,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if latencyP95 == nil {
		latencyP95 = func() float64 { return 0 }
	}
	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		collector:  collector,
		prober:     prober,
		recovery:   recovery,
		source:     source,
		detector:   det,
		sink:       sink,
		notifier:   notifier,
		scaler:     scaler,
		startedAt:  time.Now(),
		latencyP95: latencyP95,
	}
}

// Run blocks until ctx is cancelled, driving all three cadences.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	cadences := []struct {
		name     string
		interval time.Duration
		body     func(ctx context.Context)
	}{
		{"fast", s.cfg.Scheduler.FastInterval, s.FastCycle},
		{"medium", s.cfg.Scheduler.MediumInterval, s.MediumCycle},
		{"report", s.cfg.Scheduler.ReportInterval, s.ReportCycle},
	}

	for _, cadence := range cadences {
		wg.Add(1)
		go func(name string, interval time.Duration, body func(ctx context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runCycle(ctx, name, body)
				}
			}
		}(cadence.name, cadence.interval, cadence.body)
	}
	wg.Wait()
}

// runCycle isolates one cadence tick; a panic is logged, never propagated.
func (s *Scheduler) runCycle(ctx context.Context, name string, body func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitoring cycle panicked",
				slog.String("cycle", name),
				slog.Any("panic", r),
			)
		}
	}()
	body(ctx)
}

// FastCycle samples resources, checks health, triggers recovery when needed,
// and sweeps early-warning thresholds even when overall health is fine.
func (s *Scheduler) FastCycle(ctx context.Context) {
	snap, snapErr := s.collector.Collect()
	if snapErr != nil {
		s.logger.Warn("resource sample failed", slog.Any("error", snapErr))
	} else if err := s.sink.AppendSnapshot(ctx, snap); err != nil {
		s.logger.Warn("failed to persist snapshot", slog.Any("error", err))
	}

	status := s.prober.CheckHealth(ctx)
	s.recordCycle(status)

	if status.Status != models.StatusHealthy {
		result := s.recovery.HandleSystemDegradation(ctx, status)
		if !result.Success {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityCritical,
				Type:     "recovery_failed",
				Message:  "automated recovery did not fully succeed",
				Context: map[string]any{
					"trigger_status": string(status.Status),
					"actions_taken":  result.ActionsTaken,
					"details":        result.Details,
				},
			})
		}
	}

	if snapErr == nil {
		s.sweepResourceThresholds(ctx, snap)
	}
	s.sweepQueueThresholds(ctx)
}

// MediumCycle runs statistical detection and the resource forecast.
func (s *Scheduler) MediumCycle(ctx context.Context) {
	summary, err := s.source.Summary(ctx)
	if err != nil {
		s.logger.Warn("metrics summary unavailable", slog.Any("error", err))
		return
	}

	s.detectSeriesAnomalies(ctx)
	s.forecastResources(ctx, summary)
	s.scaleSystematicBacklogs(ctx)
}

// ReportCycle assembles and dispatches the daily health digest.
func (s *Scheduler) ReportCycle(ctx context.Context) {
	report := s.buildReport(ctx)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendReport(ctx, report); err != nil {
		s.logger.Warn("failed to dispatch health report", slog.Any("error", err))
	}
}

func (s *Scheduler) recordCycle(status models.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
	switch status.Status {
	case models.StatusUnhealthy:
		s.unhealthyCycles++
	case models.StatusDegraded:
		s.degradedCycles++
	default:
		s.healthyCycles++
	}
}

// sweepResourceThresholds is the early-warning path: it fires targeted
// warnings on raw usage regardless of what the probes concluded.
func (s *Scheduler) sweepResourceThresholds(ctx context.Context, snap models.MetricsSnapshot) {
	thresholds := s.cfg.Thresholds
	checks := []struct {
		name      string
		value     float64
		threshold float64
	}{
		{"cpu", snap.CPUUsagePct, thresholds.CPUUsagePct},
		{"memory", snap.MemoryUsagePct, thresholds.MemoryUsagePct},
		{"disk", snap.DiskUsagePct, thresholds.DiskUsagePct},
	}
	for _, check := range checks {
		if check.value > check.threshold {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityWarning,
				Type:     "resource_threshold",
				Message:  fmt.Sprintf("%s usage %.1f%% exceeds threshold %.1f%%", check.name, check.value, check.threshold),
				Context: map[string]any{
					"resource":  check.name,
					"value":     check.value,
					"threshold": check.threshold,
				},
			})
		}
	}
}

// sweepQueueThresholds reads per-queue counters, feeds the detector's backlog
// windows, appends to the medium-cycle series, and fires targeted warnings on
// backlog depth and error rate.
func (s *Scheduler) sweepQueueThresholds(ctx context.Context) {
	queues, err := s.source.QueueMetrics(ctx)
	if err != nil {
		s.logger.Warn("queue threshold sweep skipped", slog.Any("error", err))
		return
	}

	var worstErrorRate float64
	for name, q := range queues {
		s.detector.ObserveBacklog(name, q.Backlog())
		if q.ErrorRate > worstErrorRate {
			worstErrorRate = q.ErrorRate
		}

		if q.Backlog() > s.cfg.Thresholds.QueueLength {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityWarning,
				Type:     "queue_backlog",
				Message:  fmt.Sprintf("queue %s backlog %d exceeds threshold %d", name, q.Backlog(), s.cfg.Thresholds.QueueLength),
				Context:  map[string]any{"queue": name, "backlog": q.Backlog()},
			})
		}
		if q.ErrorRate > s.cfg.Thresholds.ErrorRate {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityWarning,
				Type:     "queue_error_rate",
				Message:  fmt.Sprintf("queue %s error rate %.2f exceeds threshold %.2f", name, q.ErrorRate, s.cfg.Thresholds.ErrorRate),
				Context:  map[string]any{"queue": name, "error_rate": q.ErrorRate},
			})
		}
	}

	s.mu.Lock()
	s.responseTimes = appendBounded(s.responseTimes, s.latencyP95(), seriesWindow)
	s.errorRates = appendBounded(s.errorRates, worstErrorRate, seriesWindow)
	s.mu.Unlock()
}

// detectSeriesAnomalies judges the newest response-time and error-rate
// samples against their trailing series.
func (s *Scheduler) detectSeriesAnomalies(ctx context.Context) {
	s.mu.Lock()
	responseTimes := append([]float64(nil), s.responseTimes...)
	errorRates := append([]float64(nil), s.errorRates...)
	s.mu.Unlock()

	for _, series := range []struct {
		metric string
		values []float64
	}{
		{"response_time", responseTimes},
		{"error_rate", errorRates},
	} {
		if len(series.values) < 2 {
			continue
		}
		current := series.values[len(series.values)-1]
		historical := series.values[:len(series.values)-1]
		if anomaly := s.detector.Detect(series.metric, current, historical); anomaly != nil {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityWarning,
				Type:     "anomaly_detected",
				Message:  fmt.Sprintf("%s %.2f deviates from baseline", anomaly.MetricType, anomaly.CurrentValue),
				Context: map[string]any{
					"metric_type":       anomaly.MetricType,
					"current_value":     anomaly.CurrentValue,
					"historical_series": anomaly.HistoricalSeries,
				},
			})
		}
	}
}

// forecastResources projects cpu, memory, and disk usage and warns before a
// threshold is actually breached.
func (s *Scheduler) forecastResources(ctx context.Context, summary models.MetricsSummary) {
	forecasts := []struct {
		metric    string
		threshold float64
		current   float64
	}{
		{"cpu", s.cfg.Thresholds.CPUUsagePct, summary.CPU.Current},
		{"memory", s.cfg.Thresholds.MemoryUsagePct, summary.Memory.Current},
		{"disk", s.cfg.Thresholds.DiskUsagePct, summary.Disk.Current},
	}
	for _, f := range forecasts {
		series, err := s.sink.SnapshotSeries(ctx, f.metric, 24*time.Hour)
		if err != nil {
			s.logger.Warn("forecast series unavailable",
				slog.String("metric", f.metric),
				slog.Any("error", err),
			)
			continue
		}
		projected := s.detector.Forecast(series)
		if projected > f.threshold && f.current <= f.threshold {
			s.escalate(ctx, models.Alert{
				Severity: models.AlertSeverityWarning,
				Type:     "forecast_breach",
				Message:  fmt.Sprintf("%s usage projected to reach %.1f%%, threshold %.1f%%", f.metric, projected, f.threshold),
				Context: map[string]any{
					"metric":    f.metric,
					"projected": projected,
					"current":   f.current,
					"threshold": f.threshold,
				},
			})
		}
	}
}

// scaleSystematicBacklogs asks the orchestrator for more workers on queues
// whose backlog growth is sustained rather than a one-off spike.
func (s *Scheduler) scaleSystematicBacklogs(ctx context.Context) {
	if s.scaler == nil {
		return
	}
	for _, q := range s.cfg.Queues {
		pattern := s.detector.AnalyzeQueuePatterns(q.Name, q.Workers)
		if !pattern.IsSystematic || pattern.RecommendedWorkers <= q.Workers {
			continue
		}
		if err := s.scaler.RequestScale(ctx, q.Name, pattern.RecommendedWorkers); err != nil {
			s.logger.Warn("scale request failed",
				slog.String("queue", q.Name),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Info("requested worker scaling",
			slog.String("queue", q.Name),
			slog.Int("workers", pattern.RecommendedWorkers),
			slog.Int64("backlog", pattern.LatestBacklog),
		)
	}
}

func (s *Scheduler) buildReport(ctx context.Context) models.HealthReport {
	s.mu.Lock()
	report := models.HealthReport{
		GeneratedAt:     time.Now().UTC(),
		Uptime:          time.Since(s.startedAt),
		CurrentStatus:   s.lastStatus.Status,
		HealthyCycles:   s.healthyCycles,
		DegradedCycles:  s.degradedCycles,
		UnhealthyCycles: s.unhealthyCycles,
	}
	s.healthyCycles, s.degradedCycles, s.unhealthyCycles = 0, 0, 0
	s.mu.Unlock()

	if report.CurrentStatus == "" {
		report.CurrentStatus = models.StatusHealthy
	}

	if summary, err := s.source.Summary(ctx); err == nil {
		report.Summary = summary
	} else if !isNoSnapshots(err) {
		s.logger.Warn("report summary unavailable", slog.Any("error", err))
	}
	if queues, err := s.source.QueueMetrics(ctx); err == nil {
		report.Queues = queues
	}
	if attempts, failures, err := s.sink.RecoveryStats(ctx, report.GeneratedAt.Add(-24*time.Hour)); err == nil {
		report.RecoveryAttempts = attempts
		report.RecoveryFailures = failures
	} else {
		s.logger.Warn("recovery stats unavailable", slog.Any("error", err))
	}
	return report
}

// escalate persists and delivers one operator alert. Both halves are
// best-effort so a broken alert path never masks the original issue.
func (s *Scheduler) escalate(ctx context.Context, alert models.Alert) {
	alert.ID = uuid.NewString()
	alert.CreatedAt = time.Now().UTC()
	metrics.RecordEscalation()

	if s.sink != nil {
		if err := s.sink.InsertAlert(ctx, alert); err != nil {
			s.logger.Warn("failed to persist alert", slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.SendAlert(ctx, alert); err != nil {
			s.logger.Warn("failed to deliver alert",
				slog.String("type", alert.Type),
				slog.Any("error", err),
			)
		}
	}
}

func appendBounded(series []float64, v float64, max int) []float64 {
	series = append(series, v)
	if len(series) > max {
		series = series[len(series)-max:]
	}
	return series
}

func isNoSnapshots(err error) bool {
	return errors.Is(err, store.ErrNoSnapshots)
}
