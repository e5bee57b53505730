package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
	"github.com/sentinelstack/sentinel-engine/internal/sysinfo"
)

// DatabaseProber issues the relational store connectivity check.
type DatabaseProber interface {
	Probe(ctx context.Context) error
}

// CacheProber issues the cache round-trip check.
type CacheProber interface {
	Ping(ctx context.Context) error
}

// ObjectStorageProber issues the object storage existence check.
type ObjectStorageProber interface {
	Probe(ctx context.Context) error
}

// QueueStats reads raw counters for one queue.
type QueueStats interface {
	GetCounts(ctx context.Context, queueName string) (queue.Counts, error)
}

// Prober runs one probe per dependency concurrently and reduces the results
// into an aggregate HealthStatus.
type Prober struct {
	logger     *slog.Logger
	db         DatabaseProber
	cache      CacheProber
	storage    ObjectStorageProber
	queues     QueueStats
	queueNames []string

	thresholds   config.ThresholdConfig
	probeTimeout time.Duration
	diskPath     string

	// Overridable resource readers so tests can simulate pressure.
	memoryPct func() (float64, error)
	diskPct   func(path string) (float64, error)

	history *History
}

// NewProber wires the prober against its dependencies.
func NewProber(
	logger *slog.Logger,
	db DatabaseProber,
	cacheProber CacheProber,
	storage ObjectStorageProber,
	queues QueueStats,
	queueNames []string,
	thresholds config.ThresholdConfig,
	healthCfg config.HealthConfig,
) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := healthCfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		logger:       logger,
		db:           db,
		cache:        cacheProber,
		storage:      storage,
		queues:       queues,
		queueNames:   queueNames,
		thresholds:   thresholds,
		probeTimeout: timeout,
		diskPath:     healthCfg.DiskPath,
		memoryPct:    sysinfo.ProcessMemoryPct,
		diskPct:      sysinfo.DiskUsagePct,
		history:      NewHistory(healthCfg.HistorySize),
	}
}

type probeFunc func(ctx context.Context) models.ComponentHealth

// CheckHealth fans out all probes concurrently, waits for every one to finish
// or fail, and aggregates. No probe error escapes: a failed or panicking
// probe yields an unhealthy component, never an absent one.
func (p *Prober) CheckHealth(ctx context.Context) models.HealthStatus {
	probes := map[string]probeFunc{
		"database": p.roundTripProbe(func(ctx context.Context) error {
			if p.db == nil {
				return fmt.Errorf("database prober not configured")
			}
			return p.db.Probe(ctx)
		}),
		"cache": p.roundTripProbe(func(ctx context.Context) error {
			if p.cache == nil {
				return fmt.Errorf("cache prober not configured")
			}
			return p.cache.Ping(ctx)
		}),
		"memory": p.memoryProbe,
		"disk":   p.diskProbe,
	}
	// Object storage is an optional collaborator; without one there is
	// nothing to probe.
	if p.storage != nil {
		probes["storage"] = p.roundTripProbe(p.storage.Probe)
	}
	for _, name := range p.queueNames {
		probes["queue:"+name] = p.queueProbe(name)
	}

	results := make(map[string]models.ComponentHealth, len(probes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe probeFunc) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
			defer cancel()

			start := time.Now()
			result := p.runProbe(probeCtx, name, probe)
			elapsed := time.Since(start)
			result.ResponseTimeMs = elapsed.Milliseconds()
			metrics.ObserveProbe(name, elapsed)

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	overall := models.StatusHealthy
	for _, result := range results {
		overall = models.MaxSeverity(overall, result.Status)
	}

	status := models.HealthStatus{
		Status:     overall,
		Components: results,
		Timestamp:  time.Now().UTC(),
	}

	metrics.RecordHealthCheck(string(overall))
	p.history.Append(status)

	if overall != models.StatusHealthy {
		p.logger.Warn("health check degraded", slog.String("status", string(overall)))
	}
	return status
}

// History returns the capped, time-ordered log of past health statuses.
func (p *Prober) History() []models.HealthStatus {
	return p.history.Entries()
}

// runProbe isolates one probe: a panic inside it becomes an unhealthy result.
func (p *Prober) runProbe(ctx context.Context, name string, probe probeFunc) (result models.ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("probe panicked", slog.String("probe", name), slog.Any("panic", r))
			result = models.ComponentHealth{
				Status: models.StatusUnhealthy,
				Error:  fmt.Sprintf("probe panicked: %v", r),
			}
		}
	}()
	return probe(ctx)
}

// roundTripProbe classifies a binary reachable/unreachable dependency.
func (p *Prober) roundTripProbe(fn func(ctx context.Context) error) probeFunc {
	return func(ctx context.Context) models.ComponentHealth {
		if err := fn(ctx); err != nil {
			return models.ComponentHealth{
				Status: models.StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return models.ComponentHealth{Status: models.StatusHealthy}
	}
}

// queueProbe grades a queue on failure rate and backlog depth. Degraded kicks
// in at DegradedRatio of each unhealthy threshold.
func (p *Prober) queueProbe(queueName string) probeFunc {
	return func(ctx context.Context) models.ComponentHealth {
		counts, err := p.queues.GetCounts(ctx, queueName)
		if err != nil {
			return models.ComponentHealth{
				Status: models.StatusUnhealthy,
				Error:  err.Error(),
			}
		}

		errorRate := 0.0
		if finished := counts.Completed + counts.Failed; finished > 0 {
			errorRate = float64(counts.Failed) / float64(finished)
		}
		backlog := counts.Waiting + counts.Delayed

		status := models.StatusHealthy
		ratio := p.thresholds.DegradedRatio
		switch {
		case errorRate > p.thresholds.ErrorRate || backlog > p.thresholds.QueueLength:
			status = models.StatusUnhealthy
		case errorRate > p.thresholds.ErrorRate*ratio || float64(backlog) > float64(p.thresholds.QueueLength)*ratio:
			status = models.StatusDegraded
		}

		return models.ComponentHealth{
			Status: status,
			Details: map[string]any{
				"waiting":    counts.Waiting,
				"active":     counts.Active,
				"completed":  counts.Completed,
				"failed":     counts.Failed,
				"delayed":    counts.Delayed,
				"error_rate": errorRate,
			},
		}
	}
}

// memoryProbe grades process memory against soft/hard thresholds.
func (p *Prober) memoryProbe(ctx context.Context) models.ComponentHealth {
	pct, err := p.memoryPct()
	if err != nil {
		return models.ComponentHealth{Status: models.StatusUnhealthy, Error: err.Error()}
	}
	return p.gradeUsage(pct, p.thresholds.MemoryUsagePct)
}

// diskProbe grades filesystem usage against soft/hard thresholds.
func (p *Prober) diskProbe(ctx context.Context) models.ComponentHealth {
	pct, err := p.diskPct(p.diskPath)
	if err != nil {
		return models.ComponentHealth{Status: models.StatusUnhealthy, Error: err.Error()}
	}
	return p.gradeUsage(pct, p.thresholds.DiskUsagePct)
}

func (p *Prober) gradeUsage(pct, hard float64) models.ComponentHealth {
	soft := hard * p.thresholds.DegradedRatio
	status := models.StatusHealthy
	switch {
	case pct >= hard:
		status = models.StatusUnhealthy
	case pct >= soft:
		status = models.StatusDegraded
	}
	return models.ComponentHealth{
		Status:  status,
		Details: map[string]any{"usage_pct": pct},
	}
}
