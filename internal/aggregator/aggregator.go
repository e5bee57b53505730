package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
	"github.com/sentinelstack/sentinel-engine/internal/store"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

// Below this magnitude an average is treated as zero to keep the trend
// division stable.
const trendEpsilon = 1e-4

// SnapshotStore reads persisted metrics snapshots.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error)
	WindowAverages(ctx context.Context, window time.Duration) (store.SnapshotAggregate, error)
}

// QueueStats reads raw counters for one queue.
type QueueStats interface {
	GetCounts(ctx context.Context, queueName string) (queue.Counts, error)
}

// Aggregator assembles rolling metric views from the snapshot store, the
// queue backend, and the in-process API latency tracker.
type Aggregator struct {
	logger     *slog.Logger
	store      SnapshotStore
	queues     QueueStats
	queueNames []string
	tracker    *utils.LatencyTracker
}

func New(logger *slog.Logger, snapshots SnapshotStore, queues QueueStats, queueNames []string) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger:     logger,
		store:      snapshots,
		queues:     queues,
		queueNames: queueNames,
		tracker:    utils.NewLatencyTracker(2048),
	}
}

// Tracker exposes the latency tracker so the HTTP layer can feed it.
func (a *Aggregator) Tracker() *utils.LatencyTracker {
	return a.tracker
}

// Summary builds the full rolling view: current snapshot values, hour and day
// averages with trends, load average, API latency percentiles, and per-queue
// counters. An empty snapshot table yields a typed error, not a zeroed summary.
func (a *Aggregator) Summary(ctx context.Context) (models.MetricsSummary, error) {
	const op = "aggregator.Summary"

	latest, err := a.store.LatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshots) {
			return models.MetricsSummary{}, utils.NewAppError(op, "no snapshots recorded yet", err)
		}
		return models.MetricsSummary{}, utils.NewAppError(op, "load latest snapshot", err)
	}

	hour, err := a.store.WindowAverages(ctx, time.Hour)
	if err != nil && !errors.Is(err, store.ErrNoSnapshots) {
		return models.MetricsSummary{}, utils.NewAppError(op, "hourly averages", err)
	}
	day, err := a.store.WindowAverages(ctx, 24*time.Hour)
	if err != nil && !errors.Is(err, store.ErrNoSnapshots) {
		return models.MetricsSummary{}, utils.NewAppError(op, "daily averages", err)
	}

	queues, err := a.QueueMetrics(ctx)
	if err != nil {
		// Queue counters are supplementary to the summary; a flaky queue
		// backend must not blank out the resource view.
		a.logger.Warn("queue metrics unavailable", slog.Any("error", err))
		queues = nil
	}

	return models.MetricsSummary{
		Timestamp:   latest.Timestamp,
		CPU:         buildTrend(latest.CPUUsagePct, hour.CPUUsagePct, day.CPUUsagePct),
		Memory:      buildTrend(latest.MemoryUsagePct, hour.MemoryUsagePct, day.MemoryUsagePct),
		Disk:        buildTrend(latest.DiskUsagePct, hour.DiskUsagePct, day.DiskUsagePct),
		Connections: buildTrend(float64(latest.ConnectionCount), hour.ConnectionCount, day.ConnectionCount),
		LoadAverage: latest.LoadAverage,
		APILatency: models.LatencyPercentiles{
			P50: a.tracker.PercentileMs(50),
			P95: a.tracker.PercentileMs(95),
			P99: a.tracker.PercentileMs(99),
		},
		Queues: queues,
	}, nil
}

// PerformanceMetrics returns column averages over an arbitrary trailing
// window, for ad-hoc inspection beyond the fixed hour/day summary windows.
func (a *Aggregator) PerformanceMetrics(ctx context.Context, window time.Duration) (store.SnapshotAggregate, error) {
	const op = "aggregator.PerformanceMetrics"
	agg, err := a.store.WindowAverages(ctx, window)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshots) {
			return store.SnapshotAggregate{}, utils.NewAppError(op, "no snapshots in window", err)
		}
		return store.SnapshotAggregate{}, utils.NewAppError(op, "window averages", err)
	}
	return agg, nil
}

// QueueMetrics reads counters for every configured queue concurrently.
func (a *Aggregator) QueueMetrics(ctx context.Context) (map[string]models.QueueMetrics, error) {
	if a.queues == nil || len(a.queueNames) == 0 {
		return nil, nil
	}

	out := make(map[string]models.QueueMetrics, len(a.queueNames))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for _, name := range a.queueNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			counts, err := a.queues.GetCounts(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = utils.Wrapf("aggregator.QueueMetrics", err, "queue %s", name)
				}
				return
			}
			out[name] = toQueueMetrics(counts)
		}(name)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func toQueueMetrics(c queue.Counts) models.QueueMetrics {
	m := models.QueueMetrics{
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
		Delayed:   c.Delayed,
	}
	if finished := c.Completed + c.Failed; finished > 0 {
		m.ErrorRate = float64(c.Failed) / float64(finished)
	}
	return m
}

func buildTrend(current, hourAvg, dayAvg float64) models.MetricTrend {
	return models.MetricTrend{
		Current: current,
		HourAvg: hourAvg,
		DayAvg:  dayAvg,
		Trend:   Trend(current, hourAvg),
	}
}

// Trend is the percentage change of current against an average, rounded to
// one decimal place. A near-zero average reports 0 rather than a blow-up.
func Trend(current, avg float64) float64 {
	if math.Abs(avg) < trendEpsilon {
		return 0
	}
	return math.Round(((current-avg)/avg)*1000) / 10
}
