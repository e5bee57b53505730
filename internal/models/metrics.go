package models

import "time"

// MetricsSnapshot is an immutable point-in-time record of system resource
// usage. Rows are append-only; nothing updates a snapshot after it is written.
type MetricsSnapshot struct {
	Timestamp       time.Time  `json:"timestamp"`
	CPUUsagePct     float64    `json:"cpu_usage_pct"`
	MemoryUsagePct  float64    `json:"memory_usage_pct"`
	DiskUsagePct    float64    `json:"disk_usage_pct"`
	NetworkBytesIn  uint64     `json:"network_bytes_in"`
	NetworkBytesOut uint64     `json:"network_bytes_out"`
	ConnectionCount int        `json:"connection_count"`
	LoadAverage     [3]float64 `json:"load_average"`
}

// QueueMetrics holds raw per-queue counters derived from the queue backend.
// Recomputed each cycle, never stored.
type QueueMetrics struct {
	Waiting   int64   `json:"waiting"`
	Active    int64   `json:"active"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Delayed   int64   `json:"delayed"`
	ErrorRate float64 `json:"error_rate"`
}

// Backlog is the number of jobs not yet being processed.
func (q QueueMetrics) Backlog() int64 {
	return q.Waiting + q.Delayed
}

// MetricTrend pairs a current value with its hour-average and the percentage
// change between them.
type MetricTrend struct {
	Current float64 `json:"current"`
	HourAvg float64 `json:"hour_avg"`
	DayAvg  float64 `json:"day_avg"`
	Trend   float64 `json:"trend_pct"`
}

// LatencyPercentiles reports API response-time percentiles in milliseconds.
type LatencyPercentiles struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// MetricsSummary is the rolling view served to dashboards: latest snapshot
// values, windowed averages, trends, and API latency percentiles.
type MetricsSummary struct {
	Timestamp   time.Time              `json:"timestamp"`
	CPU         MetricTrend            `json:"cpu"`
	Memory      MetricTrend            `json:"memory"`
	Disk        MetricTrend            `json:"disk"`
	Connections MetricTrend            `json:"connections"`
	LoadAverage [3]float64             `json:"load_average"`
	APILatency  LatencyPercentiles     `json:"api_latency"`
	Queues      map[string]QueueMetrics `json:"queues,omitempty"`
}

// Anomaly is produced by the detector when a series deviates from baseline.
// Ephemeral: consumed immediately by escalation, never persisted as an entity.
type Anomaly struct {
	MetricType       string    `json:"metric_type"`
	CurrentValue     float64   `json:"current_value"`
	HistoricalSeries []float64 `json:"historical_series"`
	DetectedAt       time.Time `json:"detected_at"`
}
