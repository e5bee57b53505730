package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// ErrNoSnapshots signals that the metrics store holds no snapshot for the
// requested window. Callers must treat this as fatal to their read; defaulting
// to zero would mask a real outage.
var ErrNoSnapshots = errors.New("no metrics snapshots available")

// snapshotColumns maps metric names accepted by SnapshotSeries to columns.
var snapshotColumns = map[string]string{
	"cpu":         "cpu_usage_pct",
	"memory":      "memory_usage_pct",
	"disk":        "disk_usage_pct",
	"connections": "connection_count",
}

// Store persists metrics snapshots, recovery audit records, and alerts in
// PostgreSQL. Snapshot rows are append-only.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS metrics_snapshots (
			id BIGSERIAL PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL,
			cpu_usage_pct DOUBLE PRECISION NOT NULL,
			memory_usage_pct DOUBLE PRECISION NOT NULL,
			disk_usage_pct DOUBLE PRECISION NOT NULL,
			network_bytes_in BIGINT NOT NULL,
			network_bytes_out BIGINT NOT NULL,
			connection_count INTEGER NOT NULL,
			load_avg_1 DOUBLE PRECISION NOT NULL,
			load_avg_5 DOUBLE PRECISION NOT NULL,
			load_avg_15 DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_recorded_at
			ON metrics_snapshots (recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS recovery_audit (
			id UUID PRIMARY KEY,
			trigger_status TEXT NOT NULL,
			actions JSONB NOT NULL,
			success BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			message TEXT NOT NULL,
			context JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Probe performs the lightweight connectivity check used by the health prober.
func (s *Store) Probe(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres probe: %w", err)
	}
	return nil
}

// AppendSnapshot writes one immutable metrics snapshot row.
func (s *Store) AppendSnapshot(ctx context.Context, snap models.MetricsSnapshot) error {
	query := `
		INSERT INTO metrics_snapshots (
			recorded_at, cpu_usage_pct, memory_usage_pct, disk_usage_pct,
			network_bytes_in, network_bytes_out, connection_count,
			load_avg_1, load_avg_5, load_avg_15
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		snap.Timestamp,
		snap.CPUUsagePct,
		snap.MemoryUsagePct,
		snap.DiskUsagePct,
		int64(snap.NetworkBytesIn),
		int64(snap.NetworkBytesOut),
		snap.ConnectionCount,
		snap.LoadAverage[0],
		snap.LoadAverage[1],
		snap.LoadAverage[2],
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot or ErrNoSnapshots.
func (s *Store) LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error) {
	query := `
		SELECT recorded_at, cpu_usage_pct, memory_usage_pct, disk_usage_pct,
		       network_bytes_in, network_bytes_out, connection_count,
		       load_avg_1, load_avg_5, load_avg_15
		FROM metrics_snapshots
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	var snap models.MetricsSnapshot
	var bytesIn, bytesOut int64
	err := s.pool.QueryRow(ctx, query).Scan(
		&snap.Timestamp,
		&snap.CPUUsagePct,
		&snap.MemoryUsagePct,
		&snap.DiskUsagePct,
		&bytesIn,
		&bytesOut,
		&snap.ConnectionCount,
		&snap.LoadAverage[0],
		&snap.LoadAverage[1],
		&snap.LoadAverage[2],
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MetricsSnapshot{}, ErrNoSnapshots
		}
		return models.MetricsSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.NetworkBytesIn = uint64(bytesIn)
	snap.NetworkBytesOut = uint64(bytesOut)
	return snap, nil
}

// SnapshotAggregate holds windowed means over snapshot columns.
type SnapshotAggregate struct {
	CPUUsagePct     float64
	MemoryUsagePct  float64
	DiskUsagePct    float64
	ConnectionCount float64
	Samples         int
}

// WindowAverages returns column means over the trailing window, or
// ErrNoSnapshots when the window is empty.
func (s *Store) WindowAverages(ctx context.Context, window time.Duration) (SnapshotAggregate, error) {
	query := `
		SELECT COALESCE(AVG(cpu_usage_pct), 0),
		       COALESCE(AVG(memory_usage_pct), 0),
		       COALESCE(AVG(disk_usage_pct), 0),
		       COALESCE(AVG(connection_count), 0),
		       COUNT(*)
		FROM metrics_snapshots
		WHERE recorded_at >= $1
	`
	var agg SnapshotAggregate
	since := time.Now().UTC().Add(-window)
	err := s.pool.QueryRow(ctx, query, since).Scan(
		&agg.CPUUsagePct,
		&agg.MemoryUsagePct,
		&agg.DiskUsagePct,
		&agg.ConnectionCount,
		&agg.Samples,
	)
	if err != nil {
		return SnapshotAggregate{}, fmt.Errorf("window averages: %w", err)
	}
	if agg.Samples == 0 {
		return SnapshotAggregate{}, ErrNoSnapshots
	}
	return agg, nil
}

// SnapshotSeries returns the named metric's values over the trailing window in
// chronological order. Metric must be one of cpu, memory, disk, connections.
func (s *Store) SnapshotSeries(ctx context.Context, metric string, window time.Duration) ([]float64, error) {
	column, ok := snapshotColumns[metric]
	if !ok {
		return nil, fmt.Errorf("unknown snapshot metric %q", metric)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM metrics_snapshots
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC
	`, column)

	since := time.Now().UTC().Add(-window)
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("snapshot series: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan snapshot series: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// RecordAudit appends a recovery attempt to the audit log.
func (s *Store) RecordAudit(ctx context.Context, rec models.AuditRecord) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("marshal audit actions: %w", err)
	}
	query := `
		INSERT INTO recovery_audit (id, trigger_status, actions, success, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, rec.ID, string(rec.TriggerStatus), actions, rec.Success, rec.CreatedAt); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// RecoveryStats counts recovery attempts and failures since the given time.
func (s *Store) RecoveryStats(ctx context.Context, since time.Time) (attempts, failures int, err error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT success)
		FROM recovery_audit
		WHERE created_at >= $1
	`
	if err := s.pool.QueryRow(ctx, query, since).Scan(&attempts, &failures); err != nil {
		return 0, 0, fmt.Errorf("recovery stats: %w", err)
	}
	return attempts, failures, nil
}

// InsertAlert persists one operator alert.
func (s *Store) InsertAlert(ctx context.Context, alert models.Alert) error {
	var contextJSON []byte
	if alert.Context != nil {
		data, err := json.Marshal(alert.Context)
		if err != nil {
			return fmt.Errorf("marshal alert context: %w", err)
		}
		contextJSON = data
	}
	query := `
		INSERT INTO alerts (id, severity, alert_type, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query, alert.ID, string(alert.Severity), alert.Type, alert.Message, contextJSON, alert.CreatedAt); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	query := `
		SELECT id, severity, alert_type, message, context, created_at
		FROM alerts
		WHERE ($1 = '' OR severity = $1)
		  AND ($2 = '' OR alert_type = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var since *time.Time
	if !filter.Since.IsZero() {
		since = &filter.Since
	}

	rows, err := s.pool.Query(ctx, query, string(filter.Severity), filter.Type, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		var contextJSON []byte
		if err := rows.Scan(&alert.ID, &alert.Severity, &alert.Type, &alert.Message, &contextJSON, &alert.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &alert.Context); err != nil {
				s.logger.Warn("alert context unmarshal failed", slog.String("id", alert.ID), slog.Any("error", err))
			}
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
