package models

import "time"

// RecoveryResult is returned by one recovery invocation. Immutable once
// returned; ActionsTaken preserves the order in which steps ran.
type RecoveryResult struct {
	Success      bool           `json:"success"`
	ActionsTaken []string       `json:"actions_taken"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditRecord is the persisted trace of one recovery attempt.
type AuditRecord struct {
	ID            string    `json:"id"`
	TriggerStatus Status    `json:"trigger_status"`
	Actions       []string  `json:"actions"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertSeverity grades operator alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is a persisted operator notification: escalations, early warnings,
// and anomaly reports all land here and are served by the alerts API.
type Alert struct {
	ID        string         `json:"id"`
	Severity  AlertSeverity  `json:"severity"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Severity AlertSeverity
	Type     string
	Since    time.Time
	Limit    int
}

// HealthReport is the daily digest dispatched to operators.
type HealthReport struct {
	GeneratedAt       time.Time               `json:"generated_at"`
	Uptime            time.Duration           `json:"uptime"`
	CurrentStatus     Status                  `json:"current_status"`
	Summary           MetricsSummary          `json:"summary"`
	Queues            map[string]QueueMetrics `json:"queues"`
	RecoveryAttempts  int                     `json:"recovery_attempts_24h"`
	RecoveryFailures  int                     `json:"recovery_failures_24h"`
	HealthyCycles     int                     `json:"healthy_cycles"`
	DegradedCycles    int                     `json:"degraded_cycles"`
	UnhealthyCycles   int                     `json:"unhealthy_cycles"`
}
