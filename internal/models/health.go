package models

import "time"

// Status captures the health of a component or of the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severityRank orders statuses; higher is worse.
func severityRank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the worse of two statuses under the order
// healthy < degraded < unhealthy.
func MaxSeverity(a, b Status) Status {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}

// ComponentHealth is the result of a single probe. Instances are created
// fresh each probe cycle and never mutated afterwards.
type ComponentHealth struct {
	Status         Status         `json:"status"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// HealthStatus aggregates all component probes from one cycle. Status is the
// maximum severity across Components; a failed probe must appear as an
// unhealthy component rather than being dropped.
type HealthStatus struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Component returns the named component result and whether it was probed.
func (h HealthStatus) Component(name string) (ComponentHealth, bool) {
	c, ok := h.Components[name]
	return c, ok
}
