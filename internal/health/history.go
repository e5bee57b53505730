package health

import (
	"sync"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// History keeps the most recent health statuses in arrival order, bounded at
// a fixed capacity.
type History struct {
	mu      sync.Mutex
	entries []models.HealthStatus
	cap     int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}
	return &History{cap: capacity}
}

func (h *History) Append(status models.HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, status)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

// Entries returns a copy, oldest first.
func (h *History) Entries() []models.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.HealthStatus, len(h.entries))
	copy(out, h.entries)
	return out
}

// Latest returns the most recent status, if any.
func (h *History) Latest() (models.HealthStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return models.HealthStatus{}, false
	}
	return h.entries[len(h.entries)-1], true
}
