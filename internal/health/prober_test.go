package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
)

type fakePinger struct{ err error }

func (f *fakePinger) Probe(ctx context.Context) error { return f.err }
func (f *fakePinger) Ping(ctx context.Context) error  { return f.err }

type fakeQueueStats struct {
	counts map[string]queue.Counts
	err    error
}

func (f *fakeQueueStats) GetCounts(ctx context.Context, queueName string) (queue.Counts, error) {
	if f.err != nil {
		return queue.Counts{}, f.err
	}
	return f.counts[queueName], nil
}

func newTestProber(db, cache, storage *fakePinger, queues *fakeQueueStats, queueNames []string) *Prober {
	cfg := config.DefaultConfig()
	p := NewProber(nil, db, cache, storage, queues, queueNames, cfg.Thresholds, cfg.Health)
	p.memoryPct = func() (float64, error) { return 10, nil }
	p.diskPct = func(string) (float64, error) { return 10, nil }
	return p
}

func TestCheckHealthAllHealthy(t *testing.T) {
	ok := &fakePinger{}
	queues := &fakeQueueStats{counts: map[string]queue.Counts{
		"notifications": {Waiting: 5, Completed: 100, Failed: 2},
	}}
	p := newTestProber(ok, ok, ok, queues, []string{"notifications"})

	status := p.CheckHealth(context.Background())
	if status.Status != models.StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
	if len(status.Components) != 6 {
		t.Fatalf("expected 6 components, got %d", len(status.Components))
	}
	if status.Components["queue:notifications"].Status != models.StatusHealthy {
		t.Errorf("queue probe should be healthy")
	}
}

func TestCheckHealthWithoutStorageProber(t *testing.T) {
	ok := &fakePinger{}
	cfg := config.DefaultConfig()
	p := NewProber(nil, ok, ok, nil, &fakeQueueStats{}, nil, cfg.Thresholds, cfg.Health)
	p.memoryPct = func() (float64, error) { return 10, nil }
	p.diskPct = func(string) (float64, error) { return 10, nil }

	status := p.CheckHealth(context.Background())
	if status.Status != models.StatusHealthy {
		t.Fatalf("no storage configured must not degrade health, got %s", status.Status)
	}
	if _, present := status.Components["storage"]; present {
		t.Errorf("storage component should be absent when no prober is configured")
	}
}

func TestCheckHealthFailedProbeDoesNotEscape(t *testing.T) {
	ok := &fakePinger{}
	down := &fakePinger{err: fmt.Errorf("connection refused")}
	queues := &fakeQueueStats{}
	p := newTestProber(down, ok, ok, queues, nil)

	status := p.CheckHealth(context.Background())
	if status.Status != models.StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
	db := status.Components["database"]
	if db.Status != models.StatusUnhealthy || db.Error == "" {
		t.Errorf("database component should carry the failure: %+v", db)
	}
	if status.Components["cache"].Status != models.StatusHealthy {
		t.Errorf("other probes should be unaffected")
	}
}

func TestCheckHealthDegradedAggregation(t *testing.T) {
	ok := &fakePinger{}
	queues := &fakeQueueStats{}
	p := newTestProber(ok, ok, ok, queues, nil)
	// Default memory threshold is 85, so 50 sits in the degraded band.
	p.memoryPct = func() (float64, error) { return 50, nil }

	status := p.CheckHealth(context.Background())
	if status.Status != models.StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
	if status.Components["memory"].Status != models.StatusDegraded {
		t.Errorf("memory component should be degraded")
	}
}

func TestQueueProbeThresholds(t *testing.T) {
	cases := []struct {
		name   string
		counts queue.Counts
		want   models.Status
	}{
		{"idle", queue.Counts{Completed: 50}, models.StatusHealthy},
		{"deep backlog", queue.Counts{Waiting: 1500}, models.StatusUnhealthy},
		{"half backlog", queue.Counts{Waiting: 600}, models.StatusDegraded},
		{"high error rate", queue.Counts{Completed: 80, Failed: 20}, models.StatusUnhealthy},
		{"elevated error rate", queue.Counts{Completed: 93, Failed: 7}, models.StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			queues := &fakeQueueStats{counts: map[string]queue.Counts{"jobs": tc.counts}}
			p := newTestProber(&fakePinger{}, &fakePinger{}, &fakePinger{}, queues, []string{"jobs"})
			got := p.queueProbe("jobs")(context.Background())
			if got.Status != tc.want {
				t.Errorf("counts %+v: got %s, want %s", tc.counts, got.Status, tc.want)
			}
		})
	}
}

func TestQueueProbeUnreachable(t *testing.T) {
	queues := &fakeQueueStats{err: fmt.Errorf("redis: connection pool timeout")}
	p := newTestProber(&fakePinger{}, &fakePinger{}, &fakePinger{}, queues, []string{"jobs"})

	got := p.queueProbe("jobs")(context.Background())
	if got.Status != models.StatusUnhealthy {
		t.Fatalf("unreachable queue backend should be unhealthy, got %s", got.Status)
	}
}

func TestProbeTimeoutProducesUnhealthy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Health.ProbeTimeout = 20 * time.Millisecond
	slow := &slowPinger{delay: 200 * time.Millisecond}
	p := NewProber(nil, slow, &fakePinger{}, &fakePinger{}, &fakeQueueStats{}, nil, cfg.Thresholds, cfg.Health)
	p.memoryPct = func() (float64, error) { return 10, nil }
	p.diskPct = func(string) (float64, error) { return 10, nil }

	status := p.CheckHealth(context.Background())
	if status.Components["database"].Status != models.StatusUnhealthy {
		t.Fatalf("slow probe should time out as unhealthy")
	}
}

type slowPinger struct{ delay time.Duration }

func (s *slowPinger) Probe(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPanickingProbeIsIsolated(t *testing.T) {
	p := newTestProber(&fakePinger{}, &fakePinger{}, &fakePinger{}, &fakeQueueStats{}, nil)
	p.memoryPct = func() (float64, error) { panic("statm parse blew up") }

	status := p.CheckHealth(context.Background())
	mem := status.Components["memory"]
	if mem.Status != models.StatusUnhealthy {
		t.Fatalf("panicking probe should surface as unhealthy, got %s", mem.Status)
	}
	if status.Components["database"].Status != models.StatusHealthy {
		t.Errorf("other probes should survive a panic elsewhere")
	}
}

func TestHistoryCapped(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(models.HealthStatus{Timestamp: time.Unix(int64(i), 0)})
	}
	entries := h.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Timestamp.Unix() != 2 {
		t.Errorf("oldest retained entry should be the third appended")
	}
	latest, ok := h.Latest()
	if !ok || latest.Timestamp.Unix() != 4 {
		t.Errorf("latest should be the last appended")
	}
}
