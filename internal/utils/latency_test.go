package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}

	p95 := tracker.Percentile(95)
	if p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
}

func TestLatencyTrackerPercentileMs(t *testing.T) {
	tracker := NewLatencyTracker(10)
	tracker.Observe(250 * time.Millisecond)

	if got := tracker.PercentileMs(50); got != 250 {
		t.Fatalf("expected 250ms, got %v", got)
	}
}

func TestParseWindow(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30m", want: 30 * time.Minute},
		{in: "1h", want: time.Hour},
		{in: "2d", want: 48 * time.Hour},
		{in: "", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseWindow(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseWindow(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseWindow(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseWindow(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
