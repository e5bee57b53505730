package detector

import (
	"math"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Detector flags metric values that deviate from their historical baseline
// and classifies queue backlog patterns. It holds per-queue backlog windows
// fed by the scheduler; everything else is pure computation with no side
// effects beyond instrumentation counters.
type Detector struct {
	sigmaFactor   float64
	emaAlpha      float64
	patternWindow int
	jobsPerWorker int64

	mu       sync.Mutex
	backlogs map[string][]int64
}

func New(cfg config.DetectorConfig) *Detector {
	sigma := cfg.SigmaFactor
	if sigma <= 0 {
		sigma = 2.0
	}
	alpha := cfg.EMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	window := cfg.PatternWindow
	if window <= 0 {
		window = 10
	}
	perWorker := cfg.JobsPerWorker
	if perWorker <= 0 {
		perWorker = 50
	}
	return &Detector{
		sigmaFactor:   sigma,
		emaAlpha:      alpha,
		patternWindow: window,
		jobsPerWorker: perWorker,
		backlogs:      make(map[string][]int64),
	}
}

// IsAnomaly applies the sigma test against the population standard deviation
// of the historical series. With zero variance any deviation from the mean is
// flagged; exact equality is not.
func (d *Detector) IsAnomaly(current float64, historical []float64) bool {
	if len(historical) == 0 {
		return false
	}
	mean, stdDev := meanStdDev(historical)
	return math.Abs(current-mean) > d.sigmaFactor*stdDev
}

// Detect returns an Anomaly record for the series, or nil when the current
// value sits within the baseline.
func (d *Detector) Detect(metricType string, current float64, historical []float64) *models.Anomaly {
	if !d.IsAnomaly(current, historical) {
		return nil
	}
	metrics.RecordAnomaly(metricType)
	series := append([]float64(nil), historical...)
	return &models.Anomaly{
		MetricType:       metricType,
		CurrentValue:     current,
		HistoricalSeries: series,
		DetectedAt:       time.Now().UTC(),
	}
}

// ObserveBacklog records one backlog sample for a queue, keeping the trailing
// pattern window.
func (d *Detector) ObserveBacklog(queueName string, backlog int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := append(d.backlogs[queueName], backlog)
	if len(samples) > d.patternWindow {
		samples = samples[len(samples)-d.patternWindow:]
	}
	d.backlogs[queueName] = samples
}

// QueuePattern is the verdict on a queue's recent backlog behavior.
type QueuePattern struct {
	IsSystematic       bool  `json:"is_systematic"`
	RecommendedWorkers int   `json:"recommended_workers"`
	LatestBacklog      int64 `json:"latest_backlog"`
}

// AnalyzeQueuePatterns classifies whether a backlog is a transient spike or a
// sustained trend. A backlog is systematic when the window is full and the
// majority of samples are non-decreasing. The worker recommendation grows with
// backlog size and never drops below the current worker count.
func (d *Detector) AnalyzeQueuePatterns(queueName string, currentWorkers int) QueuePattern {
	d.mu.Lock()
	samples := append([]int64(nil), d.backlogs[queueName]...)
	d.mu.Unlock()

	if currentWorkers < 1 {
		currentWorkers = 1
	}
	pattern := QueuePattern{RecommendedWorkers: currentWorkers}
	if len(samples) == 0 {
		return pattern
	}
	pattern.LatestBacklog = samples[len(samples)-1]

	if len(samples) >= d.patternWindow {
		rising := 0
		for i := 1; i < len(samples); i++ {
			if samples[i] >= samples[i-1] {
				rising++
			}
		}
		pattern.IsSystematic = rising*2 > len(samples)-1 && pattern.LatestBacklog > 0
	}

	if pattern.IsSystematic {
		needed := int(math.Ceil(float64(pattern.LatestBacklog) / float64(d.jobsPerWorker)))
		if needed > currentWorkers {
			pattern.RecommendedWorkers = needed
		}
	}
	return pattern
}

// Forecast projects the next value of a series with an exponential moving
// average. A series too short to smooth falls back to the historical maximum.
func (d *Detector) Forecast(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	if len(series) < 2 {
		return seriesMax(series)
	}
	ema := series[0]
	for _, v := range series[1:] {
		ema = d.emaAlpha*v + (1-d.emaAlpha)*ema
	}
	if math.IsNaN(ema) || math.IsInf(ema, 0) {
		return seriesMax(series)
	}
	return ema
}

func meanStdDev(series []float64) (mean, stdDev float64) {
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))

	var variance float64
	for _, v := range series {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(series))
	return mean, math.Sqrt(variance)
}

func seriesMax(series []float64) float64 {
	max := series[0]
	for _, v := range series[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
