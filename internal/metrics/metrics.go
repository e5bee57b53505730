package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels recovery runs whose every step succeeded.
	OutcomeSuccess = "success"
	// OutcomeFailure labels recovery runs with at least one failed step.
	OutcomeFailure = "failure"
	// OutcomeSkipped labels invocations rejected by the single-flight guard.
	OutcomeSkipped = "skipped"
)

var (
	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "health_checks_total",
			Help:      "Health check cycles, partitioned by aggregate status.",
		},
		[]string{"status"},
	)

	probeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "probe_seconds",
			Help:      "Per-component probe latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"component"},
	)

	recoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "recovery_attempts_total",
			Help:      "Recovery engine invocations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	remediationStepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "remediation_step_failures_total",
			Help:      "Failed remediation sub-steps, partitioned by area.",
		},
		[]string{"area"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "anomalies_total",
			Help:      "Detected metric anomalies, partitioned by metric type.",
		},
		[]string{"metric"},
	)

	escalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "escalations_total",
			Help:      "Administrator escalations dispatched.",
		},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		healthChecksTotal,
		probeDurationSeconds,
		recoveryAttemptsTotal,
		remediationStepFailuresTotal,
		anomaliesTotal,
		escalationsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordHealthCheck counts one completed health cycle.
func RecordHealthCheck(status string) {
	healthChecksTotal.WithLabelValues(status).Inc()
}

// ObserveProbe records a single probe's latency.
func ObserveProbe(component string, d time.Duration) {
	probeDurationSeconds.WithLabelValues(component).Observe(d.Seconds())
}

// RecordRecovery counts one recovery invocation by outcome.
func RecordRecovery(outcome string) {
	recoveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordStepFailure counts one failed remediation sub-step.
func RecordStepFailure(area string) {
	remediationStepFailuresTotal.WithLabelValues(area).Inc()
}

// RecordAnomaly counts one detected anomaly.
func RecordAnomaly(metric string) {
	anomaliesTotal.WithLabelValues(metric).Inc()
}

// RecordEscalation counts one administrator escalation.
func RecordEscalation() {
	escalationsTotal.Inc()
}
