package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements MetricsRecorder with Prometheus collectors.
type PrometheusRecorder struct {
	operations      *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	historyFailures *prometheus.CounterVec
}

// NewPrometheusRecorder builds the collectors and registers them on reg. A
// nil registerer leaves the collectors unregistered, which suits tests.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docledger",
			Name:      "operations_total",
			Help:      "Document operations by outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of document operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docledger",
			Name:      "write_conflicts_total",
			Help:      "Writes rejected by a stale precondition or a lost race.",
		}, []string{"operation"}),
		historyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docledger",
			Name:      "history_append_failures_total",
			Help:      "Committed writes whose history record could not be stored.",
		}, []string{"action"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.operations, r.durations, r.conflicts, r.historyFailures} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Observe records an operation outcome.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// Conflict counts a rejected write.
func (r *PrometheusRecorder) Conflict(operation string) {
	r.conflicts.WithLabelValues(operation).Inc()
}

// HistoryAppendFailed counts a write whose ledger record was lost.
func (r *PrometheusRecorder) HistoryAppendFailed(action string) {
	r.historyFailures.WithLabelValues(action).Inc()
}
