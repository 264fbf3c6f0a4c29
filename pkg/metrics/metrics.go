// Package metrics exposes ambient prometheus counters/gauges/histograms
// for the store, lock manager, and merge queue worker pipeline. Metrics
// are ancillary observability, not part of the CORE contract.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	StorePoolOpenConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "isolate_store_pool_open_connections",
		Help: "Current number of open connections in the store's pool",
	})

	StoreRecoveryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isolate_store_recovery_events_total",
		Help: "Total number of recovery-policy actions taken, by policy and outcome",
	}, []string{"policy", "outcome"})

	// Session registry metrics
	SessionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isolate_sessions_total",
		Help: "Total number of sessions by status",
	}, []string{"status"})

	// Lock manager metrics
	LocksHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "isolate_locks_held",
		Help: "Current number of non-expired session locks",
	})

	LockSweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isolate_lock_sweep_expired_total",
		Help: "Total number of expired locks removed by sweep_expired",
	})

	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isolate_lock_contention_total",
		Help: "Total number of lock acquisitions rejected due to a held lock",
	})

	// Merge queue / worker pipeline metrics
	QueueEntriesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "isolate_queue_entries_total",
		Help: "Current number of queue entries by status",
	}, []string{"status"})

	QueueClaimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "isolate_queue_claim_duration_seconds",
		Help:    "Time taken to claim a pending queue entry",
		Buckets: prometheus.DefBuckets,
	})

	PipelineStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isolate_pipeline_step_duration_seconds",
		Help:    "Time taken by each worker pipeline step",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	PipelineStepFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isolate_pipeline_step_failures_total",
		Help: "Total number of pipeline step failures by step and classification",
	}, []string{"step", "classification"})

	QueueReclaimedStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isolate_queue_reclaimed_stale_total",
		Help: "Total number of stale queue entries reset to pending",
	})
)

func init() {
	prometheus.MustRegister(
		StorePoolOpenConns,
		StoreRecoveryEventsTotal,
		SessionsTotal,
		LocksHeld,
		LockSweepExpiredTotal,
		LockContentionTotal,
		QueueEntriesTotal,
		QueueClaimDuration,
		PipelineStepDuration,
		PipelineStepFailuresTotal,
		QueueReclaimedStaleTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
