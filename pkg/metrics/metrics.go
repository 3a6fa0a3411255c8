// Package metrics collects Prometheus series for every component named in
// §4.10/C10, adapted field-for-field from cuemby-warren/pkg/metrics/metrics.go
// (one global prometheus.MustRegister block plus a Timer helper).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit coordinator metrics (§4.4).
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_commits_total",
			Help: "Total number of commit attempts by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_commit_duration_seconds",
			Help:    "Time taken to durably commit a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitTSLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_commit_ts_lag",
			Help: "Difference between the most recent commit_ts and wall-clock-derived expectation",
		},
	)

	// Writer-lease metrics (§4.4 Raft epoch fencing).
	LeaseIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_lease_is_leader",
			Help: "Whether this process holds the writer lease (1) or not (0)",
		},
	)

	LeaseEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_lease_epoch",
			Help: "Current writer-lease epoch",
		},
	)

	// Index metrics (§4.2).
	IndexRangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_index_range_duration_seconds",
			Help:    "Time taken to resolve an index range request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	IndexBackfillState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_index_backfill_state",
			Help: "Current lifecycle state of an index (0=backfilling, 1=backfilled, 2=enabled)",
		},
		[]string{"index"},
	)

	// Retention metrics (§4.5).
	RetentionFloor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_retention_floor_ts",
			Help: "Oldest timestamp guaranteed to still be retained",
		},
	)

	RetentionDeletedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_retention_deleted_entries_total",
			Help: "Total number of stale index entries reclaimed by retention",
		},
	)

	BackfillCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_backfill_cycles_total",
			Help: "Total number of backfill cycles run",
		},
	)

	// Subscription/session metrics (§4.7, C8).
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_active_subscriptions",
			Help: "Total number of live subscribed queries",
		},
	)

	SubscriptionInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_subscription_invalidations_total",
			Help: "Total number of query reruns triggered by commits",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_active_sessions",
			Help: "Total number of live client sessions",
		},
	)

	// Admission-queue metrics (§4.8, C9).
	CodelQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_codel_queue_size",
			Help: "Current number of buffered requests per queue",
		},
		[]string{"queue"},
	)

	CodelQueueOverloaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_codel_queue_overloaded",
			Help: "Whether a queue is currently congested (1) or idle (0)",
		},
		[]string{"queue"},
	)

	CodelExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_codel_expired_total",
			Help: "Total number of requests dropped for expiring in queue",
		},
		[]string{"queue"},
	)

	// Function-runtime metrics (§4.6, C6).
	FunctionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_function_duration_seconds",
			Help:    "Time taken to execute a user function",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	FunctionOCCRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_function_occ_retries_total",
			Help: "Total number of optimistic-concurrency retries across mutation execution",
		},
	)

	FunctionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_function_errors_total",
			Help: "Total number of function executions that errored, by kind",
		},
		[]string{"kind", "reason"},
	)

	// Usage metrics (§4.10).
	BytesUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_bytes_used_total",
			Help: "Total bytes consumed per component and table",
		},
		[]string{"component", "table", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		CommitsTotal, CommitDuration, CommitTSLag,
		LeaseIsLeader, LeaseEpoch,
		IndexRangeDuration, IndexBackfillState,
		RetentionFloor, RetentionDeletedEntriesTotal, BackfillCyclesTotal,
		ActiveSubscriptions, SubscriptionInvalidationsTotal, ActiveSessions,
		CodelQueueSize, CodelQueueOverloaded, CodelExpiredTotal,
		FunctionDuration, FunctionOCCRetriesTotal, FunctionErrorsTotal,
		BytesUsedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
