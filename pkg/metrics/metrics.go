package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueEntriesTotal mirrors the stats ledger: file counts by bucket and status.
	QueueEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portage_queue_entries_total",
			Help: "Number of queue entries by bucket and status",
		},
		[]string{"bucket", "status"},
	)

	QueueBytesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portage_queue_bytes_total",
			Help: "Total file size in bytes of queue entries by bucket and status",
		},
		[]string{"bucket", "status"},
	)

	// ActiveWorkers and WorkerCap track scheduler occupancy per bucket.
	ActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portage_active_workers",
			Help: "Number of copy workers currently dispatched, by bucket",
		},
		[]string{"bucket"},
	)

	WorkerCap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portage_worker_cap",
			Help: "Configured worker cap, by bucket",
		},
		[]string{"bucket"},
	)

	// CopyOutcomesTotal counts terminal outcomes reported by copy workers.
	CopyOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portage_copy_outcomes_total",
			Help: "Total number of copy outcomes by bucket and outcome",
		},
		[]string{"bucket", "outcome"},
	)

	CopyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portage_copy_duration_seconds",
			Help:    "Per-file copy-and-verify duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"bucket"},
	)

	// ClaimAttemptsTotal and ClaimWonTotal give visibility into claim contention.
	ClaimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portage_claim_attempts_total",
			Help: "Total number of rows proposed to Claim, by bucket",
		},
		[]string{"bucket"},
	)

	ClaimWonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portage_claim_won_total",
			Help: "Total number of rows actually transitioned pending->in_progress by Claim, by bucket",
		},
		[]string{"bucket"},
	)

	// InsertedTotal counts rows newly added by Insert-many (post-dedup).
	InsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portage_inserted_total",
			Help: "Total number of newly inserted queue entries, by bucket",
		},
		[]string{"bucket"},
	)

	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portage_scheduler_cycle_duration_seconds",
			Help:    "Time taken for one bucket-scheduler claim cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueEntriesTotal,
		QueueBytesTotal,
		ActiveWorkers,
		WorkerCap,
		CopyOutcomesTotal,
		CopyDuration,
		ClaimAttemptsTotal,
		ClaimWonTotal,
		InsertedTotal,
		SchedulerCycleDuration,
	)
}

// Handler returns the Prometheus HTTP handler, wired into the process
// entrypoint's own mux alongside the liveness/readiness endpoints.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing its
// duration into a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a histogram vec under labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
