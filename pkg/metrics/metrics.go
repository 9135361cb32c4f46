package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CAS metrics
	CASPutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distbuild_cas_puts_total",
			Help: "Total number of CAS put operations",
		},
	)

	CASGetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distbuild_cas_gets_total",
			Help: "Total number of CAS get operations",
		},
	)

	CASBytesWritten = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distbuild_cas_put_bytes",
			Help:    "Size in bytes of blobs written to the CAS",
			Buckets: prometheus.ExponentialBuckets(64, 8, 8),
		},
	)

	// Cluster metrics
	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "distbuild_workers_total",
			Help: "Total number of registered workers",
		},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "distbuild_jobs_by_status",
			Help: "Number of jobs currently in each status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distbuild_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distbuild_scheduling_latency_seconds",
			Help:    "Duration of accepted ExecuteJob dispatch RPCs to workers, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distbuild_jobs_scheduled_total",
			Help: "Total number of jobs assigned to a worker",
		},
	)

	JobsDispatchFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distbuild_jobs_dispatch_failed_total",
			Help: "Total number of jobs that failed at dispatch (RPC to worker failed)",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distbuild_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state, by outcome",
		},
		[]string{"outcome"}, // "success" | "failure"
	)

	WorkersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distbuild_workers_evicted_total",
			Help: "Total number of workers evicted for missed heartbeats",
		},
	)

	// Worker-side metrics
	WorkerActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "distbuild_worker_active_jobs",
			Help: "Number of jobs currently executing on this worker",
		},
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distbuild_job_execution_duration_seconds",
			Help:    "Time taken by a worker to execute a single job",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CASPutsTotal,
		CASGetsTotal,
		CASBytesWritten,
		WorkersTotal,
		JobsByStatus,
		APIRequestsTotal,
		APIRequestDuration,
		SchedulingLatency,
		JobsScheduled,
		JobsDispatchFailed,
		JobsCompleted,
		WorkersEvicted,
		WorkerActiveJobs,
		JobExecutionDuration,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at /metrics by
// pkg/api's servers.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
