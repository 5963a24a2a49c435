package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes recorded by jobsProcessed.
const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
)

var (
	// jobsProcessed counts handler attempts by outcome.
	//   - outcome: "completed", "retried", "failed" or "discarded" (lock lost)
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genqueue_jobs_processed_total",
		Help: "The total number of processed job attempts",
	}, []string{"queue", "type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genqueue_job_duration_seconds",
		Help:    "Duration of handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "type"})

	// queueWait is measured from the instant a job became ready (RunAt) to its claim.
	queueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genqueue_queue_wait_seconds",
		Help:    "Time a ready job spent waiting before being claimed",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "type"})

	// jobsByState is refreshed periodically from Store.CountByState.
	jobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genqueue_jobs",
		Help: "Number of jobs per state",
	}, []string{"queue", "state"})

	stalledJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genqueue_jobs_stalled_total",
		Help: "The total number of jobs recovered from a stalled worker",
	}, []string{"queue"})

	purgedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genqueue_jobs_purged_total",
		Help: "The total number of terminal jobs removed by retention",
	}, []string{"queue", "state"})
)
