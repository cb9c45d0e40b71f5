package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen3d_jobs_created_total",
			Help: "Total number of jobs created",
		},
		[]string{"job_type"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen3d_jobs_completed_total",
			Help: "Total number of jobs that reached COMPLETED",
		},
		[]string{"job_type"},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen3d_jobs_failed_total",
			Help: "Total number of jobs that reached FAILED",
		},
		[]string{"job_type"},
	)

	JobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gen3d_jobs_requeued_total",
			Help: "Total number of retryable failures that requeued a job",
		},
	)

	JobsReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen3d_jobs_reconciled_total",
			Help: "Total number of jobs recovered by the reconciler",
		},
		[]string{"reason"}, // orphaned_pending, stalled_processing
	)

	JobsProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gen3d_jobs_processing",
			Help: "Number of jobs currently being processed by this worker",
		},
	)

	ProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gen3d_processing_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
		[]string{"job_type", "outcome"}, // completed, failed, requeued, cancelled, error
	)
)
