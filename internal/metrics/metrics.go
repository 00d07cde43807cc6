// Package metrics exposes prometheus collectors for the extraction pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCompleted counts jobs that reached the completed state.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Name:      "jobs_completed_total",
		Help:      "Number of extraction jobs that completed successfully.",
	})

	// JobsFailed counts jobs that reached the failed state.
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Name:      "jobs_failed_total",
		Help:      "Number of extraction jobs that ended in failure.",
	})

	// StepRetries counts transient step errors that were retried.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Name:      "step_retries_total",
		Help:      "Number of transient step failures that were retried.",
	}, []string{"step"})

	// CreditsDeducted counts credits charged for successful extractions.
	CreditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Name:      "credits_deducted_total",
		Help:      "Number of credits deducted for completed extractions.",
	})

	// CreditsAdded counts credits granted through purchases, bonuses, and refunds.
	CreditsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "receipt_ledger",
		Name:      "credits_added_total",
		Help:      "Number of credits added, by transaction type.",
	}, []string{"type"})

	// JobDuration observes wall-clock job time from processing to terminal.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "receipt_ledger",
		Name:      "job_duration_seconds",
		Help:      "Duration of extraction jobs from start to terminal state.",
		Buckets:   prometheus.DefBuckets,
	})
)
