package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DraftsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drafts_created_total",
			Help: "Total drafts created",
		},
	)

	DraftFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draft_failures_total",
			Help: "Total per-contact draft failures",
		},
	)

	ThrottleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "throttle_events_total",
			Help: "Total throttling responses from the remote API",
		},
	)

	RetryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total retried remote calls",
		},
	)

	AttachmentUploads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attachment_uploads_total",
			Help: "Total successful attachment uploads",
		},
	)

	AttachmentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attachment_failures_total",
			Help: "Total failed attachment uploads",
		},
	)

	JobRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosort_job_runs_total",
			Help: "Total auto-sort job run attempts",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosort_jobs_completed_total",
			Help: "Total auto-sort jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosort_jobs_failed_total",
			Help: "Total auto-sort jobs that exhausted their attempts",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		DraftsCreated,
		DraftFailures,
		ThrottleEvents,
		RetryAttempts,
		AttachmentUploads,
		AttachmentFailures,
		JobRuns,
		JobsCompleted,
		JobsFailed,
	)
}
