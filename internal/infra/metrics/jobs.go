package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(schedulerJobRunsTotal, schedulerJobDuration) }

var (
	schedulerJobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_scheduler_job_runs_total",
			Help: "Billing scheduler job runs by job and result.",
		},
		[]string{"job", "result"}, // result: 'ok', 'error', 'locked'
	)

	schedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_scheduler_job_duration_seconds",
			Help:    "Billing scheduler job duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job"},
	)
)

func ObserveJob(job, result string, seconds float64) {
	schedulerJobRunsTotal.WithLabelValues(norm(job), norm(result)).Inc()
	schedulerJobDuration.WithLabelValues(norm(job)).Observe(seconds)
}
