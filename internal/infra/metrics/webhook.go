package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		WebhookRequests,
		WebhookDuration,
	)
}

var (
	// Count of gateway webhook and redirect deliveries grouped by event and result.
	// result: ok|rejected|error
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_requests_total",
			Help: "Gateway webhook and callback deliveries by event and result.",
		},
		[]string{"event", "result"},
	)

	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_duration_seconds",
			Help:    "Duration of webhook and callback handling in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"event"},
	)
)

func ObserveWebhook(event, result string, seconds float64) {
	WebhookRequests.WithLabelValues(norm(event), norm(result)).Inc()
	WebhookDuration.WithLabelValues(norm(event)).Observe(seconds)
}
