package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		notificationsTotal,
		rateLimitTriggeredTotal,
		httpRequestsTotal,
	)
}

var (
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Notification deliveries by channel and status.",
		},
		[]string{"channel", "status"}, // channel: 'telegram', 'nats'; status: 'sent', 'error'
	)

	rateLimitTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_rate_limit_triggered_total",
			Help: "Total number of requests rejected by the rate limiter.",
		},
		[]string{"route"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "HTTP requests by method and status code class.",
		},
		[]string{"method", "code"},
	)
)

func IncNotification(channel, status string) {
	notificationsTotal.WithLabelValues(norm(channel), norm(status)).Inc()
}

func IncRateLimited(route string) {
	rateLimitTriggeredTotal.WithLabelValues(route).Inc()
}

func IncHTTPRequest(method, code string) {
	httpRequestsTotal.WithLabelValues(method, code).Inc()
}
