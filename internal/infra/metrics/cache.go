package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, gatewayCallDuration) }

var (
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_cache_requests_total",
			Help: "Tracks read-through cache hits and misses.",
		},
		[]string{"cache", "result"}, // e.g., cache="gig", result="hit"
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_gateway_call_duration_seconds",
			Help:    "Payment gateway and marketplace call latency by operation and success.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "success"},
	)
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func ObserveGatewayCall(operation string, success bool, seconds float64) {
	s := "false"
	if success {
		s = "true"
	}
	gatewayCallDuration.WithLabelValues(norm(operation), s).Observe(seconds)
}
