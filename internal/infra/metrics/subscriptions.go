package metrics

import (
	"caregiver-billing/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		subscriptionTransitionsTotal,
		subscriptionsTotal,
		subscriptionChargesTotal,
	)
}

var (
	subscriptionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscription_transitions_total",
			Help: "Subscription state-machine events by transition and result.",
		},
		[]string{"transition", "result"}, // result: 'ok', 'rejected', 'error'
	)

	subscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_subscriptions_total",
			Help: "Current number of subscriptions by status.",
		},
		[]string{"status"},
	)

	subscriptionChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_subscription_charges_total",
			Help: "Recurring charge attempts by outcome.",
		},
		[]string{"outcome"}, // 'succeeded', 'failed', 'suspended', 'skipped'
	)
)

func IncSubscriptionTransition(transition, result string) {
	subscriptionTransitionsTotal.WithLabelValues(norm(transition), norm(result)).Inc()
}

func IncCharge(outcome string) {
	subscriptionChargesTotal.WithLabelValues(norm(outcome)).Inc()
}

func SetSubscriptionsTotal(counts map[model.SubscriptionStatus]int) {
	for _, status := range model.AllSubscriptionStatuses {
		subscriptionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
