package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		paymentsAmountMismatchTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payments_total",
			Help: "One-time payments by outcome (initiated/completed/replayed/failed/amount_mismatch).",
		},
		[]string{"status"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_payments_revenue_total",
			Help: "The total monetary value of captured payments and charges, labeled by currency and source.",
		},
		[]string{"currency", "source"}, // source: 'one_time', 'recurring'
	)

	paymentsAmountMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_payments_amount_mismatch_total",
			Help: "Payments frozen because the captured amount differed from the stored total.",
		},
	)
)

func IncPayment(status string) {
	paymentsTotal.WithLabelValues(norm(status)).Inc()
	if norm(status) == "amount_mismatch" {
		paymentsAmountMismatchTotal.Inc()
	}
}

func AddRevenue(currency, source string, amount decimal.Decimal) {
	f, _ := amount.Float64()
	paymentsRevenueTotal.WithLabelValues(norm(currency), norm(source)).Add(f)
}
