package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func samplePayment() *model.PendingPayment {
	return &model.PendingPayment{
		ID:                   "3f1c2f9e-8d55-4a8a-9f65-7c3a0e6c1d11",
		TransactionReference: "CGB-01HZX",
		GigID:                "gig-1",
		ClientID:             "client-1",
		CaregiverID:          "cg-1",
		Email:                "client@example.com",
		ServiceType:          fees.ServiceOneTime,
		Frequency:            1,
		Fees:                 fees.Breakdown{BasePrice: decimal.NewFromInt(1000), OrderFee: decimal.NewFromInt(1000), Total: decimal.NewFromInt(1115)},
		Currency:             "NGN",
		Status:               model.PaymentStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func sampleSubscription(t *testing.T) *model.Subscription {
	t.Helper()
	s, err := model.NewSubscription(model.NewSubscriptionParams{
		ID:           "sub-1",
		ClientID:     "client-1",
		CaregiverID:  "cg-1",
		GigID:        "gig-1",
		BillingCycle: model.BillingCycleWeekly,
		Frequency:    2,
		Fees:         fees.Breakdown{BasePrice: decimal.NewFromInt(100), Total: decimal.NewFromInt(230)},
		Currency:     "NGN",
		ChargeToken:  "AUTH_secret",
	}, now)
	require.NoError(t, err)
	s.Version = 1
	return s
}

