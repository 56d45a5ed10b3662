//go:build !integration

package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
)

func TestStatsUseCase(t *testing.T) {
	ctx := context.Background()

	t.Run("analytics aggregate counts, MRR and churn", func(t *testing.T) {
		subs := newMemSubRepo()
		payments := newMemPaymentRepo()
		now := t0.AddDate(0, 2, 0)
		ended := now.Add(-5 * 24 * time.Hour)
		old := now.AddDate(0, -3, 0)

		subs.put(&model.Subscription{ID: "m", ClientID: "c1", GigID: "g1", BillingCycle: model.BillingCycleMonthly, Status: model.SubscriptionStatusActive, RecurringAmount: dec("1000")})
		subs.put(&model.Subscription{ID: "w", ClientID: "c2", GigID: "g2", BillingCycle: model.BillingCycleWeekly, Status: model.SubscriptionStatusPastDue, RecurringAmount: dec("120")})
		subs.put(&model.Subscription{ID: "x", ClientID: "c3", GigID: "g3", BillingCycle: model.BillingCycleMonthly, Status: model.SubscriptionStatusCancelled, RecurringAmount: dec("500"), CancelledAt: &ended})
		subs.put(&model.Subscription{ID: "y", ClientID: "c4", GigID: "g4", BillingCycle: model.BillingCycleMonthly, Status: model.SubscriptionStatusTerminated, RecurringAmount: dec("500"), TerminatedAt: &old})
		subs.put(&model.Subscription{ID: "p", ClientID: "c5", GigID: "g5", BillingCycle: model.BillingCycleWeekly, Status: model.SubscriptionStatusPaused, RecurringAmount: dec("70")})

		recent := now.Add(-24 * time.Hour)
		require.NoError(t, payments.Save(ctx, nil, &model.PendingPayment{TransactionReference: "a", Status: model.PaymentStatusCompleted, CompletedAt: &recent, Fees: fees.Breakdown{Total: dec("100.50")}}))
		require.NoError(t, payments.Save(ctx, nil, &model.PendingPayment{TransactionReference: "b", Status: model.PaymentStatusCompleted, CompletedAt: &old, Fees: fees.Breakdown{Total: dec("999")}}))
		require.NoError(t, payments.Save(ctx, nil, &model.PendingPayment{TransactionReference: "c", Status: model.PaymentStatusPending, Fees: fees.Breakdown{Total: dec("10")}}))

		uc := NewStatsUseCase(subs, payments, newTestLogger())
		uc.now = func() time.Time { return now }

		got, err := uc.SubscriptionAnalytics(ctx, 30*24*time.Hour)

		require.NoError(t, err)
		assert.Equal(t, 1, got.CountsByStatus[model.SubscriptionStatusActive])
		assert.Equal(t, 1, got.CountsByStatus[model.SubscriptionStatusPaused])
		assert.Equal(t, 2, got.PaymentsByStatus[model.PaymentStatusCompleted])
		assert.True(t, dec("1520").Equal(got.MonthlyRecurringValue), "got %s", got.MonthlyRecurringValue)
		assert.True(t, dec("0.3333").Equal(got.ChurnRate), "got %s", got.ChurnRate)
		assert.Equal(t, 30, got.ChurnWindowDays)
		assert.True(t, dec("100.5").Equal(got.RevenueLast30Days))
		assert.Equal(t, now, got.GeneratedAt)
	})

	t.Run("analytics never loads subscription rows", func(t *testing.T) {
		subs := &noListSubRepo{memSubRepo: newMemSubRepo()}
		subs.put(&model.Subscription{ID: "w", ClientID: "c1", GigID: "g1", BillingCycle: model.BillingCycleWeekly, Status: model.SubscriptionStatusActive, RecurringAmount: dec("100")})
		uc := NewStatsUseCase(subs, newMemPaymentRepo(), newTestLogger())

		got, err := uc.SubscriptionAnalytics(ctx, 0)

		require.NoError(t, err)
		assert.Zero(t, subs.lists)
		assert.True(t, dec("433.33").Equal(got.MonthlyRecurringValue), "got %s", got.MonthlyRecurringValue)
		assert.True(t, got.ChurnRate.IsZero())
	})

	t.Run("churn rate of an empty book is zero", func(t *testing.T) {
		assert.True(t, ChurnRate(0, 0).IsZero())
		assert.True(t, dec("1").Equal(ChurnRate(0, 4)))
		assert.True(t, dec("0.25").Equal(ChurnRate(3, 1)))
	})

	t.Run("counts pass through", func(t *testing.T) {
		subs := newMemSubRepo()
		subs.put(&model.Subscription{ID: "a", Status: model.SubscriptionStatusSuspended})
		uc := NewStatsUseCase(subs, newMemPaymentRepo(), newTestLogger())

		counts, err := uc.SubscriptionCounts(ctx)

		require.NoError(t, err)
		assert.Equal(t, map[model.SubscriptionStatus]int{model.SubscriptionStatusSuspended: 1}, counts)
	})
}

// noListSubRepo counts List calls so aggregate paths can prove they stay in the database.
type noListSubRepo struct {
	*memSubRepo
	lists int
}

func (r *noListSubRepo) List(ctx context.Context, tx repository.Tx, f repository.SubscriptionFilter) ([]*model.Subscription, error) {
	r.lists++
	return r.memSubRepo.List(ctx, tx, f)
}
