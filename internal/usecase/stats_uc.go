package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ StatsUseCase = (*statsUC)(nil)

type SubscriptionAnalytics struct {
	CountsByStatus        map[model.SubscriptionStatus]int `json:"counts_by_status"`
	PaymentsByStatus      map[model.PaymentStatus]int      `json:"payments_by_status"`
	MonthlyRecurringValue decimal.Decimal                  `json:"mrr"`
	ChurnRate             decimal.Decimal                  `json:"churn_rate"`
	ChurnWindowDays       int                              `json:"churn_window_days"`
	RevenueLast30Days     decimal.Decimal                  `json:"revenue_last_30_days"`
	GeneratedAt           time.Time                        `json:"generated_at"`
}

type StatsUseCase interface {
	// SubscriptionAnalytics reports counts, MRR and churn over the trailing window.
	SubscriptionAnalytics(ctx context.Context, window time.Duration) (*SubscriptionAnalytics, error)
	SubscriptionCounts(ctx context.Context) (map[model.SubscriptionStatus]int, error)
}

type statsUC struct {
	subs     repository.SubscriptionRepository
	payments repository.PaymentRepository

	now func() time.Time
	log *zerolog.Logger
}

func NewStatsUseCase(subs repository.SubscriptionRepository, payments repository.PaymentRepository, logger *zerolog.Logger) *statsUC {
	return &statsUC{subs: subs, payments: payments, now: time.Now, log: logger}
}

func (s *statsUC) SubscriptionCounts(ctx context.Context) (map[model.SubscriptionStatus]int, error) {
	counts, err := s.subs.CountByStatus(ctx, repository.NoTX)
	if err != nil {
		return nil, domain.Wrap("stats.counts", err)
	}
	return counts, nil
}

func (s *statsUC) SubscriptionAnalytics(ctx context.Context, window time.Duration) (*SubscriptionAnalytics, error) {
	const op = "stats.analytics"
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	now := s.now()

	counts, err := s.SubscriptionCounts(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.CountByStatus(ctx, repository.NoTX)
	if err != nil {
		return nil, domain.Wrap(op, err)
	}

	mrr, err := s.subs.SumMonthlyRecurring(ctx, repository.NoTX)
	if err != nil {
		return nil, domain.Wrap(op, err)
	}
	current := counts[model.SubscriptionStatusActive] + counts[model.SubscriptionStatusPastDue]

	ended, err := s.subs.CountEndedBetween(ctx, repository.NoTX, now.Add(-window), now)
	if err != nil {
		return nil, domain.Wrap(op, err)
	}
	revenue, err := s.payments.SumCompletedSince(ctx, repository.NoTX, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, domain.Wrap(op, err)
	}

	return &SubscriptionAnalytics{
		CountsByStatus:        counts,
		PaymentsByStatus:      payments,
		MonthlyRecurringValue: mrr.Round(2),
		ChurnRate:             ChurnRate(current, ended),
		ChurnWindowDays:       int(window / (24 * time.Hour)),
		RevenueLast30Days:     revenue.Round(2),
		GeneratedAt:           now,
	}, nil
}

// ChurnRate is ended / (current + ended), rounded to four places; zero when nothing exists.
func ChurnRate(current, ended int) decimal.Decimal {
	total := current + ended
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(ended)).Div(decimal.NewFromInt(int64(total))).Round(4)
}
