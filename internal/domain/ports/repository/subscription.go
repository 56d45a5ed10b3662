package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/model"
)

// SubscriptionFilter narrows subscription listings. Zero values mean "any".
type SubscriptionFilter struct {
	ClientID    string
	CaregiverID string
	GigID       string
	Statuses    []model.SubscriptionStatus
	Limit       int
	Offset      int
}

// SubscriptionRepository is the port for recurring billing agreements.
//
// Update is optimistic: it succeeds only when the stored version equals
// sub.Version and then increments sub.Version. A lost race yields
// domain.ErrPersistenceConflict.
type SubscriptionRepository interface {
	// Create fails with domain.ErrAlreadyExists when a current subscription exists for the same client and gig.
	Create(ctx context.Context, tx Tx, sub *model.Subscription) error
	Update(ctx context.Context, tx Tx, sub *model.Subscription) error

	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	FindCurrent(ctx context.Context, tx Tx, clientID, gigID string) (*model.Subscription, error)
	List(ctx context.Context, tx Tx, f SubscriptionFilter) ([]*model.Subscription, error)

	// ListDueForCharge returns Active/PastDue, auto-renewing subscriptions with a token and NextChargeDate <= now.
	ListDueForCharge(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Subscription, error)
	// ListDueForFinalization returns PendingCancellation subscriptions whose period ended by now.
	ListDueForFinalization(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Subscription, error)

	// --- Statistics read-only methods ---
	CountByStatus(ctx context.Context, tx Tx) (map[model.SubscriptionStatus]int, error)
	// CountEndedBetween counts cancellations and terminations that took effect in [from, to).
	CountEndedBetween(ctx context.Context, tx Tx, from, to time.Time) (int, error)
	// SumMonthlyRecurring totals Active/PastDue recurring amounts normalised to one month,
	// weekly amounts as amount*52/12 rounded to two places each.
	SumMonthlyRecurring(ctx context.Context, tx Tx) (decimal.Decimal, error)
}
