package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/model"
)

// -----------------------------
// Pending payments
// -----------------------------

type PaymentRepository interface {
	// Save inserts a new record; a duplicate reference yields domain.ErrAlreadyExists.
	Save(ctx context.Context, tx Tx, p *model.PendingPayment) error

	// UpdateIfPending persists a transition out of Pending. It reports false when
	// the stored row already left Pending.
	UpdateIfPending(ctx context.Context, tx Tx, p *model.PendingPayment) (bool, error)

	FindByID(ctx context.Context, tx Tx, id string) (*model.PendingPayment, error)
	// FindByReference locks the row when tx is transactional.
	FindByReference(ctx context.Context, tx Tx, reference string) (*model.PendingPayment, error)

	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.PendingPayment, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.PaymentStatus]int, error)
	// SumCompletedSince totals the amounts of payments completed at or after since.
	SumCompletedSince(ctx context.Context, tx Tx, since time.Time) (decimal.Decimal, error)
}
