package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

const paymentColumns = `id, reference, gig_id, client_id, caregiver_id, email, service_type, frequency,
  base_price, order_fee, service_charge, gateway_fee, total_amount, currency, payment_link, status,
  gateway_transaction_id, paid_amount, completed_at, order_id, error_message, created_at, updated_at`

type paymentRepo struct{ db DB }

func NewPaymentRepo(db DB) *paymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Save(ctx context.Context, tx repository.Tx, p *model.PendingPayment) error {
	const q = `
INSERT INTO pending_payments (` + paymentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23);`

	_, err := execSQL(ctx, r.db, tx, q,
		p.ID, p.TransactionReference, p.GigID, p.ClientID, p.CaregiverID, p.Email, string(p.ServiceType), p.Frequency,
		p.Fees.BasePrice, p.Fees.OrderFee, p.Fees.ServiceCharge, p.Fees.GatewayFee, p.Fees.Total, p.Currency, p.PaymentLink, string(p.Status),
		p.GatewayTransactionID, nullDecimal(p.PaidAmount), p.CompletedAt, p.OrderID, p.ErrorMessage, p.CreatedAt, p.UpdatedAt)
	return opError(err)
}

// UpdateIfPending writes the transition only while the stored row is still pending.
func (r *paymentRepo) UpdateIfPending(ctx context.Context, tx repository.Tx, p *model.PendingPayment) (bool, error) {
	const q = `
UPDATE pending_payments
   SET status = $2,
       gateway_transaction_id = $3,
       paid_amount = $4,
       completed_at = $5,
       order_id = $6,
       error_message = $7,
       updated_at = $8
 WHERE reference = $1
   AND status = 'pending';`

	cmd, err := execSQL(ctx, r.db, tx, q,
		p.TransactionReference, string(p.Status), p.GatewayTransactionID, nullDecimal(p.PaidAmount),
		p.CompletedAt, p.OrderID, p.ErrorMessage, p.UpdatedAt)
	if err != nil {
		return false, opError(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PendingPayment, error) {
	q := `SELECT ` + paymentColumns + ` FROM pending_payments WHERE id=$1`
	if locking(tx) {
		q += " FOR UPDATE"
	}
	return r.findOne(ctx, tx, q+";", id)
}

func (r *paymentRepo) FindByReference(ctx context.Context, tx repository.Tx, reference string) (*model.PendingPayment, error) {
	q := `SELECT ` + paymentColumns + ` FROM pending_payments WHERE reference=$1`
	if locking(tx) {
		q += " FOR UPDATE"
	}
	return r.findOne(ctx, tx, q+";", reference)
}

func (r *paymentRepo) findOne(ctx context.Context, tx repository.Tx, q string, arg interface{}) (*model.PendingPayment, error) {
	row, err := pickRow(ctx, r.db, tx, q, arg)
	if err != nil {
		return nil, err
	}
	p, err := scanPayment(row)
	if err != nil {
		return nil, scanError(err)
	}
	return p, nil
}

func (r *paymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.PendingPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + paymentColumns + ` FROM pending_payments WHERE status='pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.db, tx, q, olderThan, limit)
	if err != nil {
		return nil, opError(err)
	}
	defer rows.Close()

	var out []*model.PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, scanError(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, opError(err)
	}
	return out, nil
}

func (r *paymentRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.PaymentStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM pending_payments GROUP BY status;`
	rows, err := queryRows(ctx, r.db, tx, q)
	if err != nil {
		return nil, opError(err)
	}
	defer rows.Close()

	out := make(map[model.PaymentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, scanError(err)
		}
		out[model.PaymentStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *paymentRepo) SumCompletedSince(ctx context.Context, tx repository.Tx, since time.Time) (decimal.Decimal, error) {
	const q = `SELECT COALESCE(SUM(total_amount), 0)::text FROM pending_payments WHERE status='completed' AND completed_at >= $1;`
	row, err := pickRow(ctx, r.db, tx, q, since)
	if err != nil {
		return decimal.Zero, err
	}
	var sum string
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, scanError(err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: sum %q: %v", domain.ErrReadDatabaseRow, sum, err)
	}
	return d, nil
}

func scanPayment(row rowScanner) (*model.PendingPayment, error) {
	var (
		p           model.PendingPayment
		serviceType string
		status      string
		paid        decimal.NullDecimal
	)
	if err := row.Scan(
		&p.ID, &p.TransactionReference, &p.GigID, &p.ClientID, &p.CaregiverID, &p.Email, &serviceType, &p.Frequency,
		&p.Fees.BasePrice, &p.Fees.OrderFee, &p.Fees.ServiceCharge, &p.Fees.GatewayFee, &p.Fees.Total, &p.Currency, &p.PaymentLink, &status,
		&p.GatewayTransactionID, &paid, &p.CompletedAt, &p.OrderID, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ServiceType = fees.ServiceType(serviceType)
	p.Status = model.PaymentStatus(status)
	if paid.Valid {
		v := paid.Decimal
		p.PaidAmount = &v
	}
	return &p, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
