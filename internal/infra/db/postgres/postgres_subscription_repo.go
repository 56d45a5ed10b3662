package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

// TokenCipher protects the stored charge token.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const subscriptionColumns = `id, client_id, caregiver_id, gig_id, original_order_id, contract_id, email,
  billing_cycle, frequency, price_per_visit, recurring_amount, currency, fees,
  status, auto_renew, current_period_start, current_period_end, next_charge_date, billing_cycles_completed,
  failed_charge_attempts, last_charge_error, max_retry_attempts, charge_token, card,
  cancellation_requested_at, cancellation_reason, cancel_at_period_end, cancelled_by, cancelled_at,
  terminated_at, refund_amount, refund_reference, payment_history, plan_changes, version, created_at, updated_at`

type subscriptionRepo struct {
	db     DB
	cipher TokenCipher
}

func NewSubscriptionRepo(db DB, cipher TokenCipher) *subscriptionRepo {
	return &subscriptionRepo{db: db, cipher: cipher}
}

// subscriptionRow holds the encoded forms of the non-scalar columns.
type subscriptionRow struct {
	fees, card, history, changes []byte
	token                        string
}

func (r *subscriptionRepo) encode(s *model.Subscription) (subscriptionRow, error) {
	var (
		row subscriptionRow
		err error
	)
	if row.fees, err = json.Marshal(s.Fees); err != nil {
		return row, fmt.Errorf("encode fees: %w", err)
	}
	if row.card, err = json.Marshal(s.Card); err != nil {
		return row, fmt.Errorf("encode card: %w", err)
	}
	history := s.PaymentHistory
	if history == nil {
		history = []model.SubscriptionPaymentRecord{}
	}
	if row.history, err = json.Marshal(history); err != nil {
		return row, fmt.Errorf("encode payment history: %w", err)
	}
	changes := s.PlanChanges
	if changes == nil {
		changes = []model.PlanChangeRecord{}
	}
	if row.changes, err = json.Marshal(changes); err != nil {
		return row, fmt.Errorf("encode plan changes: %w", err)
	}
	if row.token, err = r.cipher.Encrypt(s.ChargeToken); err != nil {
		return row, fmt.Errorf("encrypt charge token: %w", err)
	}
	return row, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37);`

	enc, err := r.encode(s)
	if err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = 1
	}
	_, err = execSQL(ctx, r.db, tx, q,
		s.ID, s.ClientID, s.CaregiverID, s.GigID, s.OriginalOrderID, s.ContractID, s.Email,
		string(s.BillingCycle), s.Frequency, s.PricePerVisit, s.RecurringAmount, s.Currency, enc.fees,
		string(s.Status), s.AutoRenew, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextChargeDate, s.BillingCyclesCompleted,
		s.FailedChargeAttempts, s.LastChargeError, s.MaxRetryAttempts, enc.token, enc.card,
		s.CancellationRequestedAt, s.CancellationReason, s.CancelAtPeriodEnd, s.CancelledBy, s.CancelledAt,
		s.TerminatedAt, s.RefundAmount, s.RefundReference, enc.history, enc.changes, s.Version, s.CreatedAt, s.UpdatedAt)
	return opError(err)
}

// Update writes every mutable column when the stored version matches, then bumps s.Version.
func (r *subscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
UPDATE subscriptions SET
  contract_id = $3, billing_cycle = $4, frequency = $5, price_per_visit = $6, recurring_amount = $7, fees = $8,
  status = $9, auto_renew = $10, current_period_start = $11, current_period_end = $12, next_charge_date = $13,
  billing_cycles_completed = $14, failed_charge_attempts = $15, last_charge_error = $16, max_retry_attempts = $17,
  charge_token = $18, card = $19, cancellation_requested_at = $20, cancellation_reason = $21,
  cancel_at_period_end = $22, cancelled_by = $23, cancelled_at = $24, terminated_at = $25,
  refund_amount = $26, refund_reference = $27, payment_history = $28, plan_changes = $29,
  updated_at = $30, version = version + 1
WHERE id = $1 AND version = $2;`

	enc, err := r.encode(s)
	if err != nil {
		return err
	}
	cmd, err := execSQL(ctx, r.db, tx, q,
		s.ID, s.Version,
		s.ContractID, string(s.BillingCycle), s.Frequency, s.PricePerVisit, s.RecurringAmount, enc.fees,
		string(s.Status), s.AutoRenew, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextChargeDate,
		s.BillingCyclesCompleted, s.FailedChargeAttempts, s.LastChargeError, s.MaxRetryAttempts,
		enc.token, enc.card, s.CancellationRequestedAt, s.CancellationReason,
		s.CancelAtPeriodEnd, s.CancelledBy, s.CancelledAt, s.TerminatedAt,
		s.RefundAmount, s.RefundReference, enc.history, enc.changes,
		s.UpdatedAt)
	if err != nil {
		return opError(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrPersistenceConflict
	}
	s.Version++
	return nil
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=$1`
	if locking(tx) {
		q += " FOR UPDATE"
	}
	return r.findOne(ctx, tx, q+";", id)
}

func (r *subscriptionRepo) FindCurrent(ctx context.Context, tx repository.Tx, clientID, gigID string) (*model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE client_id=$1 AND gig_id=$2 AND status IN ('active','past_due') LIMIT 1`
	if locking(tx) {
		q += " FOR UPDATE"
	}
	return r.findOne(ctx, tx, q+";", clientID, gigID)
}

func (r *subscriptionRepo) findOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.Subscription, error) {
	row, err := pickRow(ctx, r.db, tx, q, args...)
	if err != nil {
		return nil, err
	}
	return r.scan(row)
}

func (r *subscriptionRepo) List(ctx context.Context, tx repository.Tx, f repository.SubscriptionFilter) ([]*model.Subscription, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.CaregiverID != "" {
		add("caregiver_id = $%d", f.CaregiverID)
	}
	if f.GigID != "" {
		add("gig_id = $%d", f.GigID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		add("status = ANY($%d)", statuses)
	}

	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.findMany(ctx, tx, q+";", args...)
}

func (r *subscriptionRepo) ListDueForCharge(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE status IN ('active','past_due') AND auto_renew AND charge_token <> '' AND next_charge_date <= $1
ORDER BY next_charge_date ASC LIMIT $2;`
	return r.findMany(ctx, tx, q, now, limit)
}

func (r *subscriptionRepo) ListDueForFinalization(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions
WHERE status = 'pending_cancellation' AND cancel_at_period_end AND current_period_end <= $1
ORDER BY current_period_end ASC LIMIT $2;`
	return r.findMany(ctx, tx, q, now, limit)
}

func (r *subscriptionRepo) findMany(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Subscription, error) {
	rows, err := queryRows(ctx, r.db, tx, q, args...)
	if err != nil {
		return nil, opError(err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, opError(err)
	}
	return out, nil
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM subscriptions GROUP BY status;`
	rows, err := queryRows(ctx, r.db, tx, q)
	if err != nil {
		return nil, opError(err)
	}
	defer rows.Close()

	out := make(map[model.SubscriptionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, scanError(err)
		}
		out[model.SubscriptionStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *subscriptionRepo) CountEndedBetween(ctx context.Context, tx repository.Tx, from, to time.Time) (int, error) {
	const q = `
SELECT COUNT(*) FROM subscriptions
 WHERE (cancelled_at >= $1 AND cancelled_at < $2)
    OR (terminated_at >= $1 AND terminated_at < $2);`
	row, err := pickRow(ctx, r.db, tx, q, from, to)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, scanError(err)
	}
	return n, nil
}

func (r *subscriptionRepo) SumMonthlyRecurring(ctx context.Context, tx repository.Tx) (decimal.Decimal, error) {
	const q = `
SELECT COALESCE(SUM(CASE billing_cycle
         WHEN 'weekly'  THEN ROUND(recurring_amount * 52 / 12, 2)
         WHEN 'monthly' THEN recurring_amount
         ELSE 0 END), 0)::text
  FROM subscriptions
 WHERE status IN ('active','past_due');`
	row, err := pickRow(ctx, r.db, tx, q)
	if err != nil {
		return decimal.Zero, err
	}
	var sum string
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, scanError(err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: mrr %q: %v", domain.ErrReadDatabaseRow, sum, err)
	}
	return d, nil
}

func (r *subscriptionRepo) scan(row rowScanner) (*model.Subscription, error) {
	var (
		s                            model.Subscription
		cycle, status, token         string
		fees, card, history, changes []byte
	)
	if err := row.Scan(
		&s.ID, &s.ClientID, &s.CaregiverID, &s.GigID, &s.OriginalOrderID, &s.ContractID, &s.Email,
		&cycle, &s.Frequency, &s.PricePerVisit, &s.RecurringAmount, &s.Currency, &fees,
		&status, &s.AutoRenew, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.NextChargeDate, &s.BillingCyclesCompleted,
		&s.FailedChargeAttempts, &s.LastChargeError, &s.MaxRetryAttempts, &token, &card,
		&s.CancellationRequestedAt, &s.CancellationReason, &s.CancelAtPeriodEnd, &s.CancelledBy, &s.CancelledAt,
		&s.TerminatedAt, &s.RefundAmount, &s.RefundReference, &history, &changes, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, scanError(err)
	}
	s.BillingCycle = model.BillingCycle(cycle)
	s.Status = model.SubscriptionStatus(status)

	if err := json.Unmarshal(fees, &s.Fees); err != nil {
		return nil, fmt.Errorf("%w: fees: %v", domain.ErrReadDatabaseRow, err)
	}
	if len(card) > 0 {
		if err := json.Unmarshal(card, &s.Card); err != nil {
			return nil, fmt.Errorf("%w: card: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	if err := json.Unmarshal(history, &s.PaymentHistory); err != nil {
		return nil, fmt.Errorf("%w: payment history: %v", domain.ErrReadDatabaseRow, err)
	}
	if err := json.Unmarshal(changes, &s.PlanChanges); err != nil {
		return nil, fmt.Errorf("%w: plan changes: %v", domain.ErrReadDatabaseRow, err)
	}
	plain, err := r.cipher.Decrypt(token)
	if err != nil {
		return nil, fmt.Errorf("%w: charge token: %v", domain.ErrReadDatabaseRow, err)
	}
	s.ChargeToken = plain
	return &s, nil
}
