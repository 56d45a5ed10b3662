// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

// OrderFailureMessage is stored on a payment that was captured but has no order.
const OrderFailureMessage = "payment captured but order could not be created; contact support with your transaction reference"

type CreatePaymentRequest struct {
	GigID       string `json:"gig_id" validate:"required"`
	ClientID    string `json:"client_id" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	ServiceType string `json:"service_type" validate:"required,oneof=one-time monthly"`
	Frequency   int    `json:"frequency" validate:"min=1,max=7"`
	RedirectURL string `json:"redirect_url" validate:"required,url"`
}

type PaymentUseCase interface {
	// CreatePendingPayment prices the gig, obtains a payment link and persists a Pending record.
	CreatePendingPayment(ctx context.Context, req CreatePaymentRequest) (*model.PendingPayment, error)
	// CompletePayment is safe to replay: a Completed payment is returned unchanged.
	CompletePayment(ctx context.Context, reference, gatewayTxID string, paid decimal.Decimal, currency string) (*model.PendingPayment, error)
	FailPayment(ctx context.Context, reference, reason string) (*model.PendingPayment, error)
	GetByReference(ctx context.Context, reference string) (*model.PendingPayment, error)
	// VerifyAndComplete asks the gateway for the authoritative outcome of a reference.
	VerifyAndComplete(ctx context.Context, reference string) (*model.PendingPayment, error)
	// ReconcileStale settles Pending payments created before olderThan.
	ReconcileStale(ctx context.Context, olderThan time.Time, limit int) (ReconcileReport, error)
}

// SubscriptionCreator spawns a subscription from a completed recurring payment.
type SubscriptionCreator interface {
	CreateFromPayment(ctx context.Context, p *model.PendingPayment) (*model.Subscription, error)
}

type ReconcileReport struct {
	Checked   int
	Completed int
	Failed    int
	Errors    int
}

type PaymentOptions struct {
	Currency  string
	Tolerance decimal.Decimal
	Fees      fees.Policy
}

type paymentUC struct {
	payments repository.PaymentRepository
	tm       repository.TransactionManager
	gateway  adapter.PaymentGateway
	gigs     adapter.GigCatalog
	orders   adapter.OrderService
	ledger   adapter.BillingLedger
	subs     SubscriptionCreator
	notify   NotificationUseCase

	opts PaymentOptions
	now  func() time.Time
	log  *zerolog.Logger
}

func NewPaymentUseCase(
	payments repository.PaymentRepository,
	tm repository.TransactionManager,
	gateway adapter.PaymentGateway,
	gigs adapter.GigCatalog,
	orders adapter.OrderService,
	ledger adapter.BillingLedger,
	subs SubscriptionCreator,
	notify NotificationUseCase,
	opts PaymentOptions,
	logger *zerolog.Logger,
) *paymentUC {
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}
	if opts.Tolerance.IsZero() {
		opts.Tolerance = model.DefaultAmountTolerance
	}
	if opts.Fees.GatewayFeeRate.IsZero() {
		opts.Fees = fees.DefaultPolicy()
	}
	l := logger.With().Str("component", "PaymentLedger").Logger()
	return &paymentUC{
		payments: payments,
		tm:       tm,
		gateway:  gateway,
		gigs:     gigs,
		orders:   orders,
		ledger:   ledger,
		subs:     subs,
		notify:   notify,
		opts:     opts,
		now:      time.Now,
		log:      &l,
	}
}

// NewTransactionReference returns a sortable, globally unique caller-visible reference.
func NewTransactionReference() string {
	return "CGB-" + ulid.Make().String()
}

func (u *paymentUC) CreatePendingPayment(ctx context.Context, req CreatePaymentRequest) (*model.PendingPayment, error) {
	const op = "payment.create"
	if v := violationsOf(req); len(v) > 0 {
		return nil, domain.Validation(op, v...)
	}
	st, err := fees.ParseServiceType(req.ServiceType)
	if err != nil {
		return nil, domain.Validation(op, err.Error())
	}

	gig, err := u.gigs.GetGig(ctx, req.GigID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound(op, "gig "+req.GigID)
		}
		return nil, domain.Wrap(op, err)
	}
	if !gig.Status.Purchasable() {
		return nil, domain.Conflict(op, "gig %s is %s and cannot be purchased", gig.ID, gig.Status)
	}

	breakdown, err := u.opts.Fees.Calculate(gig.Price, st, req.Frequency)
	if err != nil {
		return nil, domain.Validation(op, err.Error())
	}

	ref := NewTransactionReference()
	link, err := u.gateway.InitiatePayment(ctx, adapter.InitiateRequest{
		Reference:   ref,
		Email:       req.Email,
		Amount:      breakdown.Total,
		Currency:    u.opts.Currency,
		CallbackURL: req.RedirectURL,
		Metadata: map[string]string{
			"gig_id":       gig.ID,
			"client_id":    req.ClientID,
			"service_type": string(st),
		},
	})
	if err != nil {
		return nil, asGatewayError(op, err)
	}

	now := u.now()
	p := &model.PendingPayment{
		ID:                   uuid.NewString(),
		TransactionReference: ref,
		GigID:                gig.ID,
		ClientID:             req.ClientID,
		CaregiverID:          gig.CaregiverID,
		Email:                req.Email,
		ServiceType:          st,
		Frequency:            req.Frequency,
		Fees:                 breakdown,
		Currency:             u.opts.Currency,
		PaymentLink:          link.PaymentLink,
		Status:               model.PaymentStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := u.payments.Save(ctx, repository.NoTX, p); err != nil {
		return nil, domain.Wrap(op, err)
	}
	u.log.Info().Str("reference", ref).Str("gig_id", gig.ID).Str("total", breakdown.Total.StringFixed(2)).Msg("pending payment created")
	return p, nil
}

// completion is the outcome of the locked section of CompletePayment.
type completion int

const (
	completionNone completion = iota
	completionReplayed
	completionCompleted
	completionMismatch
	completionOrderFailed
	completionCapturedAfterFailure
)

func (u *paymentUC) CompletePayment(ctx context.Context, reference, gatewayTxID string, paid decimal.Decimal, currency string) (*model.PendingPayment, error) {
	const op = "payment.complete"
	var (
		result   *model.PendingPayment
		outcome  completion
		orderErr error
	)

	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.payments.FindByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PaymentStatusCompleted:
			result, outcome = p, completionReplayed
			return nil
		case model.PaymentStatusAmountMismatch:
			return domain.Conflict(op, "payment %s is frozen for amount review and cannot be completed", reference)
		case model.PaymentStatusFailed:
			if gatewayTxID == "" || gatewayTxID == p.GatewayTransactionID {
				return domain.Conflict(op, "payment %s already failed: %s", reference, p.ErrorMessage)
			}
			// money arrived for a payment already given up on; the record stays failed for support to settle
			result, outcome = p, completionCapturedAfterFailure
			return nil
		case model.PaymentStatusPending:
		}

		now := u.now()
		if !p.AmountMatches(paid, u.opts.Tolerance) || !p.CurrencyMatches(currency) {
			if err := p.FlagAmountMismatch(gatewayTxID, paid, currency, now); err != nil {
				return err
			}
			result, outcome = p, completionMismatch
			return u.update(ctx, tx, op, p)
		}

		orderID, err := u.orders.CreateOrder(ctx, adapter.CreateOrderRequest{
			ClientID:      p.ClientID,
			GigID:         p.GigID,
			PaymentOption: p.ServiceType,
			Amount:        p.TotalAmount(),
			TransactionID: gatewayTxID,
		})
		if err != nil {
			orderErr = err
			p.GatewayTransactionID = gatewayTxID
			p.PaidAmount = &paid
			if err := p.Fail(OrderFailureMessage, now); err != nil {
				return err
			}
			result, outcome = p, completionOrderFailed
			return u.update(ctx, tx, op, p)
		}

		if err := p.Complete(gatewayTxID, paid, orderID, now); err != nil {
			return err
		}
		result, outcome = p, completionCompleted
		return u.update(ctx, tx, op, p)
	})
	if err != nil {
		return nil, u.lookupError(op, reference, err)
	}

	switch outcome {
	case completionReplayed:
		u.log.Info().Str("reference", reference).Msg("completion replayed; returning existing record")
	case completionMismatch:
		u.log.Error().Str("reference", reference).
			Str("expected", result.TotalAmount().StringFixed(2)).
			Str("paid", paid.StringFixed(2)).
			Msg("payment amount mismatch; frozen for review")
		u.alertSupport(ctx, adapter.NotifyAmountMismatch, "Payment amount mismatch", result.ErrorMessage, result)
		expected, got := result.TotalAmount().StringFixed(2), paid.StringFixed(2)
		if !result.CurrencyMatches(currency) {
			expected += " " + result.Currency
			got += " " + strings.ToUpper(currency)
		}
		return result, domain.AmountMismatch(op, expected, got)
	case completionCapturedAfterFailure:
		late := *result
		late.GatewayTransactionID = gatewayTxID
		late.PaidAmount = &paid
		u.log.Error().Str("reference", reference).Str("gateway_tx_id", gatewayTxID).Str("paid", paid.StringFixed(2)).
			Msg("gateway captured a payment already marked failed; needs refund or manual completion")
		u.alertSupport(ctx, adapter.NotifyCaptureAfterFailure, "Payment captured after failure",
			"captured "+paid.StringFixed(2)+" "+result.Currency+" after the payment failed: "+result.ErrorMessage, &late)
		return result, domain.Conflict(op, "payment %s already failed: %s", reference, result.ErrorMessage)
	case completionOrderFailed:
		u.log.Error().Err(orderErr).Str("reference", reference).Msg("payment captured but order creation failed")
		u.alertSupport(ctx, adapter.NotifyOrderCreationFailed, "Captured payment without order", orderErr.Error(), result)
		u.notifyClient(ctx, adapter.NotifyPaymentFailed, "Payment needs attention", OrderFailureMessage, result)
		return result, &domain.Error{Kind: domain.KindInternal, Op: op, Message: OrderFailureMessage, Err: orderErr}
	case completionCompleted:
		u.afterCompletion(ctx, result)
	case completionNone:
	}
	return result, nil
}

// afterCompletion runs the best-effort side effects; none of them can revert the payment.
func (u *paymentUC) afterCompletion(ctx context.Context, p *model.PendingPayment) {
	u.log.Info().Str("reference", p.TransactionReference).Str("order_id", p.OrderID).Msg("payment completed")

	if u.ledger != nil {
		ev := adapter.BillingEvent{
			OrderID:       p.OrderID,
			ClientID:      p.ClientID,
			CaregiverID:   p.CaregiverID,
			GigID:         p.GigID,
			ServiceType:   p.ServiceType,
			Frequency:     p.Frequency,
			AmountPaid:    p.TotalAmount(),
			OrderFee:      p.Fees.OrderFee,
			ServiceCharge: p.Fees.ServiceCharge,
			GatewayFees:   p.Fees.GatewayFee,
			TransactionID: p.GatewayTransactionID,
			CycleNumber:   1,
			RecordedAt:    u.now(),
		}
		if p.PaidAmount != nil {
			ev.AmountPaid = *p.PaidAmount
		}
		if err := u.ledger.RecordBillingEvent(ctx, ev); err != nil {
			u.log.Warn().Err(err).Str("reference", p.TransactionReference).Msg("billing record export failed")
		}
	}

	u.notifyClient(ctx, adapter.NotifyPaymentCompleted, "Payment received",
		fmt.Sprintf("Your payment of %s %s was received.", p.TotalAmount().StringFixed(2), p.Currency), p)
	if u.notify != nil && p.CaregiverID != "" {
		u.notify.Dispatch(ctx, adapter.Notification{
			RecipientID:     p.CaregiverID,
			RecipientRole:   model.RoleCaregiver,
			Type:            adapter.NotifyPaymentCompleted,
			Title:           "New booking paid",
			Content:         "A client has paid for your gig.",
			RelatedEntityID: p.OrderID,
			Fields:          map[string]string{"gig_id": p.GigID, "order_id": p.OrderID},
		})
	}

	if p.ServiceType.Recurring() && u.subs != nil {
		if _, err := u.subs.CreateFromPayment(ctx, p); err != nil {
			u.log.Warn().Err(err).Str("reference", p.TransactionReference).Msg("subscription creation after payment failed")
		}
	}
}

func (u *paymentUC) FailPayment(ctx context.Context, reference, reason string) (*model.PendingPayment, error) {
	const op = "payment.fail"
	if reason == "" {
		reason = "payment failed"
	}
	var result *model.PendingPayment
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.payments.FindByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if err := p.Fail(reason, u.now()); err != nil {
			return err
		}
		result = p
		return u.update(ctx, tx, op, p)
	})
	if err != nil {
		return nil, u.lookupError(op, reference, err)
	}
	u.log.Info().Str("reference", reference).Str("reason", reason).Msg("payment failed")
	u.notifyClient(ctx, adapter.NotifyPaymentFailed, "Payment failed", reason, result)
	return result, nil
}

func (u *paymentUC) GetByReference(ctx context.Context, reference string) (*model.PendingPayment, error) {
	p, err := u.payments.FindByReference(ctx, repository.NoTX, reference)
	if err != nil {
		return nil, u.lookupError("payment.get", reference, err)
	}
	return p, nil
}

func (u *paymentUC) VerifyAndComplete(ctx context.Context, reference string) (*model.PendingPayment, error) {
	const op = "payment.verify"
	p, err := u.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, nil
	}
	v, err := u.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, asGatewayError(op, err)
	}
	switch v.Status {
	case adapter.TransactionSuccess:
		return u.CompletePayment(ctx, reference, v.GatewayTransactionID, v.Amount, v.Currency)
	case adapter.TransactionFailed, adapter.TransactionAbandoned:
		reason := "gateway reported " + string(v.Status)
		if v.Message != "" {
			reason += ": " + v.Message
		}
		return u.FailPayment(ctx, reference, reason)
	case adapter.TransactionPending:
	}
	return p, nil
}

func (u *paymentUC) ReconcileStale(ctx context.Context, olderThan time.Time, limit int) (ReconcileReport, error) {
	var rep ReconcileReport
	stale, err := u.payments.ListPendingOlderThan(ctx, repository.NoTX, olderThan, limit)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return rep, nil
		}
		return rep, domain.Wrap("payment.reconcile", err)
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		got, err := u.VerifyAndComplete(ctx, p.TransactionReference)
		if err != nil {
			rep.Errors++
			u.log.Warn().Err(err).Str("reference", p.TransactionReference).Msg("reconcile: verification failed")
			continue
		}
		switch got.Status {
		case model.PaymentStatusCompleted:
			rep.Completed++
		case model.PaymentStatusFailed, model.PaymentStatusAmountMismatch:
			rep.Failed++
		case model.PaymentStatusPending:
			if _, err := u.FailPayment(ctx, p.TransactionReference, "abandoned"); err != nil {
				rep.Errors++
				continue
			}
			rep.Failed++
		}
	}
	return rep, nil
}

func (u *paymentUC) update(ctx context.Context, tx repository.Tx, op string, p *model.PendingPayment) error {
	ok, err := u.payments.UpdateIfPending(ctx, tx, p)
	if err != nil {
		return err
	}
	if !ok {
		return domain.PersistenceConflict(op)
	}
	return nil
}

func (u *paymentUC) lookupError(op, reference string, err error) error {
	var de *domain.Error
	if !errors.As(err, &de) && errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound(op, "payment "+reference)
	}
	return domain.Wrap(op, err)
}

func (u *paymentUC) notifyClient(ctx context.Context, t adapter.NotificationType, title, content string, p *model.PendingPayment) {
	if u.notify == nil || p == nil {
		return
	}
	u.notify.Dispatch(ctx, adapter.Notification{
		RecipientID:     p.ClientID,
		RecipientRole:   model.RoleClient,
		Type:            t,
		Title:           title,
		Content:         content,
		RelatedEntityID: p.TransactionReference,
		Fields: map[string]string{
			"reference": p.TransactionReference,
			"amount":    p.TotalAmount().StringFixed(2),
			"currency":  p.Currency,
		},
	})
}

func (u *paymentUC) alertSupport(ctx context.Context, t adapter.NotificationType, title, content string, p *model.PendingPayment) {
	if u.notify == nil {
		return
	}
	fields := map[string]string{
		"reference":   p.TransactionReference,
		"client_id":   p.ClientID,
		"gig_id":      p.GigID,
		"gateway_txn": p.GatewayTransactionID,
		"expected":    p.TotalAmount().StringFixed(2),
	}
	if p.PaidAmount != nil {
		fields["paid"] = p.PaidAmount.StringFixed(2)
	}
	u.notify.AlertSupport(ctx, adapter.Notification{
		Type:            t,
		Title:           title,
		Content:         content,
		RelatedEntityID: p.TransactionReference,
		Fields:          fields,
	})
}

// asGatewayError keeps classified errors and treats the rest as retryable upstream failures.
func asGatewayError(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Gateway(op, err, true)
}
