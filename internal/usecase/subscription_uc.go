// File: internal/usecase/subscription_uc.go
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

// Compile-time checks
var (
	_ SubscriptionUseCase = (*subscriptionUC)(nil)
	_ SubscriptionCreator = (*subscriptionUC)(nil)
)

type ChangePlanRequest struct {
	BillingCycle string `json:"billing_cycle" validate:"required,oneof=weekly monthly"`
	Frequency    int    `json:"frequency" validate:"min=1,max=7"`
}

type PaymentMethodUpdateRequest struct {
	Email       string `json:"email" validate:"required,email"`
	RedirectURL string `json:"redirect_url" validate:"required,url"`
}

// PaymentMethodUpdate is the first step of a payment-method refresh.
type PaymentMethodUpdate struct {
	Reference   string          `json:"reference"`
	PaymentLink string          `json:"payment_link"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// ChargeOutcome is what one scheduled charge attempt did.
type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeFailed    ChargeOutcome = "failed"
	ChargeSuspended ChargeOutcome = "suspended"
	ChargeSkipped   ChargeOutcome = "skipped" // guard rejected; nothing changed
	ChargeLocked    ChargeOutcome = "locked"  // another worker holds the subscription
)

// SubscriptionUseCase is the recurring billing engine.
type SubscriptionUseCase interface {
	CreateFromPayment(ctx context.Context, p *model.PendingPayment) (*model.Subscription, error)

	Get(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error)
	List(ctx context.Context, actor model.Actor, f repository.SubscriptionFilter) ([]*model.Subscription, error)
	PaymentHistory(ctx context.Context, actor model.Actor, id string) ([]model.SubscriptionPaymentRecord, error)
	PlanChanges(ctx context.Context, actor model.Actor, id string) ([]model.PlanChangeRecord, error)

	Cancel(ctx context.Context, actor model.Actor, id, reason string) (*model.Subscription, error)
	Reactivate(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error)
	Terminate(ctx context.Context, actor model.Actor, id, reason string, withRefund bool) (*model.Subscription, error)
	Pause(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error)
	Resume(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error)
	ChangePlan(ctx context.Context, actor model.Actor, id string, req ChangePlanRequest) (*model.Subscription, error)

	InitiatePaymentMethodUpdate(ctx context.Context, actor model.Actor, id string, req PaymentMethodUpdateRequest) (*PaymentMethodUpdate, error)
	ConfirmPaymentMethodUpdate(ctx context.Context, actor model.Actor, id, reference string) (*model.Subscription, error)

	// Scheduler entry points.
	DueForCharge(ctx context.Context, limit int) ([]string, error)
	ChargeSubscription(ctx context.Context, id string) (ChargeOutcome, error)
	DueForFinalization(ctx context.Context, limit int) ([]string, error)
	FinalizeCancellation(ctx context.Context, id string) (*model.Subscription, error)
}

type SubscriptionOptions struct {
	Currency           string
	Retry              model.RetryPolicy
	Fees               fees.Policy
	AutoRefund         bool
	VerificationAmount decimal.Decimal
	ChargeTimeout      time.Duration
	LockTTL            time.Duration
}

type subscriptionUC struct {
	subs      repository.SubscriptionRepository
	tm        repository.TransactionManager
	gateway   adapter.PaymentGateway
	orders    adapter.OrderService
	contracts adapter.ContractService
	ledger    adapter.BillingLedger
	locker    adapter.Locker
	notify    NotificationUseCase

	opts SubscriptionOptions
	now  func() time.Time
	log  *zerolog.Logger
}

func NewSubscriptionUseCase(
	subs repository.SubscriptionRepository,
	tm repository.TransactionManager,
	gateway adapter.PaymentGateway,
	orders adapter.OrderService,
	contracts adapter.ContractService,
	ledger adapter.BillingLedger,
	locker adapter.Locker,
	notify NotificationUseCase,
	opts SubscriptionOptions,
	logger *zerolog.Logger,
) *subscriptionUC {
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = model.DefaultRetryPolicy()
	}
	if opts.Fees.GatewayFeeRate.IsZero() {
		opts.Fees = fees.DefaultPolicy()
	}
	if opts.VerificationAmount.IsZero() {
		opts.VerificationAmount = decimal.NewFromInt(50)
	}
	if opts.ChargeTimeout <= 0 {
		opts.ChargeTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	l := logger.With().Str("component", "SubscriptionEngine").Logger()
	return &subscriptionUC{
		subs:      subs,
		tm:        tm,
		gateway:   gateway,
		orders:    orders,
		contracts: contracts,
		ledger:    ledger,
		locker:    locker,
		notify:    notify,
		opts:      opts,
		now:       time.Now,
		log:       &l,
	}
}

// -----------------------------
// Creation
// -----------------------------

func (u *subscriptionUC) CreateFromPayment(ctx context.Context, p *model.PendingPayment) (*model.Subscription, error) {
	const op = "subscription.create"
	if p.Status != model.PaymentStatusCompleted {
		return nil, domain.Conflict(op, "payment %s is %s, expected completed", p.TransactionReference, p.Status)
	}
	cycle, ok := model.CycleForService(p.ServiceType)
	if !ok {
		return nil, domain.Validation(op, fmt.Sprintf("service type %q is not recurring", p.ServiceType))
	}

	var (
		token string
		card  model.CardDetails
	)
	auth, err := u.gateway.VerifyAndExtractToken(ctx, p.GatewayTransactionID)
	if err != nil {
		// no token: the subscription exists but will not auto-charge until a payment method is added
		u.log.Warn().Err(err).Str("reference", p.TransactionReference).Msg("could not extract reusable authorization")
	} else if auth != nil {
		token, card = auth.Token, auth.Card
	}

	sub, err := model.NewSubscription(model.NewSubscriptionParams{
		ID:                    uuid.NewString(),
		ClientID:              p.ClientID,
		CaregiverID:           p.CaregiverID,
		GigID:                 p.GigID,
		OriginalOrderID:       p.OrderID,
		Email:                 p.Email,
		BillingCycle:          cycle,
		Frequency:             p.Frequency,
		Fees:                  p.Fees,
		Currency:              p.Currency,
		ChargeToken:           token,
		Card:                  card,
		MaxRetries:            u.opts.Retry.MaxAttempts,
		FirstPaymentReference: p.TransactionReference,
		FirstPaymentTxID:      p.GatewayTransactionID,
	}, u.now())
	if err != nil {
		return nil, err
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		existing, err := u.subs.FindCurrent(ctx, tx, p.ClientID, p.GigID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			return domain.Conflict(op, "client %s already has %s subscription %s for gig %s", p.ClientID, existing.Status, existing.ID, p.GigID)
		}
		return u.subs.Create(ctx, tx, sub)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.Conflict(op, "client %s already has a current subscription for gig %s", p.ClientID, p.GigID)
		}
		return nil, domain.Wrap(op, err)
	}

	u.log.Info().Str("subscription_id", sub.ID).Str("cycle", string(cycle)).Bool("chargeable", sub.Chargeable()).Msg("subscription created")
	u.notifyParties(ctx, sub, adapter.NotifySubscriptionCreated, "Subscription started",
		fmt.Sprintf("Your %s care subscription is active until %s.", cycle, sub.CurrentPeriodEnd.Format("2006-01-02")))
	return sub, nil
}

// -----------------------------
// Queries
// -----------------------------

func (u *subscriptionUC) Get(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error) {
	const op = "subscription.get"
	s, err := u.load(ctx, repository.NoTX, op, id)
	if err != nil {
		return nil, err
	}
	if !s.CanView(actor) {
		return nil, domain.Conflict(op, "actor %s may not view subscription %s", actor.ID, id)
	}
	return s, nil
}

func (u *subscriptionUC) List(ctx context.Context, actor model.Actor, f repository.SubscriptionFilter) ([]*model.Subscription, error) {
	switch actor.Role {
	case model.RoleClient:
		f.ClientID, f.CaregiverID = actor.ID, ""
	case model.RoleCaregiver:
		f.CaregiverID, f.ClientID = actor.ID, ""
	case model.RoleSupport, model.RoleSystem:
	default:
		return nil, domain.Conflict("subscription.list", "unknown role %q", actor.Role)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	out, err := u.subs.List(ctx, repository.NoTX, f)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Wrap("subscription.list", err)
	}
	return out, nil
}

func (u *subscriptionUC) PaymentHistory(ctx context.Context, actor model.Actor, id string) ([]model.SubscriptionPaymentRecord, error) {
	s, err := u.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.PaymentHistory, nil
}

func (u *subscriptionUC) PlanChanges(ctx context.Context, actor model.Actor, id string) ([]model.PlanChangeRecord, error) {
	s, err := u.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.PlanChanges, nil
}

// -----------------------------
// Commands
// -----------------------------

func (u *subscriptionUC) Cancel(ctx context.Context, actor model.Actor, id, reason string) (*model.Subscription, error) {
	const op = "subscription.cancel"
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		return s.Cancel(actor, reason, now)
	})
	if err != nil {
		return nil, err
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionCancelled, "Subscription cancelled",
		fmt.Sprintf("Service continues until %s and will not renew.", s.CurrentPeriodEnd.Format("2006-01-02")))
	return s, nil
}

func (u *subscriptionUC) Reactivate(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error) {
	const op = "subscription.reactivate"
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		return s.Reactivate(now)
	})
	if err != nil {
		return nil, err
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionChanged, "Subscription reactivated", "Your subscription will renew as usual.")
	return s, nil
}

func (u *subscriptionUC) Terminate(ctx context.Context, actor model.Actor, id, reason string, withRefund bool) (*model.Subscription, error) {
	const op = "subscription.terminate"
	var refund decimal.Decimal
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		var err error
		refund, err = s.Terminate(actor, reason, withRefund, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.log.Info().Str("subscription_id", id).Str("actor", actor.ID).Str("refund", refund.StringFixed(2)).Msg("subscription terminated")

	if s.ContractID != nil && *s.ContractID != "" && u.contracts != nil {
		if err := u.contracts.TerminateContract(ctx, *s.ContractID, "subscription terminated: "+reason); err != nil {
			u.log.Error().Err(err).Str("contract_id", *s.ContractID).Msg("linked contract termination failed")
			u.alertSupport(ctx, adapter.NotifySubscriptionEnded, "Contract termination failed", err.Error(), s)
		}
	}

	if refund.IsPositive() {
		s = u.settleRefund(ctx, s, refund)
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionEnded, "Subscription terminated",
		fmt.Sprintf("The subscription was ended immediately. Refund due: %s %s.", refund.StringFixed(2), s.Currency))
	return s, nil
}

// settleRefund executes the refund when configured; otherwise support is asked to do it.
func (u *subscriptionUC) settleRefund(ctx context.Context, s *model.Subscription, refund decimal.Decimal) *model.Subscription {
	ref := lastSuccessfulReference(s)
	if !u.opts.AutoRefund || ref == "" {
		u.alertSupport(ctx, adapter.NotifyRefundDue, "Refund due",
			fmt.Sprintf("Refund %s %s for subscription %s (last charge %s).", refund.StringFixed(2), s.Currency, s.ID, ref), s)
		return s
	}

	res, err := u.gateway.Refund(ctx, adapter.RefundRequest{
		TransactionReference: ref,
		Amount:               refund,
		Currency:             s.Currency,
		Reason:               "subscription terminated: " + s.CancellationReason,
	})
	if err != nil {
		u.log.Error().Err(err).Str("subscription_id", s.ID).Msg("automatic refund failed")
		u.alertSupport(ctx, adapter.NotifyRefundDue, "Automatic refund failed", err.Error(), s)
		return s
	}
	updated, err := u.mutate(ctx, "subscription.refund", s.ID, func(s *model.Subscription, _ time.Time) error {
		s.RefundReference = res.ID
		return nil
	})
	if err != nil {
		u.log.Error().Err(err).Str("subscription_id", s.ID).Str("refund_id", res.ID).Msg("refund executed but not recorded")
		return s
	}
	return updated
}

func (u *subscriptionUC) Pause(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error) {
	const op = "subscription.pause"
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		return s.Pause(now)
	})
	if err != nil {
		return nil, err
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionChanged, "Subscription paused", "Billing is on hold until the subscription is resumed.")
	return s, nil
}

func (u *subscriptionUC) Resume(ctx context.Context, actor model.Actor, id string) (*model.Subscription, error) {
	const op = "subscription.resume"
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		return s.Resume(now)
	})
	if err != nil {
		return nil, err
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionChanged, "Subscription resumed",
		fmt.Sprintf("A new billing period runs until %s.", s.CurrentPeriodEnd.Format("2006-01-02")))
	return s, nil
}

func (u *subscriptionUC) ChangePlan(ctx context.Context, actor model.Actor, id string, req ChangePlanRequest) (*model.Subscription, error) {
	const op = "subscription.change_plan"
	if v := violationsOf(req); len(v) > 0 {
		return nil, domain.Validation(op, v...)
	}
	cycle, err := model.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		return nil, domain.Validation(op, err.Error())
	}

	var change model.PlanChangeRecord
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		newFees, err := u.opts.Fees.Calculate(s.PricePerVisit, cycle.ServiceType(), req.Frequency)
		if err != nil {
			return domain.Validation(op, err.Error())
		}
		change, err = s.ChangePlan(cycle, req.Frequency, newFees, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionChanged, "Plan changed",
		fmt.Sprintf("Your plan changes to %d visit(s) %s for %s %s from %s.",
			change.NewFrequency, change.NewCycle, change.NewAmount.StringFixed(2), s.Currency, change.EffectiveDate.Format("2006-01-02")))
	return s, nil
}

// -----------------------------
// Payment method refresh
// -----------------------------

func paymentMethodRefPrefix(subID string) string { return "PMU-" + subID + "-" }

func (u *subscriptionUC) InitiatePaymentMethodUpdate(ctx context.Context, actor model.Actor, id string, req PaymentMethodUpdateRequest) (*PaymentMethodUpdate, error) {
	const op = "subscription.payment_method.initiate"
	if v := violationsOf(req); len(v) > 0 {
		return nil, domain.Validation(op, v...)
	}
	s, err := u.load(ctx, repository.NoTX, op, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeOwner(op, s, actor); err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, domain.Conflict(op, "subscription %s already %s", s.ID, s.Status)
	}

	ref := paymentMethodRefPrefix(s.ID) + ulid.Make().String()
	res, err := u.gateway.InitiatePayment(ctx, adapter.InitiateRequest{
		Reference:   ref,
		Email:       req.Email,
		Amount:      u.opts.VerificationAmount,
		Currency:    s.Currency,
		CallbackURL: req.RedirectURL,
		Metadata:    map[string]string{"subscription_id": s.ID, "purpose": "payment_method_update"},
	})
	if err != nil {
		return nil, asGatewayError(op, err)
	}
	return &PaymentMethodUpdate{Reference: ref, PaymentLink: res.PaymentLink, Amount: u.opts.VerificationAmount, Currency: s.Currency}, nil
}

func (u *subscriptionUC) ConfirmPaymentMethodUpdate(ctx context.Context, actor model.Actor, id, reference string) (*model.Subscription, error) {
	const op = "subscription.payment_method.confirm"
	if !strings.HasPrefix(reference, paymentMethodRefPrefix(id)) {
		return nil, domain.Validation(op, "reference does not belong to this subscription")
	}
	v, err := u.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, asGatewayError(op, err)
	}
	if v.Status != adapter.TransactionSuccess {
		return nil, domain.Conflict(op, "verification charge %s is %s", reference, v.Status)
	}
	auth, err := u.gateway.VerifyAndExtractToken(ctx, v.GatewayTransactionID)
	if err != nil {
		return nil, asGatewayError(op, err)
	}
	if auth == nil || auth.Token == "" {
		return nil, domain.Conflict(op, "card used for %s cannot be charged again; use another card", reference)
	}

	var revived bool
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		if err := authorizeOwner(op, s, actor); err != nil {
			return err
		}
		revived = s.Status == model.SubscriptionStatusSuspended || s.Status == model.SubscriptionStatusPastDue
		return s.UpdatePaymentMethod(auth.Token, auth.Card, now)
	})
	if err != nil {
		return nil, err
	}

	if u.opts.AutoRefund {
		if _, err := u.gateway.Refund(ctx, adapter.RefundRequest{
			TransactionReference: reference,
			Amount:               v.Amount,
			Currency:             v.Currency,
			Reason:               "payment method verification",
		}); err != nil {
			u.log.Warn().Err(err).Str("reference", reference).Msg("verification charge refund failed")
		}
	}

	msg := "Your payment method was updated."
	if revived {
		msg += " Billing resumes on the next scheduler run."
	}
	u.notifyParties(ctx, s, adapter.NotifySubscriptionChanged, "Payment method updated", msg)
	return s, nil
}

// -----------------------------
// Scheduled transitions
// -----------------------------

func (u *subscriptionUC) DueForCharge(ctx context.Context, limit int) ([]string, error) {
	subs, err := u.subs.ListDueForCharge(ctx, repository.NoTX, u.now(), limit)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Wrap("subscription.due_for_charge", err)
	}
	return ids(subs), nil
}

func (u *subscriptionUC) DueForFinalization(ctx context.Context, limit int) ([]string, error) {
	subs, err := u.subs.ListDueForFinalization(ctx, repository.NoTX, u.now(), limit)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Wrap("subscription.due_for_finalization", err)
	}
	return ids(subs), nil
}

// chargeResult carries what happened inside the locked section to the post-commit side effects.
type chargeResult struct {
	outcome   ChargeOutcome
	reference string
	txID      string
	orderID   string
	orderErr  error
	reason    string
	amount    decimal.Decimal
	cycle     int
}

// ChargeSubscription runs one charge attempt. The subscription row stays locked
// for the whole attempt, so a concurrent command waits for the outcome.
func (u *subscriptionUC) ChargeSubscription(ctx context.Context, id string) (ChargeOutcome, error) {
	const op = "subscription.charge"

	if u.locker != nil {
		key := "billing:charge:" + id
		token, ok, err := u.locker.TryLock(ctx, key, u.opts.LockTTL)
		if err != nil {
			return ChargeSkipped, domain.Wrap(op, err)
		}
		if !ok {
			return ChargeLocked, nil
		}
		defer func() {
			if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				u.log.Warn().Err(err).Str("subscription_id", id).Msg("charge lock release failed")
			}
		}()
	}

	var (
		res chargeResult
		sub *model.Subscription
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := u.load(ctx, tx, op, id)
		if err != nil {
			return err
		}
		now := u.now()
		if err := s.CanCharge(now); err != nil {
			res.outcome = ChargeSkipped
			return err
		}

		res.reference = s.ChargeReference()
		res.amount = s.RecurringAmount
		res.cycle = s.NextCycleNumber()

		var (
			cr        adapter.ChargeResult
			chargeErr error
		)
		prevRef, prevTxID, err := u.capturedEarlier(ctx, s)
		switch {
		case err != nil:
			res.outcome = ChargeSkipped
			return err
		case prevRef != "":
			res.reference = prevRef
			cr = adapter.ChargeResult{Success: true, GatewayTransactionID: prevTxID}
		default:
			cr, chargeErr = u.charge(ctx, s, res.reference)
		}
		if chargeErr == nil && cr.Success {
			res.outcome = ChargeSucceeded
			res.txID = cr.GatewayTransactionID
			res.orderID, res.orderErr = u.orders.CreateOrder(ctx, adapter.CreateOrderRequest{
				ClientID:      s.ClientID,
				GigID:         s.GigID,
				PaymentOption: s.BillingCycle.ServiceType(),
				Amount:        s.RecurringAmount,
				TransactionID: cr.GatewayTransactionID,
			})
			orderMsg := ""
			if res.orderErr != nil {
				orderMsg = "order creation failed: " + res.orderErr.Error()
			}
			if err := s.ApplyChargeSuccess(res.reference, cr.GatewayTransactionID, res.orderID, orderMsg, now); err != nil {
				return err
			}
		} else {
			res.reason = cr.ErrorMessage
			if chargeErr != nil {
				res.reason = chargeErr.Error()
			}
			if res.reason == "" {
				res.reason = "charge declined"
			}
			suspended, err := s.ApplyChargeFailure(res.reference, res.reason, u.opts.Retry, now)
			if err != nil {
				return err
			}
			res.outcome = ChargeFailed
			if suspended {
				res.outcome = ChargeSuspended
			}
		}
		sub = s
		return u.subs.Update(ctx, tx, s)
	})
	if err != nil {
		if res.outcome == ChargeSkipped {
			return ChargeSkipped, err
		}
		if res.outcome == ChargeSucceeded {
			// money moved but state did not; the deterministic reference makes the next attempt a gateway duplicate
			u.log.Error().Err(err).Str("subscription_id", id).Str("reference", res.reference).Msg("charge captured but not persisted")
		}
		return ChargeSkipped, domain.Wrap(op, err)
	}

	u.afterCharge(ctx, sub, res)
	return res.outcome, nil
}

// capturedEarlier asks the gateway about this cycle's failed attempts before a new
// attempt gets a new reference. It returns the reference and gateway transaction of
// an attempt that was captured after all. An unreachable gateway aborts the attempt,
// since charging under a fresh reference could take the money twice.
func (u *subscriptionUC) capturedEarlier(ctx context.Context, s *model.Subscription) (string, string, error) {
	const op = "subscription.charge.verify_previous"
	for _, ref := range s.FailedAttemptReferences() {
		vctx, cancel := context.WithTimeout(ctx, u.opts.ChargeTimeout)
		v, err := u.gateway.VerifyTransaction(vctx, ref)
		cancel()
		if domain.IsKind(err, domain.KindNotFound) {
			continue
		}
		if err != nil {
			return "", "", domain.Gateway(op, err, true)
		}
		if v.Status == adapter.TransactionSuccess {
			u.log.Warn().Str("subscription_id", s.ID).Str("reference", ref).
				Str("gateway_tx_id", v.GatewayTransactionID).Msg("earlier charge attempt was captured; settling it instead of charging again")
			return ref, v.GatewayTransactionID, nil
		}
	}
	return "", "", nil
}

// charge calls the gateway with a bounded deadline. A timeout is a failure, never a success.
func (u *subscriptionUC) charge(ctx context.Context, s *model.Subscription, reference string) (adapter.ChargeResult, error) {
	cctx, cancel := context.WithTimeout(ctx, u.opts.ChargeTimeout)
	defer cancel()
	res, err := u.gateway.ChargeWithToken(cctx, adapter.ChargeRequest{
		Token:     s.ChargeToken,
		Email:     s.Email,
		Amount:    s.RecurringAmount,
		Currency:  s.Currency,
		Reference: reference,
		Metadata: map[string]string{
			"subscription_id": s.ID,
			"cycle":           fmt.Sprint(s.NextCycleNumber()),
		},
	})
	if err != nil {
		return adapter.ChargeResult{Success: false, ErrorMessage: err.Error()}, err
	}
	return res, nil
}

func (u *subscriptionUC) afterCharge(ctx context.Context, s *model.Subscription, res chargeResult) {
	logger := u.log.With().Str("subscription_id", s.ID).Str("reference", res.reference).Logger()
	switch res.outcome {
	case ChargeSucceeded:
		logger.Info().Int("cycle", res.cycle).Str("order_id", res.orderID).Msg("recurring charge succeeded")
		if res.orderErr != nil {
			logger.Error().Err(res.orderErr).Msg("recurring charge captured but order creation failed")
			u.alertSupport(ctx, adapter.NotifyOrderCreationFailed, "Recurring charge without order", res.orderErr.Error(), s)
		}
		if u.ledger != nil {
			if err := u.ledger.RecordBillingEvent(ctx, adapter.BillingEvent{
				OrderID:       res.orderID,
				ClientID:      s.ClientID,
				CaregiverID:   s.CaregiverID,
				GigID:         s.GigID,
				ServiceType:   s.BillingCycle.ServiceType(),
				Frequency:     s.Frequency,
				AmountPaid:    res.amount,
				OrderFee:      s.Fees.OrderFee,
				ServiceCharge: s.Fees.ServiceCharge,
				GatewayFees:   s.Fees.GatewayFee,
				TransactionID: res.txID,
				CycleNumber:   res.cycle,
				RecordedAt:    u.now(),
			}); err != nil {
				logger.Warn().Err(err).Msg("billing record export failed")
			}
		}
		u.notifyParties(ctx, s, adapter.NotifyChargeSucceeded, "Subscription renewed",
			fmt.Sprintf("We charged %s %s for the period ending %s.", res.amount.StringFixed(2), s.Currency, s.CurrentPeriodEnd.Format("2006-01-02")))
	case ChargeFailed:
		logger.Warn().Str("reason", res.reason).Int("attempts", s.FailedChargeAttempts).Msg("recurring charge failed; retry scheduled")
		u.notifyClient(ctx, s, adapter.NotifyChargeFailed, "Payment failed",
			fmt.Sprintf("We could not charge your card (%s). We will retry on %s.", res.reason, formatDate(s.NextChargeDate)))
	case ChargeSuspended:
		logger.Warn().Str("reason", res.reason).Msg("retries exhausted; subscription suspended")
		u.notifyParties(ctx, s, adapter.NotifySubscriptionSuspended, "Subscription suspended",
			"Automatic payments failed repeatedly. Update the payment method to resume the service.")
	case ChargeSkipped, ChargeLocked:
	}
}

func (u *subscriptionUC) FinalizeCancellation(ctx context.Context, id string) (*model.Subscription, error) {
	const op = "subscription.finalize_cancellation"
	s, err := u.mutate(ctx, op, id, func(s *model.Subscription, now time.Time) error {
		return s.FinalizeCancellation(now)
	})
	if err != nil {
		return nil, err
	}
	u.log.Info().Str("subscription_id", id).Msg("cancellation finalized")
	u.notifyParties(ctx, s, adapter.NotifySubscriptionCancelled, "Subscription ended", "Your subscription has ended as requested.")
	return s, nil
}

// -----------------------------
// helpers
// -----------------------------

// mutate is the read-check-write sequence every command shares: lock, apply, persist.
func (u *subscriptionUC) mutate(ctx context.Context, op, id string, fn func(s *model.Subscription, now time.Time) error) (*model.Subscription, error) {
	var out *model.Subscription
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := u.load(ctx, tx, op, id)
		if err != nil {
			return err
		}
		wasCurrent := s.Status.Current()
		if err := fn(s, u.now()); err != nil {
			return err
		}
		if !wasCurrent && s.Status.Current() {
			if err := u.ensureSoleCurrent(ctx, tx, op, s); err != nil {
				return err
			}
		}
		if err := u.subs.Update(ctx, tx, s); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.Conflict(op, "client %s already has a current subscription for gig %s", s.ClientID, s.GigID)
			}
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(op, err)
	}
	return out, nil
}

// ensureSoleCurrent rejects reviving s while another subscription bills the same client and gig.
func (u *subscriptionUC) ensureSoleCurrent(ctx context.Context, tx repository.Tx, op string, s *model.Subscription) error {
	other, err := u.subs.FindCurrent(ctx, tx, s.ClientID, s.GigID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if other.ID == s.ID {
		return nil
	}
	return domain.Conflict(op, "client %s already has %s subscription %s for gig %s; end it before reviving %s",
		s.ClientID, other.Status, other.ID, s.GigID, s.ID)
}

func (u *subscriptionUC) load(ctx context.Context, tx repository.Tx, op, id string) (*model.Subscription, error) {
	s, err := u.subs.FindByID(ctx, tx, id)
	if err != nil {
		var de *domain.Error
		if !errors.As(err, &de) && errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound(op, "subscription "+id)
		}
		return nil, domain.Wrap(op, err)
	}
	return s, nil
}

// authorizeOwner admits the subscribing client and support staff.
func authorizeOwner(op string, s *model.Subscription, actor model.Actor) error {
	if actor.Role == model.RoleSupport {
		return nil
	}
	if actor.Role == model.RoleClient && actor.ID != "" && actor.ID == s.ClientID {
		return nil
	}
	return domain.Conflict(op, "actor %s (%s) may not modify subscription %s", actor.ID, actor.Role, s.ID)
}

func (u *subscriptionUC) notifyParties(ctx context.Context, s *model.Subscription, t adapter.NotificationType, title, content string) {
	if u.notify == nil {
		return
	}
	u.notify.NotifyParties(ctx, s, adapter.Notification{
		Type:    t,
		Title:   title,
		Content: content,
		Fields:  subscriptionFields(s),
	})
}

func (u *subscriptionUC) notifyClient(ctx context.Context, s *model.Subscription, t adapter.NotificationType, title, content string) {
	if u.notify == nil {
		return
	}
	u.notify.Dispatch(ctx, adapter.Notification{
		RecipientID:     s.ClientID,
		RecipientRole:   model.RoleClient,
		Type:            t,
		Title:           title,
		Content:         content,
		RelatedEntityID: s.ID,
		Fields:          subscriptionFields(s),
	})
}

func (u *subscriptionUC) alertSupport(ctx context.Context, t adapter.NotificationType, title, content string, s *model.Subscription) {
	if u.notify == nil {
		return
	}
	u.notify.AlertSupport(ctx, adapter.Notification{
		Type:            t,
		Title:           title,
		Content:         content,
		RelatedEntityID: s.ID,
		Fields:          subscriptionFields(s),
	})
}

func subscriptionFields(s *model.Subscription) map[string]string {
	return map[string]string{
		"subscription_id": s.ID,
		"status":          string(s.Status),
		"gig_id":          s.GigID,
		"amount":          s.RecurringAmount.StringFixed(2),
		"currency":        s.Currency,
	}
}

func lastSuccessfulReference(s *model.Subscription) string {
	for i := len(s.PaymentHistory) - 1; i >= 0; i-- {
		if s.PaymentHistory[i].Status == model.PaymentRecordSuccessful {
			return s.PaymentHistory[i].Reference
		}
	}
	return ""
}

func ids(subs []*model.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}
