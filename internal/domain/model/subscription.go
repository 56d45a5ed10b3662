package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/fees"
)

type BillingCycle string

const (
	BillingCycleWeekly  BillingCycle = "weekly"
	BillingCycleMonthly BillingCycle = "monthly"
)

func ParseBillingCycle(s string) (BillingCycle, error) {
	switch BillingCycle(s) {
	case BillingCycleWeekly, BillingCycleMonthly:
		return BillingCycle(s), nil
	}
	return "", fmt.Errorf("unknown billing cycle %q", s)
}

// CycleForService maps a recurring service type onto its billing cycle.
func CycleForService(t fees.ServiceType) (BillingCycle, bool) {
	switch t {
	case fees.ServiceWeekly:
		return BillingCycleWeekly, true
	case fees.ServiceMonthly:
		return BillingCycleMonthly, true
	case fees.ServiceOneTime:
		return "", false
	}
	return "", false
}

func (c BillingCycle) ServiceType() fees.ServiceType {
	switch c {
	case BillingCycleWeekly:
		return fees.ServiceWeekly
	case BillingCycleMonthly:
		return fees.ServiceMonthly
	}
	return ""
}

// Next returns the end of a cycle starting at from.
func (c BillingCycle) Next(from time.Time) time.Time {
	switch c {
	case BillingCycleWeekly:
		return from.AddDate(0, 0, 7)
	case BillingCycleMonthly:
		return from.AddDate(0, 1, 0)
	}
	return from
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive              SubscriptionStatus = "active"
	SubscriptionStatusPastDue             SubscriptionStatus = "past_due"
	SubscriptionStatusSuspended           SubscriptionStatus = "suspended"
	SubscriptionStatusPaused              SubscriptionStatus = "paused"
	SubscriptionStatusPendingCancellation SubscriptionStatus = "pending_cancellation"
	SubscriptionStatusCancelled           SubscriptionStatus = "cancelled"
	SubscriptionStatusTerminated          SubscriptionStatus = "terminated"
	SubscriptionStatusExpired             SubscriptionStatus = "expired"
)

// AllSubscriptionStatuses is the closed set, in lifecycle order.
var AllSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusSuspended,
	SubscriptionStatusPaused,
	SubscriptionStatusPendingCancellation,
	SubscriptionStatusCancelled,
	SubscriptionStatusTerminated,
	SubscriptionStatusExpired,
}

func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	for _, st := range AllSubscriptionStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown subscription status %q", s)
}

func (s SubscriptionStatus) Terminal() bool {
	switch s {
	case SubscriptionStatusCancelled, SubscriptionStatusTerminated, SubscriptionStatusExpired:
		return true
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusSuspended,
		SubscriptionStatusPaused, SubscriptionStatusPendingCancellation:
		return false
	}
	return false
}

// Current reports whether the subscription counts towards the one-per-(client,gig) limit.
func (s SubscriptionStatus) Current() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

type PaymentRecordStatus string

const (
	PaymentRecordPending    PaymentRecordStatus = "pending"
	PaymentRecordSuccessful PaymentRecordStatus = "successful"
	PaymentRecordFailed     PaymentRecordStatus = "failed"
)

// SubscriptionPaymentRecord is one charge attempt. Appended, never edited after completion.
type SubscriptionPaymentRecord struct {
	Reference            string              `json:"reference"`
	Amount               decimal.Decimal     `json:"amount"`
	Currency             string              `json:"currency"`
	Status               PaymentRecordStatus `json:"status"`
	CycleNumber          int                 `json:"cycle_number"`
	AttemptedAt          time.Time           `json:"attempted_at"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
	GatewayTransactionID string              `json:"gateway_transaction_id,omitempty"`
	OrderID              string              `json:"order_id,omitempty"`
	ErrorMessage         string              `json:"error_message,omitempty"`
}

type PlanChangeType string

const (
	PlanChangeUpgrade   PlanChangeType = "upgrade"
	PlanChangeDowngrade PlanChangeType = "downgrade"
)

type PlanChangeRecord struct {
	PreviousCycle     BillingCycle    `json:"previous_cycle"`
	NewCycle          BillingCycle    `json:"new_cycle"`
	PreviousFrequency int             `json:"previous_frequency"`
	NewFrequency      int             `json:"new_frequency"`
	PreviousAmount    decimal.Decimal `json:"previous_amount"`
	NewAmount         decimal.Decimal `json:"new_amount"`
	ChangeType        PlanChangeType  `json:"change_type"`
	RequestedAt       time.Time       `json:"requested_at"`
	EffectiveDate     time.Time       `json:"effective_date"`
}

type CardDetails struct {
	LastFour string `json:"last_four"`
	Brand    string `json:"brand"`
	Expiry   string `json:"expiry"`
}

// RetryPolicy controls recurring charge retries: delay = Base * Factor^(attempts-1).
type RetryPolicy struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: time.Hour, BackoffFactor: 4}
}

func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(p.BackoffBase) * math.Pow(float64(p.BackoffFactor), float64(attempts-1)))
}

// Subscription is a recurring billing agreement between a client and a caregiver for a gig.
type Subscription struct {
	ID              string
	ClientID        string
	CaregiverID     string
	GigID           string
	OriginalOrderID string
	ContractID      *string
	Email           string

	BillingCycle    BillingCycle
	Frequency       int
	PricePerVisit   decimal.Decimal
	RecurringAmount decimal.Decimal
	Currency        string
	Fees            fees.Breakdown

	Status    SubscriptionStatus
	AutoRenew bool

	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	NextChargeDate         *time.Time
	BillingCyclesCompleted int

	FailedChargeAttempts int
	LastChargeError      string
	MaxRetryAttempts     int

	ChargeToken string // opaque gateway authorization; never card data
	Card        CardDetails

	CancellationRequestedAt *time.Time
	CancellationReason      string
	CancelAtPeriodEnd       bool
	CancelledBy             string
	CancelledAt             *time.Time

	TerminatedAt    *time.Time
	RefundAmount    decimal.Decimal
	RefundReference string

	PaymentHistory []SubscriptionPaymentRecord
	PlanChanges    []PlanChangeRecord

	Version   int64 // optimistic concurrency
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSubscriptionParams carries what a completed recurring payment knows.
type NewSubscriptionParams struct {
	ID              string
	ClientID        string
	CaregiverID     string
	GigID           string
	OriginalOrderID string
	Email           string
	BillingCycle    BillingCycle
	Frequency       int
	Fees            fees.Breakdown
	Currency        string
	ChargeToken     string
	Card            CardDetails
	MaxRetries      int

	FirstPaymentReference string
	FirstPaymentTxID      string
}

// NewSubscription creates an Active subscription whose first cycle is already paid.
func NewSubscription(p NewSubscriptionParams, now time.Time) (*Subscription, error) {
	if p.ID == "" || p.ClientID == "" || p.GigID == "" {
		return nil, domain.Validation("subscription.create", "id, client and gig are required")
	}
	if _, err := ParseBillingCycle(string(p.BillingCycle)); err != nil {
		return nil, domain.Validation("subscription.create", err.Error())
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultRetryPolicy().MaxAttempts
	}
	end := p.BillingCycle.Next(now)
	completed := now
	s := &Subscription{
		ID:                     p.ID,
		ClientID:               p.ClientID,
		CaregiverID:            p.CaregiverID,
		GigID:                  p.GigID,
		OriginalOrderID:        p.OriginalOrderID,
		Email:                  p.Email,
		BillingCycle:           p.BillingCycle,
		Frequency:              p.Frequency,
		PricePerVisit:          p.Fees.BasePrice,
		RecurringAmount:        p.Fees.Total,
		Currency:               p.Currency,
		Fees:                   p.Fees,
		Status:                 SubscriptionStatusActive,
		AutoRenew:              true,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       end,
		BillingCyclesCompleted: 1,
		MaxRetryAttempts:       p.MaxRetries,
		ChargeToken:            p.ChargeToken,
		Card:                   p.Card,
		RefundAmount:           decimal.Zero,
		PaymentHistory: []SubscriptionPaymentRecord{{
			Reference:            p.FirstPaymentReference,
			Amount:               p.Fees.Total,
			Currency:             p.Currency,
			Status:               PaymentRecordSuccessful,
			CycleNumber:          1,
			AttemptedAt:          now,
			CompletedAt:          &completed,
			GatewayTransactionID: p.FirstPaymentTxID,
			OrderID:              p.OriginalOrderID,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.scheduleNextCharge(end)
	return s, nil
}

// Chargeable reports whether automatic charging is legitimate at all.
func (s *Subscription) Chargeable() bool {
	return (s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPastDue) &&
		s.AutoRenew && s.ChargeToken != ""
}

// scheduleNextCharge sets NextChargeDate only when the subscription can be charged.
func (s *Subscription) scheduleNextCharge(at time.Time) {
	if s.Chargeable() {
		s.NextChargeDate = &at
		return
	}
	s.NextChargeDate = nil
}

func (s *Subscription) guard(op string, allowed ...SubscriptionStatus) error {
	for _, st := range allowed {
		if s.Status == st {
			return nil
		}
	}
	return domain.Conflict(op, "subscription %s is %s; allowed from %v", s.ID, s.Status, allowed)
}

// IsParty reports whether the actor is the client or caregiver of this subscription.
func (s *Subscription) IsParty(a Actor) bool {
	switch a.Role {
	case RoleClient:
		return a.ID != "" && a.ID == s.ClientID
	case RoleCaregiver:
		return a.ID != "" && a.ID == s.CaregiverID
	case RoleSupport, RoleSystem:
		return false
	}
	return false
}

// CanView allows the parties and support staff to read the subscription.
func (s *Subscription) CanView(a Actor) bool {
	return s.IsParty(a) || a.Role == RoleSupport
}

// Cancel requests graceful cancellation at the end of the current period.
func (s *Subscription) Cancel(actor Actor, reason string, now time.Time) error {
	const op = "subscription.cancel"
	if err := s.guard(op, SubscriptionStatusActive); err != nil {
		return err
	}
	s.Status = SubscriptionStatusPendingCancellation
	s.CancelAtPeriodEnd = true
	s.AutoRenew = false
	s.CancellationRequestedAt = &now
	s.CancellationReason = reason
	s.CancelledBy = actor.ID
	s.NextChargeDate = nil
	s.UpdatedAt = now
	return nil
}

// Reactivate undoes a pending cancellation before the period ends.
func (s *Subscription) Reactivate(now time.Time) error {
	const op = "subscription.reactivate"
	if err := s.guard(op, SubscriptionStatusPendingCancellation); err != nil {
		return err
	}
	if !now.Before(s.CurrentPeriodEnd) {
		return domain.Conflict(op, "subscription %s period ended at %s", s.ID, s.CurrentPeriodEnd.Format(time.RFC3339))
	}
	s.Status = SubscriptionStatusActive
	s.AutoRenew = true
	s.CancelAtPeriodEnd = false
	s.CancellationRequestedAt = nil
	s.CancellationReason = ""
	s.CancelledBy = ""
	s.scheduleNextCharge(s.CurrentPeriodEnd)
	s.UpdatedAt = now
	return nil
}

// ProratedRefund is RecurringAmount * remaining/total of the current period, within [0, RecurringAmount].
func (s *Subscription) ProratedRefund(now time.Time) decimal.Decimal {
	total := s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart)
	remaining := s.CurrentPeriodEnd.Sub(now)
	if total <= 0 || remaining <= 0 {
		return decimal.Zero
	}
	if remaining > total {
		remaining = total
	}
	ratio := decimal.NewFromInt(int64(remaining / time.Second)).Div(decimal.NewFromInt(int64(total / time.Second)))
	refund := s.RecurringAmount.Mul(ratio).Round(2)
	if refund.IsNegative() {
		return decimal.Zero
	}
	if refund.GreaterThan(s.RecurringAmount) {
		return s.RecurringAmount
	}
	return refund
}

// Terminate ends the subscription immediately and returns the computed refund.
func (s *Subscription) Terminate(actor Actor, reason string, withRefund bool, now time.Time) (decimal.Decimal, error) {
	const op = "subscription.terminate"
	if s.Status.Terminal() {
		return decimal.Zero, domain.Conflict(op, "subscription %s already %s", s.ID, s.Status)
	}
	if !s.IsParty(actor) && actor.Role != RoleSupport {
		return decimal.Zero, domain.Conflict(op, "actor %s (%s) is not a party to subscription %s", actor.ID, actor.Role, s.ID)
	}
	refund := decimal.Zero
	if withRefund {
		refund = s.ProratedRefund(now)
	}
	s.Status = SubscriptionStatusTerminated
	s.AutoRenew = false
	s.NextChargeDate = nil
	s.TerminatedAt = &now
	s.CancellationReason = reason
	s.CancelledBy = actor.ID
	s.RefundAmount = refund
	s.UpdatedAt = now
	return refund, nil
}

func (s *Subscription) Pause(now time.Time) error {
	if err := s.guard("subscription.pause", SubscriptionStatusActive); err != nil {
		return err
	}
	s.Status = SubscriptionStatusPaused
	s.NextChargeDate = nil
	s.UpdatedAt = now
	return nil
}

// Resume restarts billing with a fresh period beginning now.
func (s *Subscription) Resume(now time.Time) error {
	if err := s.guard("subscription.resume", SubscriptionStatusPaused); err != nil {
		return err
	}
	s.Status = SubscriptionStatusActive
	s.CurrentPeriodStart = now
	s.CurrentPeriodEnd = s.BillingCycle.Next(now)
	s.scheduleNextCharge(s.CurrentPeriodEnd)
	s.UpdatedAt = now
	return nil
}

// ChangePlan applies newFees to the record now; the in-flight period and charge date are untouched.
func (s *Subscription) ChangePlan(cycle BillingCycle, frequency int, newFees fees.Breakdown, now time.Time) (PlanChangeRecord, error) {
	const op = "subscription.change_plan"
	if err := s.guard(op, SubscriptionStatusActive); err != nil {
		return PlanChangeRecord{}, err
	}
	var violations []string
	if _, err := ParseBillingCycle(string(cycle)); err != nil {
		violations = append(violations, err.Error())
	}
	if frequency < fees.MinFrequency || frequency > fees.MaxFrequency {
		violations = append(violations, fmt.Sprintf("frequency must be between %d and %d", fees.MinFrequency, fees.MaxFrequency))
	}
	if len(violations) > 0 {
		return PlanChangeRecord{}, domain.Validation(op, violations...)
	}
	if cycle == s.BillingCycle && frequency == s.Frequency {
		return PlanChangeRecord{}, domain.Validation(op, "new plan is identical to the current plan")
	}

	change := PlanChangeRecord{
		PreviousCycle:     s.BillingCycle,
		NewCycle:          cycle,
		PreviousFrequency: s.Frequency,
		NewFrequency:      frequency,
		PreviousAmount:    s.RecurringAmount,
		NewAmount:         newFees.Total,
		ChangeType:        PlanChangeDowngrade,
		RequestedAt:       now,
		EffectiveDate:     s.CurrentPeriodEnd,
	}
	if newFees.Total.GreaterThan(s.RecurringAmount) {
		change.ChangeType = PlanChangeUpgrade
	}

	s.PlanChanges = append(s.PlanChanges, change)
	s.BillingCycle = cycle
	s.Frequency = frequency
	s.Fees = newFees
	s.RecurringAmount = newFees.Total
	s.UpdatedAt = now
	return change, nil
}

// CanCharge is the guard of the scheduled charge transition.
func (s *Subscription) CanCharge(now time.Time) error {
	const op = "subscription.charge"
	if err := s.guard(op, SubscriptionStatusActive, SubscriptionStatusPastDue); err != nil {
		return err
	}
	if !s.AutoRenew {
		return domain.Conflict(op, "subscription %s has auto-renew disabled", s.ID)
	}
	if s.ChargeToken == "" {
		return domain.Conflict(op, "subscription %s has no stored payment method", s.ID)
	}
	if s.NextChargeDate == nil || s.NextChargeDate.After(now) {
		return domain.Conflict(op, "subscription %s is not due", s.ID)
	}
	return nil
}

// NextCycleNumber is the cycle a charge attempt pays for.
func (s *Subscription) NextCycleNumber() int { return s.BillingCyclesCompleted + 1 }

// ChargeReference is deterministic per (subscription, cycle, attempt) so the gateway rejects resubmission.
func (s *Subscription) ChargeReference() string {
	return fmt.Sprintf("SUB-%s-C%d-A%d", s.ID, s.NextCycleNumber(), len(s.FailedAttemptReferences())+1)
}

// FailedAttemptReferences lists the references of failed attempts for the cycle being
// charged, newest first. A failure caused by a timeout may still have been captured.
func (s *Subscription) FailedAttemptReferences() []string {
	cycle := s.NextCycleNumber()
	var refs []string
	for i := len(s.PaymentHistory) - 1; i >= 0; i-- {
		rec := s.PaymentHistory[i]
		if rec.CycleNumber == cycle && rec.Status == PaymentRecordFailed {
			refs = append(refs, rec.Reference)
		}
	}
	return refs
}

// ApplyChargeSuccess advances the period after a captured charge. When the reference
// belongs to an attempt recorded as failed, that record is settled in place.
func (s *Subscription) ApplyChargeSuccess(reference, gatewayTxID, orderID, orderErr string, now time.Time) error {
	if err := s.CanCharge(now); err != nil {
		return err
	}
	completed := now
	rec := SubscriptionPaymentRecord{
		Reference:            reference,
		Amount:               s.RecurringAmount,
		Currency:             s.Currency,
		Status:               PaymentRecordSuccessful,
		CycleNumber:          s.NextCycleNumber(),
		AttemptedAt:          now,
		CompletedAt:          &completed,
		GatewayTransactionID: gatewayTxID,
		OrderID:              orderID,
		ErrorMessage:         orderErr,
	}
	settled := false
	for i := range s.PaymentHistory {
		prev := s.PaymentHistory[i]
		if prev.Reference == reference && prev.Status == PaymentRecordFailed {
			rec.AttemptedAt = prev.AttemptedAt
			s.PaymentHistory[i] = rec
			settled = true
			break
		}
	}
	if !settled {
		s.PaymentHistory = append(s.PaymentHistory, rec)
	}
	s.Status = SubscriptionStatusActive
	s.CurrentPeriodStart = now
	s.CurrentPeriodEnd = s.BillingCycle.Next(now)
	s.BillingCyclesCompleted++
	s.FailedChargeAttempts = 0
	s.LastChargeError = ""
	s.scheduleNextCharge(s.CurrentPeriodEnd)
	s.UpdatedAt = now
	return nil
}

// ApplyChargeFailure records the failed attempt and either schedules a retry or suspends.
// It returns true when the subscription was suspended.
func (s *Subscription) ApplyChargeFailure(reference, reason string, policy RetryPolicy, now time.Time) (bool, error) {
	if err := s.CanCharge(now); err != nil {
		return false, err
	}
	completed := now
	s.PaymentHistory = append(s.PaymentHistory, SubscriptionPaymentRecord{
		Reference:    reference,
		Amount:       s.RecurringAmount,
		Currency:     s.Currency,
		Status:       PaymentRecordFailed,
		CycleNumber:  s.NextCycleNumber(),
		AttemptedAt:  now,
		CompletedAt:  &completed,
		ErrorMessage: reason,
	})
	s.FailedChargeAttempts++
	s.LastChargeError = reason
	s.UpdatedAt = now

	max := s.MaxRetryAttempts
	if max <= 0 {
		max = policy.MaxAttempts
	}
	if s.FailedChargeAttempts >= max {
		s.Status = SubscriptionStatusSuspended
		s.NextChargeDate = nil
		return true, nil
	}
	s.Status = SubscriptionStatusPastDue
	s.scheduleNextCharge(now.Add(policy.Delay(s.FailedChargeAttempts)))
	return false, nil
}

// UpdatePaymentMethod stores a refreshed token; suspended or past-due subscriptions become chargeable immediately.
func (s *Subscription) UpdatePaymentMethod(token string, card CardDetails, now time.Time) error {
	const op = "subscription.update_payment_method"
	if s.Status.Terminal() {
		return domain.Conflict(op, "subscription %s already %s", s.ID, s.Status)
	}
	if token == "" {
		return domain.Validation(op, "charge token is required")
	}
	s.ChargeToken = token
	s.Card = card
	s.FailedChargeAttempts = 0
	s.LastChargeError = ""
	switch s.Status {
	case SubscriptionStatusSuspended, SubscriptionStatusPastDue:
		s.Status = SubscriptionStatusActive
		s.scheduleNextCharge(now)
	case SubscriptionStatusActive:
		if s.NextChargeDate == nil {
			s.scheduleNextCharge(s.CurrentPeriodEnd)
		}
	case SubscriptionStatusPaused, SubscriptionStatusPendingCancellation:
		// token kept for resume/reactivate
	case SubscriptionStatusCancelled, SubscriptionStatusTerminated, SubscriptionStatusExpired:
	}
	s.UpdatedAt = now
	return nil
}

// DueForFinalization is the guard of cancellation finalization.
func (s *Subscription) DueForFinalization(now time.Time) bool {
	return s.Status == SubscriptionStatusPendingCancellation && s.CancelAtPeriodEnd && !s.CurrentPeriodEnd.After(now)
}

// FinalizeCancellation ends a pending cancellation at the period boundary.
func (s *Subscription) FinalizeCancellation(now time.Time) error {
	const op = "subscription.finalize_cancellation"
	if err := s.guard(op, SubscriptionStatusPendingCancellation); err != nil {
		return err
	}
	if !s.DueForFinalization(now) {
		return domain.Conflict(op, "subscription %s period ends at %s", s.ID, s.CurrentPeriodEnd.Format(time.RFC3339))
	}
	s.Status = SubscriptionStatusCancelled
	s.NextChargeDate = nil
	s.CancelledAt = &now
	s.UpdatedAt = now
	return nil
}

// MonthlyRecurringAmount normalises the recurring amount to one month.
func (s *Subscription) MonthlyRecurringAmount() decimal.Decimal {
	switch s.BillingCycle {
	case BillingCycleWeekly:
		return s.RecurringAmount.Mul(decimal.NewFromInt(52)).Div(decimal.NewFromInt(12)).Round(2)
	case BillingCycleMonthly:
		return s.RecurringAmount
	}
	return decimal.Zero
}
