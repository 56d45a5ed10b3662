package apiv1

import (
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
)

type Payment struct {
	Reference    string           `json:"reference"`
	Status       string           `json:"status"`
	GigID        string           `json:"gig_id"`
	ClientID     string           `json:"client_id"`
	CaregiverID  string           `json:"caregiver_id"`
	ServiceType  string           `json:"service_type"`
	Frequency    int              `json:"frequency"`
	Fees         fees.Breakdown   `json:"fees"`
	Currency     string           `json:"currency"`
	PaymentLink  string           `json:"payment_link,omitempty"`
	PaidAmount   *decimal.Decimal `json:"paid_amount,omitempty"`
	OrderID      string           `json:"order_id,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func toPayment(p *model.PendingPayment) Payment {
	return Payment{
		Reference:    p.TransactionReference,
		Status:       string(p.Status),
		GigID:        p.GigID,
		ClientID:     p.ClientID,
		CaregiverID:  p.CaregiverID,
		ServiceType:  string(p.ServiceType),
		Frequency:    p.Frequency,
		Fees:         p.Fees,
		Currency:     p.Currency,
		PaymentLink:  p.PaymentLink,
		PaidAmount:   p.PaidAmount,
		OrderID:      p.OrderID,
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt,
		CompletedAt:  p.CompletedAt,
	}
}

// Subscription never exposes the charge token.
type Subscription struct {
	ID                     string            `json:"id"`
	ClientID               string            `json:"client_id"`
	CaregiverID            string            `json:"caregiver_id"`
	GigID                  string            `json:"gig_id"`
	Status                 string            `json:"status"`
	BillingCycle           string            `json:"billing_cycle"`
	Frequency              int               `json:"frequency"`
	PricePerVisit          decimal.Decimal   `json:"price_per_visit"`
	RecurringAmount        decimal.Decimal   `json:"recurring_amount"`
	Currency               string            `json:"currency"`
	Fees                   fees.Breakdown    `json:"fees"`
	AutoRenew              bool              `json:"auto_renew"`
	CurrentPeriodStart     time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	NextChargeDate         *time.Time        `json:"next_charge_date,omitempty"`
	BillingCyclesCompleted int               `json:"billing_cycles_completed"`
	FailedChargeAttempts   int               `json:"failed_charge_attempts"`
	LastChargeError        string            `json:"last_charge_error,omitempty"`
	Card                   model.CardDetails `json:"card"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	CancellationReason     string            `json:"cancellation_reason,omitempty"`
	CancelledAt            *time.Time        `json:"cancelled_at,omitempty"`
	TerminatedAt           *time.Time        `json:"terminated_at,omitempty"`
	RefundAmount           *decimal.Decimal  `json:"refund_amount,omitempty"`
	RefundReference        string            `json:"refund_reference,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

func toSubscription(s *model.Subscription) Subscription {
	out := Subscription{
		ID:                     s.ID,
		ClientID:               s.ClientID,
		CaregiverID:            s.CaregiverID,
		GigID:                  s.GigID,
		Status:                 string(s.Status),
		BillingCycle:           string(s.BillingCycle),
		Frequency:              s.Frequency,
		PricePerVisit:          s.PricePerVisit,
		RecurringAmount:        s.RecurringAmount,
		Currency:               s.Currency,
		Fees:                   s.Fees,
		AutoRenew:              s.AutoRenew,
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		NextChargeDate:         s.NextChargeDate,
		BillingCyclesCompleted: s.BillingCyclesCompleted,
		FailedChargeAttempts:   s.FailedChargeAttempts,
		LastChargeError:        s.LastChargeError,
		Card:                   s.Card,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CancellationReason:     s.CancellationReason,
		CancelledAt:            s.CancelledAt,
		TerminatedAt:           s.TerminatedAt,
		RefundReference:        s.RefundReference,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
	if s.RefundAmount.IsPositive() {
		r := s.RefundAmount
		out.RefundAmount = &r
	}
	return out
}

func toSubscriptions(in []*model.Subscription) []Subscription {
	out := make([]Subscription, 0, len(in))
	for _, s := range in {
		out = append(out, toSubscription(s))
	}
	return out
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type terminateBody struct {
	Reason string `json:"reason"`
	Refund bool   `json:"refund"`
}

type confirmMethodBody struct {
	Reference string `json:"reference"`
}

// webhookEvent is the subset of the gateway's event payload we act on.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID              int64  `json:"id"`
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		Amount          int64  `json:"amount"` // minor units
		Currency        string `json:"currency"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}
