package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/fees"
)

type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"         // link issued; awaiting gateway confirmation
	PaymentStatusCompleted      PaymentStatus = "completed"       // verified and order created
	PaymentStatusFailed         PaymentStatus = "failed"          // declined, abandoned, or captured without an order
	PaymentStatusAmountMismatch PaymentStatus = "amount_mismatch" // paid amount differs from total; frozen for review
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusAmountMismatch:
		return PaymentStatus(s), nil
	}
	return "", domain.ErrInvalidArgument
}

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusAmountMismatch:
		return true
	case PaymentStatusPending:
		return false
	}
	return false
}

// DefaultAmountTolerance absorbs rounding between our totals and gateway minor units.
var DefaultAmountTolerance = decimal.RequireFromString("0.01")

// PendingPayment records a single purchase attempt for a gig.
type PendingPayment struct {
	ID                   string // UUID
	TransactionReference string // caller-visible, unique
	GigID                string
	ClientID             string
	CaregiverID          string
	Email                string
	ServiceType          fees.ServiceType
	Frequency            int
	Fees                 fees.Breakdown // Total is fixed at creation
	Currency             string
	PaymentLink          string
	Status               PaymentStatus
	GatewayTransactionID string
	PaidAmount           *decimal.Decimal // amount reported by the gateway at completion
	CompletedAt          *time.Time
	OrderID              string
	ErrorMessage         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TotalAmount is the amount the client must pay.
func (p *PendingPayment) TotalAmount() decimal.Decimal { return p.Fees.Total }

// AmountMatches compares paid against the stored total within tolerance.
func (p *PendingPayment) AmountMatches(paid, tolerance decimal.Decimal) bool {
	return paid.Sub(p.Fees.Total).Abs().LessThanOrEqual(tolerance)
}

// CurrencyMatches reports whether the settled currency is the one charged. An empty
// currency means the source did not report one.
func (p *PendingPayment) CurrencyMatches(currency string) bool {
	return currency == "" || strings.EqualFold(currency, p.Currency)
}

func (p *PendingPayment) requirePending(op string) error {
	if p.Status != PaymentStatusPending {
		return domain.Conflict(op, "payment %s is %s, expected %s", p.TransactionReference, p.Status, PaymentStatusPending)
	}
	return nil
}

// Complete links the created order and freezes the payment as completed.
func (p *PendingPayment) Complete(gatewayTxID string, paid decimal.Decimal, orderID string, now time.Time) error {
	if err := p.requirePending("payment.complete"); err != nil {
		return err
	}
	p.Status = PaymentStatusCompleted
	p.GatewayTransactionID = gatewayTxID
	p.PaidAmount = &paid
	p.OrderID = orderID
	p.CompletedAt = &now
	p.ErrorMessage = ""
	p.UpdatedAt = now
	return nil
}

// FlagAmountMismatch freezes a tampered or mis-captured payment for manual review.
func (p *PendingPayment) FlagAmountMismatch(gatewayTxID string, paid decimal.Decimal, currency string, now time.Time) error {
	if err := p.requirePending("payment.flag_mismatch"); err != nil {
		return err
	}
	if currency == "" {
		currency = p.Currency
	}
	p.Status = PaymentStatusAmountMismatch
	p.GatewayTransactionID = gatewayTxID
	p.PaidAmount = &paid
	p.ErrorMessage = "paid " + paid.StringFixed(2) + " " + strings.ToUpper(currency) + ", expected " + p.Fees.Total.StringFixed(2) + " " + p.Currency
	p.UpdatedAt = now
	return nil
}

// Fail moves a pending payment to failed with reason.
func (p *PendingPayment) Fail(reason string, now time.Time) error {
	if err := p.requirePending("payment.fail"); err != nil {
		return err
	}
	p.Status = PaymentStatusFailed
	p.ErrorMessage = reason
	p.UpdatedAt = now
	return nil
}
