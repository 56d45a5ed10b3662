package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/fees"
)

// GigStatus mirrors the marketplace listing state.
type GigStatus string

const (
	GigStatusDraft     GigStatus = "draft"
	GigStatusPublished GigStatus = "published"
	GigStatusActive    GigStatus = "active"
	GigStatusPaused    GigStatus = "paused"
)

// Purchasable reports whether a client may pay for the gig.
func (s GigStatus) Purchasable() bool {
	return s == GigStatusPublished || s == GigStatusActive
}

type Gig struct {
	ID          string          `json:"id"`
	CaregiverID string          `json:"caregiver_id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	Status      GigStatus       `json:"status"`
}

// GigCatalog returns domain.ErrNotFound for unknown gigs.
type GigCatalog interface {
	GetGig(ctx context.Context, gigID string) (*Gig, error)
}

type CreateOrderRequest struct {
	ClientID      string
	GigID         string
	PaymentOption fees.ServiceType
	Amount        decimal.Decimal
	TransactionID string
}

// OrderService creates downstream orders. Callers guarantee at most one call per logical payment.
type OrderService interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (orderID string, err error)
}

// ContractService terminates the care contract linked to a subscription.
// Terminating an already terminal contract is not an error.
type ContractService interface {
	TerminateContract(ctx context.Context, contractID, reason string) error
}
