package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/fees"
)

// BillingEvent is one accounting record for a captured payment.
type BillingEvent struct {
	OrderID       string           `json:"order_id"`
	ClientID      string           `json:"client_id"`
	CaregiverID   string           `json:"caregiver_id"`
	GigID         string           `json:"gig_id"`
	ServiceType   fees.ServiceType `json:"service_type"`
	Frequency     int              `json:"frequency"`
	AmountPaid    decimal.Decimal  `json:"amount_paid"`
	OrderFee      decimal.Decimal  `json:"order_fee"`
	ServiceCharge decimal.Decimal  `json:"service_charge"`
	GatewayFees   decimal.Decimal  `json:"gateway_fees"`
	TransactionID string           `json:"transaction_id"`
	CycleNumber   int              `json:"cycle_number"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// BillingLedger exports billing records. Best-effort from the caller's view.
type BillingLedger interface {
	RecordBillingEvent(ctx context.Context, ev BillingEvent) error
}

// Locker serializes work across processes. Release must be safe after expiry.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}
