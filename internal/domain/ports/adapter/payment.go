package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain/model"
)

// TransactionStatus is the provider-agnostic outcome of a gateway transaction.
type TransactionStatus string

const (
	TransactionSuccess   TransactionStatus = "success"
	TransactionFailed    TransactionStatus = "failed"
	TransactionAbandoned TransactionStatus = "abandoned"
	TransactionPending   TransactionStatus = "pending"
)

type InitiateRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal // major units
	Currency    string
	CallbackURL string
	Metadata    map[string]string
}

type InitiateResult struct {
	PaymentLink string
	AccessCode  string
	Reference   string
}

// Verification is what the gateway reports for a transaction reference.
type Verification struct {
	Reference            string
	GatewayTransactionID string
	Status               TransactionStatus
	Amount               decimal.Decimal
	Currency             string
	PaidAt               *time.Time
	Message              string
}

// Authorization is a reusable charge token with display-only card metadata.
type Authorization struct {
	Token string
	Card  model.CardDetails
}

type ChargeRequest struct {
	Token     string
	Email     string
	Amount    decimal.Decimal
	Currency  string
	Reference string // doubles as the gateway idempotency key
	Metadata  map[string]string
}

type ChargeResult struct {
	Success              bool
	GatewayTransactionID string
	ErrorMessage         string
}

type RefundRequest struct {
	TransactionReference string
	Amount               decimal.Decimal
	Currency             string
	Reason               string
}

// RefundResult captures a minimal, provider-agnostic result of a refund request.
type RefundResult struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// PaymentGateway is the hex port for payment providers.
// Every call must honour ctx deadlines; a timed out charge is a failure, never a success.
type PaymentGateway interface {
	Name() string

	// InitiatePayment creates a hosted checkout and returns the link the client pays on.
	InitiatePayment(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	// VerifyTransaction asks the gateway for the authoritative state of a reference.
	VerifyTransaction(ctx context.Context, reference string) (Verification, error)
	// VerifyAndExtractToken returns nil when the transaction left no reusable authorization.
	VerifyAndExtractToken(ctx context.Context, gatewayTransactionID string) (*Authorization, error)
	// ChargeWithToken charges a stored authorization. A declined charge is reported
	// through ChargeResult; err is reserved for transport and protocol failures.
	ChargeWithToken(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// VerifyWebhookSignature authenticates a raw webhook body.
	VerifyWebhookSignature(payload []byte, signature string) bool
}
