package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/security"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// DeclineTokenPrefix makes the sandbox decline charges against a token.
const DeclineTokenPrefix = "AUTH_decline"

type sandboxTx struct {
	id        string
	reference string
	amount    decimal.Decimal
	currency  string
	paidAt    time.Time
}

// NoopPaymentGateway is an in-memory gateway for local runs and tests.
// Every initiated checkout counts as paid in full; charges succeed unless the
// token starts with DeclineTokenPrefix.
type NoopPaymentGateway struct {
	mu     sync.Mutex
	seq    int64
	secret string
	byRef  map[string]*sandboxTx
	byID   map[string]*sandboxTx
}

func NewNoopPaymentGateway(webhookSecret string) *NoopPaymentGateway {
	return &NoopPaymentGateway{
		secret: webhookSecret,
		byRef:  make(map[string]*sandboxTx),
		byID:   make(map[string]*sandboxTx),
	}
}

func (g *NoopPaymentGateway) Name() string { return "noop" }

func (g *NoopPaymentGateway) record(ref string, amount decimal.Decimal, currency string) *sandboxTx {
	if tx, ok := g.byRef[ref]; ok {
		return tx
	}
	g.seq++
	tx := &sandboxTx{id: fmt.Sprintf("noop-%d", g.seq), reference: ref, amount: amount.Round(2), currency: currency, paidAt: time.Now().UTC()}
	g.byRef[ref] = tx
	g.byID[tx.id] = tx
	return tx
}

func (g *NoopPaymentGateway) InitiatePayment(_ context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx := g.record(req.Reference, req.Amount, req.Currency)
	return adapter.InitiateResult{PaymentLink: "https://sandbox.test/pay/" + tx.reference, AccessCode: tx.id, Reference: tx.reference}, nil
}

func (g *NoopPaymentGateway) VerifyTransaction(_ context.Context, reference string) (adapter.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.byRef[reference]
	if !ok {
		return adapter.Verification{}, domain.NotFound("noop.VerifyTransaction", "transaction")
	}
	paid := tx.paidAt
	return adapter.Verification{
		Reference:            tx.reference,
		GatewayTransactionID: tx.id,
		Status:               adapter.TransactionSuccess,
		Amount:               tx.amount,
		Currency:             tx.currency,
		PaidAt:               &paid,
	}, nil
}

func (g *NoopPaymentGateway) VerifyAndExtractToken(_ context.Context, gatewayTransactionID string) (*adapter.Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byID[gatewayTransactionID]; !ok {
		return nil, nil
	}
	return &adapter.Authorization{
		Token: "AUTH_" + gatewayTransactionID,
		Card:  model.CardDetails{LastFour: "4081", Brand: "visa", Expiry: "12/30"},
	}, nil
}

func (g *NoopPaymentGateway) ChargeWithToken(_ context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	if strings.HasPrefix(req.Token, DeclineTokenPrefix) {
		return adapter.ChargeResult{Success: false, ErrorMessage: "Declined"}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tx := g.record(req.Reference, req.Amount, req.Currency)
	return adapter.ChargeResult{Success: true, GatewayTransactionID: tx.id}, nil
}

func (g *NoopPaymentGateway) Refund(_ context.Context, req adapter.RefundRequest) (adapter.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byRef[req.TransactionReference]; !ok {
		return adapter.RefundResult{}, domain.Gateway("noop.Refund", fmt.Errorf("unknown transaction %s", req.TransactionReference), false)
	}
	g.seq++
	return adapter.RefundResult{ID: fmt.Sprintf("refund-%d", g.seq), Status: "processed", Amount: req.Amount}, nil
}

func (g *NoopPaymentGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return security.VerifyHMACSHA512(g.secret, payload, signature)
}
