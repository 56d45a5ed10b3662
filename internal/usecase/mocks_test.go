// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
)

// --- Mock PaymentGateway
type mockGateway struct {
	InitiateFunc     func(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error)
	VerifyFunc       func(ctx context.Context, reference string) (adapter.Verification, error)
	ExtractTokenFunc func(ctx context.Context, gatewayTxID string) (*adapter.Authorization, error)
	ChargeFunc       func(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error)
	RefundFunc       func(ctx context.Context, req adapter.RefundRequest) (adapter.RefundResult, error)

	mu       sync.Mutex
	charges  []adapter.ChargeRequest
	refunds  []adapter.RefundRequest
	initiate []adapter.InitiateRequest
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) InitiatePayment(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	m.mu.Lock()
	m.initiate = append(m.initiate, req)
	m.mu.Unlock()
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	return adapter.InitiateResult{PaymentLink: "https://pay.test/" + req.Reference, Reference: req.Reference}, nil
}

func (m *mockGateway) VerifyTransaction(ctx context.Context, reference string) (adapter.Verification, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, reference)
	}
	return adapter.Verification{Reference: reference, Status: adapter.TransactionPending}, nil
}

func (m *mockGateway) VerifyAndExtractToken(ctx context.Context, gatewayTxID string) (*adapter.Authorization, error) {
	if m.ExtractTokenFunc != nil {
		return m.ExtractTokenFunc(ctx, gatewayTxID)
	}
	return &adapter.Authorization{Token: "AUTH_" + gatewayTxID, Card: model.CardDetails{LastFour: "4081", Brand: "visa", Expiry: "12/30"}}, nil
}

func (m *mockGateway) ChargeWithToken(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()
	if m.ChargeFunc != nil {
		return m.ChargeFunc(ctx, req)
	}
	return adapter.ChargeResult{Success: true, GatewayTransactionID: "gw-" + req.Reference}, nil
}

func (m *mockGateway) Refund(ctx context.Context, req adapter.RefundRequest) (adapter.RefundResult, error) {
	m.mu.Lock()
	m.refunds = append(m.refunds, req)
	m.mu.Unlock()
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, req)
	}
	return adapter.RefundResult{ID: "rfnd-1", Status: "pending", Amount: req.Amount}, nil
}

func (m *mockGateway) VerifyWebhookSignature([]byte, string) bool { return true }

func (m *mockGateway) chargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charges)
}

// --- Mock GigCatalog
type mockGigs struct {
	gigs map[string]*adapter.Gig
	err  error
}

func (m *mockGigs) GetGig(_ context.Context, id string) (*adapter.Gig, error) {
	if m.err != nil {
		return nil, m.err
	}
	g, ok := m.gigs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// --- Mock OrderService
type mockOrders struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration

	mu       sync.Mutex
	requests []adapter.CreateOrderRequest
}

func (m *mockOrders) CreateOrder(_ context.Context, req adapter.CreateOrderRequest) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.fail.Load() {
		return "", errors.New("orders service unavailable")
	}
	n := m.calls.Add(1)
	return fmt.Sprintf("order-%d", n), nil
}

// --- Mock ContractService
type mockContracts struct {
	mu         sync.Mutex
	terminated []string
}

func (m *mockContracts) TerminateContract(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, id)
	return nil
}

// --- Mock BillingLedger
type mockLedger struct {
	mu     sync.Mutex
	events []adapter.BillingEvent
	err    error
}

func (m *mockLedger) RecordBillingEvent(_ context.Context, ev adapter.BillingEvent) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// --- Mock Locker
type mockLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMockLocker() *mockLocker { return &mockLocker{held: map[string]string{}} }

func (m *mockLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false, nil
	}
	m.held[key] = "tok-" + key
	return m.held[key], true, nil
}

func (m *mockLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

// --- Recording NotificationUseCase
type recordingNotifier struct {
	mu   sync.Mutex
	sent []adapter.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n adapter.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) NotifyParties(ctx context.Context, sub *model.Subscription, n adapter.Notification) {
	c := n
	c.RecipientID, c.RecipientRole = sub.ClientID, model.RoleClient
	r.Dispatch(ctx, c)
	g := n
	g.RecipientID, g.RecipientRole = sub.CaregiverID, model.RoleCaregiver
	r.Dispatch(ctx, g)
}

func (r *recordingNotifier) AlertSupport(ctx context.Context, n adapter.Notification) {
	n.RecipientRole = model.RoleSupport
	r.Dispatch(ctx, n)
}

func (r *recordingNotifier) ofType(t adapter.NotificationType) []adapter.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []adapter.Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// --- Mock SubscriptionCreator
type mockSubCreator struct {
	calls atomic.Int32
	err   error
}

func (m *mockSubCreator) CreateFromPayment(_ context.Context, p *model.PendingPayment) (*model.Subscription, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &model.Subscription{ID: "sub-for-" + p.TransactionReference}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
