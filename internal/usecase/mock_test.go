package usecase

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// testClock is a settable clock shared by a use case under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// --- Mock TransactionManager
// memTxManager serializes transactions the way row locks serialize writers of one record.
type memTxManager struct {
	mu  sync.Mutex
	txs int
}

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++
	return fn(ctx, "mem-tx")
}

// --- Mock PaymentRepository
type memPaymentRepo struct {
	mu    sync.RWMutex
	byRef map[string]*model.PendingPayment

	saveErr error
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{byRef: make(map[string]*model.PendingPayment)}
}

func clonePayment(p *model.PendingPayment) *model.PendingPayment {
	cp := *p
	return &cp
}

func (m *memPaymentRepo) Save(_ context.Context, _ repository.Tx, p *model.PendingPayment) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[p.TransactionReference]; ok {
		return domain.ErrAlreadyExists
	}
	m.byRef[p.TransactionReference] = clonePayment(p)
	return nil
}

func (m *memPaymentRepo) UpdateIfPending(_ context.Context, _ repository.Tx, p *model.PendingPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byRef[p.TransactionReference]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != model.PaymentStatusPending {
		return false, nil
	}
	m.byRef[p.TransactionReference] = clonePayment(p)
	return true, nil
}

func (m *memPaymentRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byRef {
		if p.ID == id {
			return clonePayment(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memPaymentRepo) FindByReference(_ context.Context, _ repository.Tx, reference string) (*model.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byRef[reference]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *memPaymentRepo) ListPendingOlderThan(_ context.Context, _ repository.Tx, olderThan time.Time, limit int) ([]*model.PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.PendingPayment
	for _, p := range m.byRef {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPaymentRepo) CountByStatus(_ context.Context, _ repository.Tx) (map[model.PaymentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[model.PaymentStatus]int{}
	for _, p := range m.byRef {
		out[p.Status]++
	}
	return out, nil
}

func (m *memPaymentRepo) SumCompletedSince(_ context.Context, _ repository.Tx, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range m.byRef {
		if p.Status == model.PaymentStatusCompleted && p.CompletedAt != nil && !p.CompletedAt.Before(since) {
			sum = sum.Add(p.TotalAmount())
		}
	}
	return sum, nil
}

func (m *memPaymentRepo) get(ref string) *model.PendingPayment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePayment(m.byRef[ref])
}

// --- Mock SubscriptionRepository
type memSubRepo struct {
	mu   sync.RWMutex
	byID map[string]*model.Subscription

	updateErr error
}

func newMemSubRepo() *memSubRepo {
	return &memSubRepo{byID: make(map[string]*model.Subscription)}
}

func cloneSub(s *model.Subscription) *model.Subscription {
	cp := *s
	cp.PaymentHistory = append([]model.SubscriptionPaymentRecord(nil), s.PaymentHistory...)
	cp.PlanChanges = append([]model.PlanChangeRecord(nil), s.PlanChanges...)
	if s.NextChargeDate != nil {
		t := *s.NextChargeDate
		cp.NextChargeDate = &t
	}
	return &cp
}

func (m *memSubRepo) Create(_ context.Context, _ repository.Tx, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.ClientID == sub.ClientID && s.GigID == sub.GigID && s.Status.Current() {
			return domain.ErrAlreadyExists
		}
	}
	sub.Version = 1
	m.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (m *memSubRepo) Update(_ context.Context, _ repository.Tx, sub *model.Subscription) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[sub.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != sub.Version {
		return domain.ErrPersistenceConflict
	}
	if sub.Status.Current() {
		for _, s := range m.byID {
			if s.ID != sub.ID && s.ClientID == sub.ClientID && s.GigID == sub.GigID && s.Status.Current() {
				return domain.ErrAlreadyExists
			}
		}
	}
	sub.Version++
	m.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (m *memSubRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSub(s), nil
}

func (m *memSubRepo) FindCurrent(_ context.Context, _ repository.Tx, clientID, gigID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byID {
		if s.ClientID == clientID && s.GigID == gigID && s.Status.Current() {
			return cloneSub(s), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memSubRepo) List(_ context.Context, _ repository.Tx, f repository.SubscriptionFilter) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.byID {
		if f.ClientID != "" && s.ClientID != f.ClientID {
			continue
		}
		if f.CaregiverID != "" && s.CaregiverID != f.CaregiverID {
			continue
		}
		if f.GigID != "" && s.GigID != f.GigID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
			continue
		}
		out = append(out, cloneSub(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []model.SubscriptionStatus, st model.SubscriptionStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func (m *memSubRepo) ListDueForCharge(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.byID {
		if s.Chargeable() && s.NextChargeDate != nil && !s.NextChargeDate.After(now) {
			out = append(out, cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSubRepo) ListDueForFinalization(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.byID {
		if s.DueForFinalization(now) {
			out = append(out, cloneSub(s))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSubRepo) CountByStatus(_ context.Context, _ repository.Tx) (map[model.SubscriptionStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[model.SubscriptionStatus]int{}
	for _, s := range m.byID {
		out[s.Status]++
	}
	return out, nil
}

func (m *memSubRepo) CountEndedBetween(_ context.Context, _ repository.Tx, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	in := func(t *time.Time) bool { return t != nil && !t.Before(from) && t.Before(to) }
	for _, s := range m.byID {
		if in(s.CancelledAt) || in(s.TerminatedAt) {
			n++
		}
	}
	return n, nil
}

func (m *memSubRepo) SumMonthlyRecurring(_ context.Context, _ repository.Tx) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, s := range m.byID {
		if s.Status.Current() {
			sum = sum.Add(s.MonthlyRecurringAmount())
		}
	}
	return sum, nil
}

func (m *memSubRepo) get(id string) *model.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSub(m.byID[id])
}

func (m *memSubRepo) put(s *model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version == 0 {
		s.Version = 1
	}
	m.byID[s.ID] = cloneSub(s)
}
