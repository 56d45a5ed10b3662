//go:build !integration

package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/fees"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/domain/ports/repository"
)

var (
	clientActor    = model.Actor{ID: "client-1", Role: model.RoleClient}
	caregiverActor = model.Actor{ID: "cg-1", Role: model.RoleCaregiver}
	supportActor   = model.Actor{ID: "ops-1", Role: model.RoleSupport}
	strangerActor  = model.Actor{ID: "client-9", Role: model.RoleClient}
)

type subscriptionUCTestDeps struct {
	subs      *memSubRepo
	tm        *memTxManager
	gateway   *mockGateway
	orders    *mockOrders
	contracts *mockContracts
	ledger    *mockLedger
	locker    *mockLocker
	notify    *recordingNotifier
	clock     *testClock
	uc        *subscriptionUC
}

func newSubscriptionUCDeps(opts SubscriptionOptions) *subscriptionUCTestDeps {
	d := &subscriptionUCTestDeps{
		subs:      newMemSubRepo(),
		tm:        &memTxManager{},
		gateway:   &mockGateway{},
		orders:    &mockOrders{},
		contracts: &mockContracts{},
		ledger:    &mockLedger{},
		locker:    newMockLocker(),
		notify:    &recordingNotifier{},
		clock:     newTestClock(t0),
	}
	d.uc = NewSubscriptionUseCase(d.subs, d.tm, d.gateway, d.orders, d.contracts, d.ledger, d.locker, d.notify, opts, newTestLogger())
	d.uc.now = d.clock.Now
	return d
}

// seedWeekly stores an Active weekly subscription for 700 created at t0.
func (d *subscriptionUCTestDeps) seedWeekly(t *testing.T, id string) *model.Subscription {
	t.Helper()
	s, err := model.NewSubscription(model.NewSubscriptionParams{
		ID:                    id,
		ClientID:              "client-1",
		CaregiverID:           "cg-1",
		GigID:                 "gig-" + id,
		OriginalOrderID:       "order-0",
		Email:                 "client@example.com",
		BillingCycle:          model.BillingCycleWeekly,
		Frequency:             7,
		Fees:                  fees.Breakdown{BasePrice: dec("100"), OrderFee: dec("700"), Total: dec("700")},
		Currency:              "NGN",
		ChargeToken:           "AUTH_first",
		FirstPaymentReference: "CGB-first",
		FirstPaymentTxID:      "gw-first",
	}, t0)
	require.NoError(t, err)
	d.subs.put(s)
	return d.subs.get(id)
}

func (d *subscriptionUCTestDeps) advance(dur time.Duration) {
	d.clock.Set(d.clock.Now().Add(dur))
}

const week = 7 * 24 * time.Hour

func completedPayment(serviceType fees.ServiceType) *model.PendingPayment {
	done := t0
	return &model.PendingPayment{
		ID:                   "pay-1",
		TransactionReference: "CGB-1",
		GigID:                "gig-1",
		ClientID:             "client-1",
		CaregiverID:          "cg-1",
		Email:                "client@example.com",
		ServiceType:          serviceType,
		Frequency:            2,
		Fees:                 fees.Breakdown{BasePrice: dec("1000"), Total: dec("8924.8")},
		Currency:             "NGN",
		Status:               model.PaymentStatusCompleted,
		GatewayTransactionID: "gw-1",
		CompletedAt:          &done,
		OrderID:              "order-1",
	}
}

func TestSubscriptionUseCase_CreateFromPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an active subscription with the extracted token", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})

		s, err := d.uc.CreateFromPayment(ctx, completedPayment(fees.ServiceMonthly))

		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusActive, s.Status)
		assert.Equal(t, model.BillingCycleMonthly, s.BillingCycle)
		assert.Equal(t, "AUTH_gw-1", s.ChargeToken)
		assert.Equal(t, "4081", s.Card.LastFour)
		assert.Equal(t, 1, s.BillingCyclesCompleted)
		require.NotNil(t, s.NextChargeDate)
		assert.Equal(t, t0.AddDate(0, 1, 0), *s.NextChargeDate)
		require.Len(t, s.PaymentHistory, 1)
		assert.Equal(t, "CGB-1", s.PaymentHistory[0].Reference)
		assert.Len(t, d.notify.ofType(adapter.NotifySubscriptionCreated), 2)
	})

	t.Run("a second current subscription for the same gig conflicts", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		_, err := d.uc.CreateFromPayment(ctx, completedPayment(fees.ServiceMonthly))
		require.NoError(t, err)

		_, err = d.uc.CreateFromPayment(ctx, completedPayment(fees.ServiceMonthly))

		assert.True(t, domain.IsKind(err, domain.KindConflict))
	})

	t.Run("without a reusable token the subscription does not auto-charge", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.gateway.ExtractTokenFunc = func(context.Context, string) (*adapter.Authorization, error) {
			return nil, nil
		}

		s, err := d.uc.CreateFromPayment(ctx, completedPayment(fees.ServiceMonthly))

		require.NoError(t, err)
		assert.Empty(t, s.ChargeToken)
		assert.Nil(t, s.NextChargeDate)
		d.clock.Set(t0.AddDate(0, 2, 0))
		due, err := d.uc.DueForCharge(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("rejects pending and one-time payments", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		pending := completedPayment(fees.ServiceMonthly)
		pending.Status = model.PaymentStatusPending

		_, err := d.uc.CreateFromPayment(ctx, pending)
		assert.True(t, domain.IsKind(err, domain.KindConflict))

		_, err = d.uc.CreateFromPayment(ctx, completedPayment(fees.ServiceOneTime))
		assert.True(t, domain.IsKind(err, domain.KindValidation))
	})
}

func TestSubscriptionUseCase_Queries(t *testing.T) {
	ctx := context.Background()
	d := newSubscriptionUCDeps(SubscriptionOptions{})
	d.seedWeekly(t, "sub-1")

	for _, actor := range []model.Actor{clientActor, caregiverActor, supportActor} {
		s, err := d.uc.Get(ctx, actor, "sub-1")
		require.NoError(t, err, actor.Role)
		assert.Equal(t, "sub-1", s.ID)
	}

	_, err := d.uc.Get(ctx, strangerActor, "sub-1")
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	_, err = d.uc.Get(ctx, supportActor, "missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	mine, err := d.uc.List(ctx, clientActor, repository.SubscriptionFilter{ClientID: "someone-else"})
	require.NoError(t, err)
	assert.Len(t, mine, 1, "client filter is forced to the actor")

	none, err := d.uc.List(ctx, strangerActor, repository.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	history, err := d.uc.PaymentHistory(ctx, caregiverActor, "sub-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSubscriptionUseCase_ChargeSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("successful renewal advances the period", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.advance(week)

		due, err := d.uc.DueForCharge(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []string{"sub-1"}, due)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, outcome)
		s := d.subs.get("sub-1")
		assert.Equal(t, 2, s.BillingCyclesCompleted)
		assert.Equal(t, t0.Add(week), s.CurrentPeriodStart)
		require.NotNil(t, s.NextChargeDate)
		assert.Equal(t, t0.Add(2*week), *s.NextChargeDate)
		require.Len(t, s.PaymentHistory, 2)
		assert.Equal(t, "SUB-sub-1-C2-A1", s.PaymentHistory[1].Reference)
		assert.Equal(t, "order-1", s.PaymentHistory[1].OrderID)

		require.Len(t, d.ledger.events, 1)
		assert.Equal(t, 2, d.ledger.events[0].CycleNumber)
		assert.True(t, dec("700").Equal(d.ledger.events[0].AmountPaid))
		assert.Equal(t, fees.ServiceWeekly, d.ledger.events[0].ServiceType)
		assert.Equal(t, "SUB-sub-1-C2-A1", d.gateway.charges[0].Reference)
		assert.Empty(t, d.locker.held, "lock released")

		outcome, err = d.uc.ChargeSubscription(ctx, "sub-1")
		assert.Equal(t, ChargeSkipped, outcome)
		assert.True(t, domain.IsKind(err, domain.KindConflict), "not due again until next week")
		assert.Equal(t, 1, d.gateway.chargeCount())
	})

	t.Run("failures retry with backoff and then suspend", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.gateway.ChargeFunc = func(context.Context, adapter.ChargeRequest) (adapter.ChargeResult, error) {
			return adapter.ChargeResult{Success: false, ErrorMessage: "insufficient funds"}, nil
		}
		d.advance(week)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, outcome)
		s := d.subs.get("sub-1")
		assert.Equal(t, model.SubscriptionStatusPastDue, s.Status)
		assert.Equal(t, 1, s.FailedChargeAttempts)
		assert.Equal(t, "insufficient funds", s.LastChargeError)
		assert.Equal(t, d.clock.Now().Add(time.Hour), *s.NextChargeDate)

		outcome, _ = d.uc.ChargeSubscription(ctx, "sub-1")
		assert.Equal(t, ChargeSkipped, outcome, "retry is not due yet")

		d.advance(time.Hour)
		outcome, err = d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, outcome)
		s = d.subs.get("sub-1")
		assert.Equal(t, d.clock.Now().Add(4*time.Hour), *s.NextChargeDate)

		d.advance(4 * time.Hour)
		outcome, err = d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, ChargeSuspended, outcome)
		s = d.subs.get("sub-1")
		assert.Equal(t, model.SubscriptionStatusSuspended, s.Status)
		assert.Nil(t, s.NextChargeDate)
		assert.Len(t, d.notify.ofType(adapter.NotifySubscriptionSuspended), 2)

		d.advance(week)
		outcome, _ = d.uc.ChargeSubscription(ctx, "sub-1")
		assert.Equal(t, ChargeSkipped, outcome)
		assert.Equal(t, 3, d.gateway.chargeCount())

		refs := make([]string, 0, 3)
		for _, c := range d.gateway.charges {
			refs = append(refs, c.Reference)
		}
		assert.Equal(t, []string{"SUB-sub-1-C2-A1", "SUB-sub-1-C2-A2", "SUB-sub-1-C2-A3"}, refs)
		assert.Zero(t, d.ledger.count())
	})

	t.Run("a gateway timeout counts as a failure", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{ChargeTimeout: 20 * time.Millisecond})
		d.seedWeekly(t, "sub-1")
		d.gateway.ChargeFunc = func(ctx context.Context, _ adapter.ChargeRequest) (adapter.ChargeResult, error) {
			<-ctx.Done()
			return adapter.ChargeResult{}, ctx.Err()
		}
		d.advance(week)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, outcome)
		s := d.subs.get("sub-1")
		assert.Equal(t, 1, s.BillingCyclesCompleted)
		assert.Contains(t, s.LastChargeError, "deadline exceeded")
	})

	t.Run("a timed out attempt that was captured is settled on retry without a second charge", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.gateway.ChargeFunc = func(context.Context, adapter.ChargeRequest) (adapter.ChargeResult, error) {
			return adapter.ChargeResult{}, context.DeadlineExceeded
		}
		var verified []string
		d.gateway.VerifyFunc = func(_ context.Context, ref string) (adapter.Verification, error) {
			verified = append(verified, ref)
			if ref == "SUB-sub-1-C2-A1" {
				return adapter.Verification{Reference: ref, GatewayTransactionID: "gw-late", Status: adapter.TransactionSuccess, Amount: dec("700"), Currency: "NGN"}, nil
			}
			return adapter.Verification{}, domain.NotFound("gateway.verify", "transaction")
		}
		d.advance(week)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)
		require.Equal(t, ChargeFailed, outcome)

		d.advance(time.Hour)
		outcome, err = d.uc.ChargeSubscription(ctx, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, outcome)
		assert.Equal(t, 1, d.gateway.chargeCount(), "cycle 2 is captured once")
		assert.Equal(t, []string{"SUB-sub-1-C2-A1"}, verified)
		s := d.subs.get("sub-1")
		assert.Equal(t, 2, s.BillingCyclesCompleted)
		assert.Zero(t, s.FailedChargeAttempts)
		require.Len(t, s.PaymentHistory, 2)
		assert.Equal(t, "SUB-sub-1-C2-A1", s.PaymentHistory[1].Reference)
		assert.Equal(t, model.PaymentRecordSuccessful, s.PaymentHistory[1].Status)
		assert.Equal(t, "gw-late", s.PaymentHistory[1].GatewayTransactionID)
		require.Len(t, d.orders.requests, 1)
		assert.Equal(t, "gw-late", d.orders.requests[0].TransactionID)
	})

	t.Run("an unreachable gateway blocks the retry instead of charging again", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.gateway.ChargeFunc = func(context.Context, adapter.ChargeRequest) (adapter.ChargeResult, error) {
			return adapter.ChargeResult{}, context.DeadlineExceeded
		}
		d.gateway.VerifyFunc = func(context.Context, string) (adapter.Verification, error) {
			return adapter.Verification{}, errors.New("connection reset")
		}
		d.advance(week)
		_, err := d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)

		d.advance(time.Hour)
		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")

		assert.Equal(t, ChargeSkipped, outcome)
		assert.True(t, domain.IsKind(err, domain.KindGateway))
		assert.Equal(t, 1, d.gateway.chargeCount())
		assert.Equal(t, 1, d.subs.get("sub-1").FailedChargeAttempts)
	})

	t.Run("a held lock skips the attempt", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.locker.held["billing:charge:sub-1"] = "other-worker"
		d.advance(week)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, ChargeLocked, outcome)
		assert.Zero(t, d.gateway.chargeCount())
	})

	t.Run("order failure keeps the charge and alerts support", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.orders.fail.Store(true)
		d.advance(week)

		outcome, err := d.uc.ChargeSubscription(ctx, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, outcome)
		s := d.subs.get("sub-1")
		assert.Equal(t, 2, s.BillingCyclesCompleted)
		assert.Contains(t, s.PaymentHistory[1].ErrorMessage, "order creation failed")
		assert.Len(t, d.notify.ofType(adapter.NotifyOrderCreationFailed), 1)
	})

	t.Run("persistence failure surfaces and leaves state unchanged", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.subs.updateErr = domain.ErrPersistenceConflict
		d.advance(week)

		_, err := d.uc.ChargeSubscription(ctx, "sub-1")

		assert.True(t, domain.IsKind(err, domain.KindPersistenceConflict))
		assert.Equal(t, 1, d.subs.get("sub-1").BillingCyclesCompleted)
		assert.Empty(t, d.locker.held)
	})
}

func TestSubscriptionUseCase_CancelAndFinalize(t *testing.T) {
	ctx := context.Background()
	d := newSubscriptionUCDeps(SubscriptionOptions{})
	d.seedWeekly(t, "sub-1")
	d.advance(24 * time.Hour)

	s, err := d.uc.Cancel(ctx, clientActor, "sub-1", "moving away")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusPendingCancellation, s.Status)
	assert.False(t, s.AutoRenew)
	assert.Nil(t, s.NextChargeDate)

	_, err = d.uc.Cancel(ctx, clientActor, "sub-1", "again")
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	d.clock.Set(t0.Add(week - time.Second))
	due, err := d.uc.DueForFinalization(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	charge, err := d.uc.DueForCharge(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, charge)

	d.clock.Set(t0.Add(week))
	due, err = d.uc.DueForFinalization(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"sub-1"}, due)

	s, err = d.uc.FinalizeCancellation(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusCancelled, s.Status)
	require.NotNil(t, s.CancelledAt)

	_, err = d.uc.FinalizeCancellation(ctx, "sub-1")
	assert.True(t, domain.IsKind(err, domain.KindConflict))
	assert.Len(t, d.notify.ofType(adapter.NotifySubscriptionCancelled), 4)
	assert.Zero(t, d.gateway.chargeCount())
}

func TestSubscriptionUseCase_Reactivate(t *testing.T) {
	ctx := context.Background()
	d := newSubscriptionUCDeps(SubscriptionOptions{})
	d.seedWeekly(t, "sub-1")
	_, err := d.uc.Cancel(ctx, clientActor, "sub-1", "")
	require.NoError(t, err)

	_, err = d.uc.Reactivate(ctx, caregiverActor, "sub-1")
	assert.True(t, domain.IsKind(err, domain.KindConflict), "caregiver may not reactivate")

	s, err := d.uc.Reactivate(ctx, clientActor, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, s.Status)
	require.NotNil(t, s.NextChargeDate)
	assert.Equal(t, t0.Add(week), *s.NextChargeDate)
}

func TestSubscriptionUseCase_RevivalKeepsOneCurrentPerGig(t *testing.T) {
	ctx := context.Background()

	// seedRival stores an active subscription on the same client and gig as sub-1.
	seedRival := func(t *testing.T, d *subscriptionUCTestDeps) {
		t.Helper()
		rival := d.seedWeekly(t, "sub-2")
		rival.GigID = "gig-sub-1"
		d.subs.put(rival)
	}

	t.Run("resume", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		_, err := d.uc.Pause(ctx, clientActor, "sub-1")
		require.NoError(t, err)
		seedRival(t, d)

		_, err = d.uc.Resume(ctx, clientActor, "sub-1")

		require.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Contains(t, err.Error(), "sub-2")
		assert.Equal(t, model.SubscriptionStatusPaused, d.subs.get("sub-1").Status)
	})

	t.Run("reactivate", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		_, err := d.uc.Cancel(ctx, clientActor, "sub-1", "switching plans")
		require.NoError(t, err)
		seedRival(t, d)

		_, err = d.uc.Reactivate(ctx, clientActor, "sub-1")

		assert.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Equal(t, model.SubscriptionStatusPendingCancellation, d.subs.get("sub-1").Status)
	})

	t.Run("payment method update", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		s := d.seedWeekly(t, "sub-1")
		s.Status = model.SubscriptionStatusSuspended
		s.NextChargeDate = nil
		d.subs.put(s)
		seedRival(t, d)
		d.gateway.VerifyFunc = func(_ context.Context, ref string) (adapter.Verification, error) {
			return adapter.Verification{Reference: ref, GatewayTransactionID: "gw-pmu", Status: adapter.TransactionSuccess, Amount: dec("50"), Currency: "NGN"}, nil
		}

		_, err := d.uc.ConfirmPaymentMethodUpdate(ctx, clientActor, "sub-1", "PMU-sub-1-X")

		assert.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Equal(t, model.SubscriptionStatusSuspended, d.subs.get("sub-1").Status)
	})

	t.Run("without a rival the revival goes through", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		_, err := d.uc.Pause(ctx, clientActor, "sub-1")
		require.NoError(t, err)

		s, err := d.uc.Resume(ctx, clientActor, "sub-1")

		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusActive, s.Status)
	})
}

func TestSubscriptionUseCase_Terminate(t *testing.T) {
	ctx := context.Background()

	t.Run("automatic refund uses the last successful charge", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{AutoRefund: true})
		seeded := d.seedWeekly(t, "sub-1")
		contract := "contract-1"
		seeded.ContractID = &contract
		d.subs.put(seeded)
		d.advance(week / 2)

		s, err := d.uc.Terminate(ctx, supportActor, "sub-1", "caregiver unavailable", true)

		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusTerminated, s.Status)
		assert.True(t, dec("350").Equal(s.RefundAmount), "got %s", s.RefundAmount)
		assert.Equal(t, "rfnd-1", s.RefundReference)
		require.Len(t, d.gateway.refunds, 1)
		assert.Equal(t, "CGB-first", d.gateway.refunds[0].TransactionReference)
		assert.Equal(t, []string{"contract-1"}, d.contracts.terminated)
		assert.Equal(t, "rfnd-1", d.subs.get("sub-1").RefundReference)
	})

	t.Run("manual refund is handed to support", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.advance(week / 2)

		s, err := d.uc.Terminate(ctx, caregiverActor, "sub-1", "no longer available", true)

		require.NoError(t, err)
		assert.True(t, dec("350").Equal(s.RefundAmount))
		assert.Empty(t, d.gateway.refunds)
		assert.Len(t, d.notify.ofType(adapter.NotifyRefundDue), 1)
		assert.Empty(t, d.contracts.terminated)
	})

	t.Run("without refund nothing is owed", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{AutoRefund: true})
		d.seedWeekly(t, "sub-1")

		s, err := d.uc.Terminate(ctx, clientActor, "sub-1", "", false)

		require.NoError(t, err)
		assert.True(t, s.RefundAmount.IsZero())
		assert.Empty(t, d.gateway.refunds)
	})

	t.Run("strangers and repeats are rejected", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")

		_, err := d.uc.Terminate(ctx, strangerActor, "sub-1", "", true)
		assert.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Equal(t, model.SubscriptionStatusActive, d.subs.get("sub-1").Status)

		_, err = d.uc.Terminate(ctx, clientActor, "sub-1", "", false)
		require.NoError(t, err)
		_, err = d.uc.Terminate(ctx, clientActor, "sub-1", "", false)
		assert.True(t, domain.IsKind(err, domain.KindConflict))
	})
}

func TestSubscriptionUseCase_PauseResume(t *testing.T) {
	ctx := context.Background()
	d := newSubscriptionUCDeps(SubscriptionOptions{})
	d.seedWeekly(t, "sub-1")

	_, err := d.uc.Pause(ctx, caregiverActor, "sub-1")
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	s, err := d.uc.Pause(ctx, clientActor, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusPaused, s.Status)
	assert.Nil(t, s.NextChargeDate)

	d.advance(3 * week)
	due, err := d.uc.DueForCharge(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	s, err = d.uc.Resume(ctx, clientActor, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, s.Status)
	assert.Equal(t, d.clock.Now(), s.CurrentPeriodStart)
	assert.Equal(t, d.clock.Now().Add(week), *s.NextChargeDate)
}

func TestSubscriptionUseCase_ChangePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("new amount applies from the next cycle", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.advance(2 * 24 * time.Hour)

		s, err := d.uc.ChangePlan(ctx, clientActor, "sub-1", ChangePlanRequest{BillingCycle: "monthly", Frequency: 2})

		require.NoError(t, err)
		assert.Equal(t, model.BillingCycleMonthly, s.BillingCycle)
		assert.True(t, dec("892.32").Equal(s.RecurringAmount), "got %s", s.RecurringAmount)
		assert.Equal(t, t0.Add(week), s.CurrentPeriodEnd, "current period untouched")
		assert.Equal(t, t0.Add(week), *s.NextChargeDate)
		require.Len(t, s.PlanChanges, 1)
		assert.Equal(t, model.PlanChangeUpgrade, s.PlanChanges[0].ChangeType)
		assert.True(t, dec("700").Equal(s.PlanChanges[0].PreviousAmount))
		assert.True(t, dec("700").Equal(s.PaymentHistory[0].Amount), "history is not rewritten")

		d.clock.Set(t0.Add(week))
		_, err = d.uc.ChargeSubscription(ctx, "sub-1")
		require.NoError(t, err)
		assert.True(t, dec("892.32").Equal(d.gateway.charges[0].Amount))
		assert.Equal(t, t0.Add(week).AddDate(0, 1, 0), d.subs.get("sub-1").CurrentPeriodEnd)
	})

	t.Run("invalid requests list every violation", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")

		_, err := d.uc.ChangePlan(ctx, clientActor, "sub-1", ChangePlanRequest{BillingCycle: "daily", Frequency: 0})

		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, domain.KindValidation, de.Kind)
		assert.Len(t, de.Violations, 2)
	})

	t.Run("identical plan and foreign actors are rejected", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")

		_, err := d.uc.ChangePlan(ctx, clientActor, "sub-1", ChangePlanRequest{BillingCycle: "weekly", Frequency: 7})
		assert.True(t, domain.IsKind(err, domain.KindValidation))

		_, err = d.uc.ChangePlan(ctx, caregiverActor, "sub-1", ChangePlanRequest{BillingCycle: "weekly", Frequency: 3})
		assert.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Empty(t, d.subs.get("sub-1").PlanChanges)
	})
}

func TestSubscriptionUseCase_PaymentMethodUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("a suspended subscription becomes chargeable again", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{AutoRefund: true})
		s := d.seedWeekly(t, "sub-1")
		s.Status = model.SubscriptionStatusSuspended
		s.FailedChargeAttempts = 3
		s.NextChargeDate = nil
		d.subs.put(s)
		d.advance(week + 6*time.Hour)

		init, err := d.uc.InitiatePaymentMethodUpdate(ctx, clientActor, "sub-1", PaymentMethodUpdateRequest{
			Email:       "client@example.com",
			RedirectURL: "https://app.example.com/cards/return",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(init.Reference, "PMU-sub-1-"))
		assert.True(t, dec("50").Equal(init.Amount))

		d.gateway.VerifyFunc = func(_ context.Context, ref string) (adapter.Verification, error) {
			return adapter.Verification{Reference: ref, GatewayTransactionID: "gw-pmu", Status: adapter.TransactionSuccess, Amount: dec("50"), Currency: "NGN"}, nil
		}
		updated, err := d.uc.ConfirmPaymentMethodUpdate(ctx, clientActor, "sub-1", init.Reference)

		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusActive, updated.Status)
		assert.Equal(t, "AUTH_gw-pmu", updated.ChargeToken)
		assert.Zero(t, updated.FailedChargeAttempts)
		assert.Equal(t, d.clock.Now(), *updated.NextChargeDate)
		require.Len(t, d.gateway.refunds, 1)
		assert.Equal(t, init.Reference, d.gateway.refunds[0].TransactionReference)

		due, err := d.uc.DueForCharge(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"sub-1"}, due)
	})

	t.Run("a reference from another subscription is rejected", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")

		_, err := d.uc.ConfirmPaymentMethodUpdate(ctx, clientActor, "sub-1", "PMU-sub-2-X")

		assert.True(t, domain.IsKind(err, domain.KindValidation))
	})

	t.Run("an unsuccessful verification changes nothing", func(t *testing.T) {
		d := newSubscriptionUCDeps(SubscriptionOptions{})
		d.seedWeekly(t, "sub-1")
		d.gateway.VerifyFunc = func(_ context.Context, ref string) (adapter.Verification, error) {
			return adapter.Verification{Reference: ref, Status: adapter.TransactionAbandoned}, nil
		}

		_, err := d.uc.ConfirmPaymentMethodUpdate(ctx, clientActor, "sub-1", "PMU-sub-1-X")

		assert.True(t, domain.IsKind(err, domain.KindConflict))
		assert.Equal(t, "AUTH_first", d.subs.get("sub-1").ChargeToken)
	})
}
