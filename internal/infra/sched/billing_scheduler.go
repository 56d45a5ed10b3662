// File: internal/infra/sched/billing_scheduler.go
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"caregiver-billing/internal/config"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
	"caregiver-billing/internal/infra/worker"
	"caregiver-billing/internal/usecase"
)

const (
	JobCharge    = "charge-due"
	JobFinalize  = "finalize-cancellations"
	JobReconcile = "reconcile-stale-payments"
)

// RunReport summarizes one pass of a job.
type RunReport struct {
	Processed int
	Outcomes  map[string]int
	Errors    int
	Skipped   bool // another instance held the run lock
}

func newReport() RunReport { return RunReport{Outcomes: map[string]int{}} }

// BillingScheduler drives every time-based transition: recurring charges,
// cancellation finalization and stale payment reconciliation. Each run takes a
// distributed lock so overlapping instances do not double-process a batch.
type BillingScheduler struct {
	subs     usecase.SubscriptionUseCase
	payments usecase.PaymentUseCase
	stats    usecase.StatsUseCase
	locker   adapter.Locker
	pool     *worker.Pool
	cfg      config.SchedulerConfig

	s   gocron.Scheduler
	now func() time.Time
	log *zerolog.Logger
}

func NewBillingScheduler(
	subs usecase.SubscriptionUseCase,
	payments usecase.PaymentUseCase,
	stats usecase.StatsUseCase,
	locker adapter.Locker,
	pool *worker.Pool,
	cfg config.SchedulerConfig,
	logger *zerolog.Logger,
) (*BillingScheduler, error) {
	if subs == nil || payments == nil || pool == nil {
		return nil, errors.New("scheduler: missing dependencies")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	l := logger.With().Str("component", "BillingScheduler").Logger()
	return &BillingScheduler{
		subs: subs, payments: payments, stats: stats, locker: locker, pool: pool, cfg: cfg,
		s: s, now: time.Now, log: &l,
	}, nil
}

// Start registers the jobs as singletons and starts the scheduler. Runs use ctx.
func (b *BillingScheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (RunReport, error)
	}{
		{JobCharge, b.cfg.ChargeInterval, b.RunCharges},
		{JobFinalize, b.cfg.FinalizeInterval, b.RunFinalizations},
		{JobReconcile, b.cfg.ReconcileInterval, b.RunReconcile},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			b.log.Warn().Str("job", j.name).Msg("job disabled: interval not set")
			continue
		}
		j := j
		_, err := b.s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { b.observe(ctx, j.name, j.run) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", j.name, err)
		}
	}
	b.s.Start()
	b.log.Info().Int("jobs", len(b.s.Jobs())).Msg("billing scheduler started")
	return nil
}

func (b *BillingScheduler) Shutdown() error {
	b.log.Info().Msg("stopping billing scheduler")
	return b.s.Shutdown()
}

func (b *BillingScheduler) observe(ctx context.Context, job string, run func(context.Context) (RunReport, error)) {
	started := time.Now()
	rep, err := run(ctx)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		b.log.Error().Err(err).Str("job", job).Msg("job failed")
	case rep.Skipped:
		result = "skipped"
	case rep.Errors > 0:
		result = "partial"
	}
	metrics.ObserveJob(job, result, time.Since(started).Seconds())
	if rep.Processed > 0 || rep.Errors > 0 {
		b.log.Info().Str("job", job).Int("processed", rep.Processed).Int("errors", rep.Errors).
			Interface("outcomes", rep.Outcomes).Dur("took", time.Since(started)).Msg("job finished")
	}
}

// withRunLock runs fn only if this instance wins the job's lock.
func (b *BillingScheduler) withRunLock(ctx context.Context, job string, ttl time.Duration, fn func() (RunReport, error)) (RunReport, error) {
	if b.locker == nil {
		return fn()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := "sched:" + job
	token, ok, err := b.locker.TryLock(ctx, key, ttl)
	if err != nil {
		return newReport(), fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		rep := newReport()
		rep.Skipped = true
		return rep, nil
	}
	defer func() {
		if err := b.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			b.log.Warn().Err(err).Str("job", job).Msg("release run lock failed")
		}
	}()
	return fn()
}

// fanOut runs fn for every id on the worker pool and waits for all of them.
// One id failing never stops the others. Items the pool hands back cancelled count as errors.
func (b *BillingScheduler) fanOut(ctx context.Context, ids []string, fn func(ctx context.Context, id string) (string, error)) RunReport {
	rep := newReport()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, id := range ids {
		id := id
		wg.Add(1)
		err := b.pool.SubmitWait(ctx, func(ctx context.Context) error {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				failed.Add(1)
				return fmt.Errorf("%s: %w", id, err)
			}
			outcome, err := fn(ctx, id)
			mu.Lock()
			rep.Processed++
			if outcome != "" {
				rep.Outcomes[outcome]++
			}
			mu.Unlock()
			if err != nil {
				failed.Add(1)
				return fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
		if err != nil {
			wg.Done()
			failed.Add(1)
			b.log.Warn().Err(err).Str("id", id).Msg("could not queue work item")
		}
	}
	wg.Wait()
	rep.Errors = int(failed.Load())
	return rep
}

// RunCharges attempts every subscription whose charge is due.
func (b *BillingScheduler) RunCharges(ctx context.Context) (RunReport, error) {
	return b.withRunLock(ctx, JobCharge, b.cfg.ChargeInterval, func() (RunReport, error) {
		ids, err := b.subs.DueForCharge(ctx, b.cfg.BatchSize)
		if err != nil {
			return newReport(), err
		}
		rep := b.fanOut(ctx, ids, func(ctx context.Context, id string) (string, error) {
			outcome, err := b.subs.ChargeSubscription(ctx, id)
			if err != nil {
				metrics.IncCharge("error")
				return "error", err
			}
			metrics.IncCharge(string(outcome))
			return string(outcome), nil
		})
		b.refreshGauge(ctx)
		return rep, nil
	})
}

// RunFinalizations ends subscriptions whose graceful cancellation reached period end.
func (b *BillingScheduler) RunFinalizations(ctx context.Context) (RunReport, error) {
	return b.withRunLock(ctx, JobFinalize, b.cfg.FinalizeInterval, func() (RunReport, error) {
		ids, err := b.subs.DueForFinalization(ctx, b.cfg.BatchSize)
		if err != nil {
			return newReport(), err
		}
		rep := b.fanOut(ctx, ids, func(ctx context.Context, id string) (string, error) {
			if _, err := b.subs.FinalizeCancellation(ctx, id); err != nil {
				metrics.IncSubscriptionTransition("finalize_cancellation", "error")
				return "error", err
			}
			metrics.IncSubscriptionTransition("finalize_cancellation", "ok")
			return "cancelled", nil
		})
		b.refreshGauge(ctx)
		return rep, nil
	})
}

// RunReconcile settles Pending payments older than the configured age.
func (b *BillingScheduler) RunReconcile(ctx context.Context) (RunReport, error) {
	return b.withRunLock(ctx, JobReconcile, b.cfg.ReconcileInterval, func() (RunReport, error) {
		cutoff := b.now().Add(-b.cfg.StalePendingAfter)
		r, err := b.payments.ReconcileStale(ctx, cutoff, b.cfg.BatchSize)
		rep := newReport()
		rep.Processed = r.Checked
		rep.Errors = r.Errors
		rep.Outcomes["completed"] = r.Completed
		rep.Outcomes["failed"] = r.Failed
		for i := 0; i < r.Completed; i++ {
			metrics.IncPayment("completed")
		}
		for i := 0; i < r.Failed; i++ {
			metrics.IncPayment("failed")
		}
		return rep, err
	})
}

func (b *BillingScheduler) refreshGauge(ctx context.Context) {
	if b.stats == nil {
		return
	}
	counts, err := b.stats.SubscriptionCounts(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("refresh subscription gauge failed")
		return
	}
	metrics.SetSubscriptionsTotal(counts)
}
