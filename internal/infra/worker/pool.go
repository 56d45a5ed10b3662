// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Submit when every slot is taken.
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned once the pool no longer accepts work.
var ErrStopped = errors.New("worker pool stopped")

type Task func(ctx context.Context) error

// Pool runs submitted tasks on a fixed number of goroutines. Every accepted task is
// invoked exactly once: tasks still queued when the pool shuts down run with a
// cancelled context, so callers waiting on them always get an answer.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	once sync.Once
	n    int
	log  *zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := logger.With().Str("component", "WorkerPool").Logger()
	return &Pool{jobs: make(chan Task, workers*4), quit: make(chan struct{}), n: workers, log: &l}
}

func (p *Pool) Start(ctx context.Context) {
	var workers sync.WaitGroup
	for i := 0; i < p.n; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			for {
				select {
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					p.run(ctx, id, task)
				}
			}
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
		case <-p.quit:
		}
		p.shutdown()
		workers.Wait()
		p.drain(ctx)
	}()
}

// shutdown stops intake. Once the write lock is held no submitter is mid-send.
func (p *Pool) shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// drain hands every task left in the queue a cancelled context.
func (p *Pool) drain(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	dropped := 0
	for {
		select {
		case task := <-p.jobs:
			if task == nil {
				continue
			}
			dropped++
			p.run(cctx, -1, task)
		default:
			if dropped > 0 {
				p.log.Warn().Int("tasks", dropped).Msg("pool stopped with queued tasks; ran them cancelled")
			}
			return
		}
	}
}

// run isolates a task so a panic in one job does not take the worker down.
func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("task panicked")
		}
	}()
	if err := task(ctx); err != nil {
		p.log.Warn().Err(err).Int("worker", id).Msg("task error")
	}
}

func (p *Pool) Stop() {
	p.shutdown()
	p.wg.Wait()
}

// Submit enqueues without blocking.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait blocks until the task is queued, ctx ends or the pool stops.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- task:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
