package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsEveryTask(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(3, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.SubmitWait(ctx, func(context.Context) error {
			defer wg.Done()
			done.Add(1)
			if done.Load()%7 == 0 {
				return errors.New("some task failed")
			}
			return nil
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 50, done.Load())
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, &logger)
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.SubmitWait(ctx, func(context.Context) error { panic("boom") }))
	ran := make(chan struct{})
	require.NoError(t, p.SubmitWait(ctx, func(context.Context) error { close(ran); return nil }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, &logger)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrStopped)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }), ErrStopped)
}

func TestPool_SubmitQueueFull(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, &logger) // not started: nothing drains the queue
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(func(context.Context) error { return nil })
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPool_QueuedTasksRunCancelledOnShutdown(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var wg sync.WaitGroup
	var cancelled atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			if ctx.Err() != nil {
				cancelled.Add(1)
			}
			return nil
		}))
	}

	blocked := make(chan error, 1)
	go func() { blocked <- p.SubmitWait(context.Background(), func(context.Context) error { return nil }) }()

	cancel()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("SubmitWait stayed blocked after shutdown")
	}
	close(release)

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("queued tasks were never invoked")
	}
	assert.EqualValues(t, 4, cancelled.Load())
	p.Stop()
}
