package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedJobs(t *testing.T) {
	pool := NewWorkerPool(3, 0, time.Second, 10, nil)
	pool.Start()

	var wg sync.WaitGroup
	rec := &subjectRecorder{}
	for _, s := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		require.NoError(t, pool.Submit(&funcJob{subject: s, fn: func(ctx context.Context) error {
			defer wg.Done()
			rec.add(s)
			return nil
		}}))
	}
	wg.Wait()
	pool.ShutdownWithTimeout(time.Second)

	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, rec.list())
}

func TestWorkerPool_FailingJobDoesNotStopWorker(t *testing.T) {
	pool := NewWorkerPool(1, 0, time.Second, 10, nil)
	pool.Start()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(&funcJob{subject: "bad", fn: func(ctx context.Context) error { return errors.New("boom") }}))
	require.NoError(t, pool.Submit(&funcJob{subject: "good", fn: func(ctx context.Context) error { close(done); return nil }}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second job never ran")
	}
	pool.ShutdownWithTimeout(time.Second)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	// not started: nothing drains the queue
	pool := NewWorkerPool(1, 0, time.Second, 1, nil)
	noop := &funcJob{subject: "x", fn: func(ctx context.Context) error { return nil }}

	require.NoError(t, pool.Submit(noop))
	err := pool.Submit(noop)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, pool.QueueLen())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, 0, time.Second, 1, nil)
	pool.Start()
	pool.ShutdownWithTimeout(time.Second)

	err := pool.Submit(&funcJob{subject: "late", fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// second shutdown is a no-op
	pool.ShutdownWithTimeout(time.Second)
}

func TestWorkerPool_ShutdownTimeoutCancelsJobs(t *testing.T) {
	pool := NewWorkerPool(1, 0, time.Minute, 1, nil)
	pool.Start()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(&funcJob{subject: "slow", fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))

	<-started
	pool.ShutdownWithTimeout(20 * time.Millisecond)

	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight job was not cancelled")
	}
}

func TestWorkerPool_SubmitBatch(t *testing.T) {
	pool := NewWorkerPool(1, 0, time.Second, 2, nil)
	noop := func(ctx context.Context) error { return nil }

	n := pool.SubmitBatch([]Job{
		&funcJob{subject: "1", fn: noop},
		&funcJob{subject: "2", fn: noop},
		&funcJob{subject: "3", fn: noop},
	})
	assert.Equal(t, 2, n)
}
