package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *MemoryBroker {
	return NewMemoryBroker("chat", "generation")
}

func TestEnqueueUnknownQueue(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()

	_, err := b.Enqueue(context.Background(), "bogus", nil, Options{})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDequeueHonorsPriority(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	low, err := b.Enqueue(ctx, "chat", []byte("low"), Options{Priority: 1})
	require.NoError(t, err)
	high, err := b.Enqueue(ctx, "chat", []byte("high"), Options{Priority: 10})
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, StateActive, first.State)
	assert.Equal(t, 1, first.Attempts)

	second, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	first, err := b.Enqueue(ctx, "chat", []byte("1"), Options{})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "chat", []byte("2"), Options{})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestDelayDefersEligibility(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{Delay: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, j.State)

	counts, err := b.Counts(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)
	assert.Zero(t, counts.Waiting)

	start := time.Now()
	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDequeueBlocksUntilContextDone(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx, "chat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)

	requeued, err := b.Fail(ctx, got.ID, "boom", true)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Second delivery after backoff.
	got, err = b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)

	// Attempts exhausted: job lands in failed.
	requeued, err = b.Fail(ctx, got.ID, "boom again", false)
	require.NoError(t, err)
	assert.False(t, requeued)

	final, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "boom again", final.LastError)
}

func TestNonRetryableFailureSkipsRemainingAttempts(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{MaxAttempts: 5, BackoffBase: time.Second})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)

	requeued, err := b.Fail(ctx, got.ID, "bad payload", false)
	require.NoError(t, err)
	assert.False(t, requeued)

	final, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
}

func TestAckCompletesJob(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{})
	require.NoError(t, err)

	_, err = b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, j.ID))

	final, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)

	counts, err := b.Counts(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)
	assert.Zero(t, counts.Active)
}

func TestPauseResumeWaitingJob(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{})
	require.NoError(t, err)

	require.NoError(t, b.PauseJob(ctx, j.ID))
	got, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)

	// Paused jobs are not dequeued.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(shortCtx, "chat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.ResumeJob(ctx, j.ID))
	got, err = b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
}

func TestPauseActiveJobDiscardsLateAck(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{})
	require.NoError(t, err)
	_, err = b.Dequeue(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, b.PauseJob(ctx, j.ID))

	// The in-flight worker finishes after the pause; its ack is dropped.
	require.NoError(t, b.Ack(ctx, j.ID))

	got, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
}

func TestRemoveWaitingJob(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, Options{})
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, j.ID))

	_, err = b.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	counts, err := b.Counts(ctx, "chat")
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)

	assert.ErrorIs(t, b.Remove(ctx, j.ID), ErrJobNotFound)
}

func TestCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()

	b := newTestBroker()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "chat")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
}
