package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/broker"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.QueueJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*domain.QueueJob)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *domain.QueueJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.JobID] = &copied
	return nil
}

func (f *fakeJobStore) GetByJobID(ctx context.Context, jobID string) (*domain.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Status = status
	if errMsg != "" {
		job.Error = errMsg
	}
	return nil
}

func (f *fakeJobStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error) {
	return nil, nil
}

func (f *fakeJobStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.QueueJob, error) {
	return nil, nil
}

func (f *fakeJobStore) Requeue(ctx context.Context, id uuid.UUID, newJobID string) error {
	return nil
}

func (f *fakeJobStore) Delete(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeJobStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) WithTx(tx *sql.Tx) store.QueueJobStore { return f }

func (f *fakeJobStore) status(jobID string) domain.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		return job.Status
	}
	return ""
}

// stubProcessor records calls and returns scripted errors in order,
// then nil.
type stubProcessor struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	done     chan struct{}
	blockCtx bool
	queue    *queue.Manager
}

func (p *stubProcessor) Process(ctx context.Context, job *broker.Job) error {
	// The real driver marks the row ACTIVE before doing anything else;
	// row-less jobs enqueued straight on the broker are tolerated.
	if p.queue != nil {
		if err := p.queue.UpdateStatus(ctx, job.ID, domain.JobStatusActive, nil, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}

	p.mu.Lock()
	var err error
	if p.calls < len(p.errs) {
		err = p.errs[p.calls]
	}
	p.calls++
	done := p.done
	p.mu.Unlock()

	if p.blockCtx {
		<-ctx.Done()
	}
	if done != nil {
		done <- struct{}{}
	}
	return err
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubGate struct{ limit int }

func (g *stubGate) ConfigForSession(ctx context.Context, sessionID string) (*domain.SessionConfig, error) {
	cfg := domain.DefaultSessionConfig(sessionID)
	if g.limit > 0 {
		cfg.MaxConcurrentTasks = g.limit
	}
	return cfg, nil
}

func (g *stubGate) TouchSession(ctx context.Context, sessionID string) error { return nil }

type poolTestWriter struct{ t *testing.T }

func (w poolTestWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestPool(t *testing.T, proc Processor, concurrency int) (*Pool, *broker.MemoryBroker, *queue.Manager, *fakeJobStore) {
	t.Helper()

	b := broker.NewMemoryBroker(queue.QueueNames()...)
	t.Cleanup(func() { _ = b.Close() })

	jobs := newFakeJobStore()
	logger := slog.New(slog.NewTextHandler(poolTestWriter{t}, nil))
	qm := queue.NewManager(b, jobs, logger)
	if sp, ok := proc.(*stubProcessor); ok {
		sp.queue = qm
	}
	pool := NewPool(Config{QueueName: queue.QueueChat, Concurrency: concurrency},
		b, qm, proc, &stubGate{}, NewSessionLimiter(), logger)
	return pool, b, qm, jobs
}

func waitFor(t *testing.T, done <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestPoolAcksSuccessfulJob(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{done: make(chan struct{}, 1)}
	pool, b, qm, _ := newTestPool(t, proc, 1)

	_, err := qm.Submit(context.Background(), queue.QueueChat,
		domain.JobTypeChatProcessing, json.RawMessage(`{}`), queue.SubmitOptions{})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, proc.done, "job was never processed")

	require.Eventually(t, func() bool {
		counts, err := b.Counts(context.Background(), queue.QueueChat)
		return err == nil && counts.Completed == 1 && counts.Active == 0
	}, 5*time.Second, 10*time.Millisecond, "job was never acked")
}

func TestPoolMarksTerminalFailureFailed(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{
		errs: []error{domain.ErrValidation},
		done: make(chan struct{}, 1),
	}
	pool, b, qm, jobs := newTestPool(t, proc, 1)

	handle, err := qm.Submit(context.Background(), queue.QueueChat,
		domain.JobTypeChatProcessing, json.RawMessage(`{}`), queue.SubmitOptions{})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, proc.done, "job was never processed")

	require.Eventually(t, func() bool {
		counts, err := b.Counts(context.Background(), queue.QueueChat)
		return err == nil && counts.Failed == 1
	}, 5*time.Second, 10*time.Millisecond, "job was never failed")

	require.Eventually(t, func() bool {
		return jobs.status(handle.JobID) == domain.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond, "row was never mirrored to failed")

	assert.Equal(t, 1, proc.callCount())
}

func TestPoolRedeliversRetryableFailure(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{
		errs: []error{domain.ErrTransient},
		done: make(chan struct{}, 2),
	}
	pool, b, _, _ := newTestPool(t, proc, 1)

	// Enqueued directly so the retry backoff can be made test-sized.
	_, err := b.Enqueue(context.Background(), queue.QueueChat, []byte(`{}`), broker.Options{
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, proc.done, "first attempt never ran")
	waitFor(t, proc.done, "retry never ran")

	require.Eventually(t, func() bool {
		counts, err := b.Counts(context.Background(), queue.QueueChat)
		return err == nil && counts.Completed == 1
	}, 5*time.Second, 10*time.Millisecond, "retried job never completed")

	assert.GreaterOrEqual(t, proc.callCount(), 2)
}

func TestPoolStopWaitsForInflightJob(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{blockCtx: true, done: make(chan struct{}, 1)}
	pool, b, _, _ := newTestPool(t, proc, 1)

	_, err := b.Enqueue(context.Background(), queue.QueueChat, []byte(`{}`), broker.Options{MaxAttempts: 1})
	require.NoError(t, err)

	pool.Start()

	// The worker is blocked inside Process until Stop cancels its
	// context; Stop must still return.
	stopped := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		pool.Stop()
		close(stopped)
	}()

	waitFor(t, proc.done, "job never started")
	waitFor(t, stopped, "Stop never returned")
}

func TestSessionLimiterBoundsConcurrency(t *testing.T) {
	t.Parallel()

	l := NewSessionLimiter()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "sess-1", 2))
	require.NoError(t, l.Acquire(ctx, "sess-1", 2))

	// Third slot is unavailable until a release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Acquire(blocked, "sess-1", 2), context.DeadlineExceeded)

	l.Release("sess-1")
	require.NoError(t, l.Acquire(ctx, "sess-1", 2))

	// Other sessions are unaffected.
	require.NoError(t, l.Acquire(ctx, "sess-2", 1))
}

func TestSessionLimiterForgetsIdleSessions(t *testing.T) {
	t.Parallel()

	l := NewSessionLimiter()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "sess-1", 1))
	l.Release("sess-1")

	l.mu.Lock()
	remaining := len(l.sems)
	l.mu.Unlock()
	assert.Zero(t, remaining)
}
