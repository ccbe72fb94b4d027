// Package worker runs the consumption side of the queue: per-queue
// pools of goroutines that dequeue jobs from the broker, hand them to
// the processor driver, and settle the outcome back into the broker
// and the job store. Retry policy lives in the broker; the pool only
// reports whether a failure was retryable.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/dispatch-api/internal/broker"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/processor"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/redact"
)

// dequeueRetryDelay is how long a worker waits after a transient
// dequeue error before trying again.
const dequeueRetryDelay = time.Second

// Processor is the job-execution half the pool drives. Satisfied by
// *processor.Driver.
type Processor interface {
	Process(ctx context.Context, job *broker.Job) error
}

// Config holds the settings for one worker pool.
type Config struct {
	// QueueName is the queue this pool consumes.
	QueueName string

	// Concurrency is the number of worker goroutines. Values below one
	// are treated as one.
	Concurrency int
}

// Pool consumes one queue with a fixed number of worker goroutines.
type Pool struct {
	queueName   string
	concurrency int
	broker      broker.Broker
	queue       *queue.Manager
	proc        Processor
	sessions    processor.SessionGate
	limiter     *SessionLimiter
	logger      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool. The limiter is shared across pools so
// a session's concurrency cap holds across queues; it may be nil to
// disable per-session limits.
func NewPool(cfg Config, b broker.Broker, qm *queue.Manager, proc Processor, sessions processor.SessionGate, limiter *SessionLimiter, logger *slog.Logger) *Pool {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queueName:   cfg.QueueName,
		concurrency: concurrency,
		broker:      b,
		queue:       qm,
		proc:        proc,
		sessions:    sessions,
		limiter:     limiter,
		logger:      logger.With("component", "worker_pool", "queue", cfg.QueueName),
	}
}

// Start launches the worker goroutines. It returns immediately; call
// Stop to shut down.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("starting workers", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("workers stopped")
}

func (p *Pool) run(ctx context.Context, workerID int) {
	log := p.logger.With("worker_id", workerID)
	for {
		job, err := p.broker.Dequeue(ctx, p.queueName)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}

		p.handle(ctx, job, log)
	}
}

// handle runs one claimed job through the processor and settles it:
// success acks the broker message, failure routes through Fail with the
// error's retryability, and the job row is mirrored to WAITING when a
// retry is scheduled or FAILED when attempts are exhausted or the error
// is terminal.
func (p *Pool) handle(ctx context.Context, job *broker.Job, log *slog.Logger) {
	log = log.With("job_id", job.ID, "attempt", job.Attempts)

	release, err := p.acquireSessionSlot(ctx, job)
	if err != nil {
		// Shutdown while waiting for a slot. The claimed attempt is
		// returned to the queue for the next worker generation.
		settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if requeued, ferr := p.broker.Fail(settleCtx, job.ID, "worker shutting down", true); ferr != nil {
			log.Warn("failed to return job on shutdown", "error", ferr)
		} else if requeued {
			p.mirrorStatus(job.ID, domain.JobStatusWaiting, "worker shutting down", log)
		}
		return
	}
	defer release()

	err = p.proc.Process(ctx, job)
	if err == nil {
		if ackErr := p.broker.Ack(ctx, job.ID); ackErr != nil && !errors.Is(ackErr, broker.ErrJobNotFound) {
			log.Warn("failed to ack completed job", "error", ackErr)
		}
		return
	}

	retryable := domain.IsRetryable(err)
	errMsg := redact.Error(err)
	requeued, failErr := p.broker.Fail(ctx, job.ID, errMsg, retryable)
	if failErr != nil {
		if !errors.Is(failErr, broker.ErrJobNotFound) {
			log.Error("failed to settle failed job", "error", failErr, "cause", err)
		}
		return
	}

	if requeued {
		log.Info("job requeued for retry", "error", errMsg)
		p.mirrorStatus(job.ID, domain.JobStatusWaiting, errMsg, log)
	} else {
		log.Warn("job failed permanently", "error", errMsg, "retryable", retryable)
		p.mirrorStatus(job.ID, domain.JobStatusFailed, errMsg, log)
	}
}

// acquireSessionSlot enforces the session's maxConcurrentTasks. The
// returned release is a no-op when the job has no session or no limiter
// is configured.
func (p *Pool) acquireSessionSlot(ctx context.Context, job *broker.Job) (func(), error) {
	noop := func() {}
	if p.limiter == nil {
		return noop, nil
	}

	view, err := p.queue.GetStatus(ctx, job.ID)
	if err != nil || view.Job.SessionID == nil {
		return noop, nil
	}
	sessionID := *view.Job.SessionID

	limit := domain.DefaultMaxConcurrentTasks
	if cfg, cfgErr := p.sessions.ConfigForSession(ctx, sessionID); cfgErr == nil {
		limit = cfg.MaxConcurrentTasks
	}

	if err := p.limiter.Acquire(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	return func() { p.limiter.Release(sessionID) }, nil
}

// mirrorStatus writes the row-side status for a settled attempt. The
// broker is authoritative; a mirror failure is logged, not propagated.
func (p *Pool) mirrorStatus(jobID string, status domain.JobStatus, errMsg string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.UpdateStatus(ctx, jobID, status, nil, errMsg); err != nil {
		log.Warn("failed to mirror job status", "status", status, "error", err)
	}
}
