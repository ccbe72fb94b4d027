// Package queue implements the queue manager: the single owner of
// QueueJob rows. It validates submissions against the registered queue
// set, keeps the persisted row and the broker's view of each job in
// step, and answers status and stats queries. Persisting a row per job
// decouples job history from the broker's retention and lets session
// cleanup find jobs without broker-side session indexing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/dispatch-api/internal/broker"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// Registered queue names, one per processor plus a system queue.
const (
	QueueChat       = "chat"
	QueueGeneration = "generation"
	QueueBrowser    = "browser"
	QueueEdit       = "edit"
	QueueSystem     = "system"
)

// Retry defaults. Attempt n (zero-based) is redelivered after
// DefaultBackoffBase * 2^n.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultMaxAttempts = 3
)

// QueueNames returns all registered queue names.
func QueueNames() []string {
	return []string{QueueChat, QueueGeneration, QueueBrowser, QueueEdit, QueueSystem}
}

// QueueForJobType maps a job type to the queue its processor consumes.
func QueueForJobType(jobType domain.JobType) (string, error) {
	switch jobType {
	case domain.JobTypeChatProcessing:
		return QueueChat, nil
	case domain.JobTypeTextGeneration, domain.JobTypeCodeGeneration, domain.JobTypeImageGeneration:
		return QueueGeneration, nil
	case domain.JobTypeBrowserAutomation:
		return QueueBrowser, nil
	case domain.JobTypeFileEditing:
		return QueueEdit, nil
	case domain.JobTypeSystemTask:
		return QueueSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown job type %q", domain.ErrValidation, jobType)
	}
}

// SubmitOptions control scheduling of a submitted job. Zero values get
// defaults: priority 0, no delay, DefaultMaxAttempts.
type SubmitOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	SessionID   *string
}

// JobHandle is returned from Submit and exposes the broker-assigned ID.
type JobHandle struct {
	JobID     string
	QueueName string
	JobType   domain.JobType
}

// JobView merges the persisted job row with the broker's live view.
// Broker is nil once the broker no longer retains the job.
type JobView struct {
	Job    *domain.QueueJob
	Broker *broker.Job
}

// QueueStats pairs a queue name with its broker counts.
type QueueStats struct {
	Name   string        `json:"name"`
	Counts broker.Counts `json:"counts"`
}

// SessionGate resolves a session's effective config so Submit can
// enforce the queueEnabled flag. The session manager implements it.
type SessionGate interface {
	ConfigForSession(ctx context.Context, sessionID string) (*domain.SessionConfig, error)
}

// Manager owns QueueJob persistence and the broker mirror. Processors
// never write job rows directly; they go through UpdateStatus.
type Manager struct {
	broker      broker.Broker
	jobs        store.QueueJobStore
	logger      *slog.Logger
	queues      map[string]bool
	gate        SessionGate
	maxAttempts int
	backoffBase time.Duration
}

// Option tunes a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the default attempt cap and backoff base
// applied to submissions that do not set their own.
func WithRetryPolicy(maxAttempts int, backoffBase time.Duration) Option {
	return func(m *Manager) {
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			m.backoffBase = backoffBase
		}
	}
}

// NewManager creates a queue manager over the given broker and job
// store. The broker must be configured with the registered queue set.
func NewManager(b broker.Broker, jobs store.QueueJobStore, logger *slog.Logger, opts ...Option) *Manager {
	queues := make(map[string]bool)
	for _, name := range QueueNames() {
		queues[name] = true
	}
	m := &Manager{
		broker:      b,
		jobs:        jobs,
		logger:      logger.With("component", "queue_manager"),
		queues:      queues,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSessionGate installs the session gate consulted on Submit. Set
// after construction because the session manager needs the queue
// manager as its job registry.
func (m *Manager) SetSessionGate(gate SessionGate) {
	m.gate = gate
}

// Submit validates the queue and job type, enqueues on the broker, and
// persists a WAITING job row 1:1 with the broker message. If the row
// cannot be written, the broker message is removed so no orphan job
// runs without history.
func (m *Manager) Submit(ctx context.Context, queueName string, jobType domain.JobType, payload json.RawMessage, opts SubmitOptions) (*JobHandle, error) {
	if !m.queues[queueName] {
		return nil, fmt.Errorf("%w: unknown queue %q", domain.ErrValidation, queueName)
	}
	if !domain.IsValidJobType(jobType) {
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrValidation, jobType)
	}

	if opts.SessionID != nil && m.gate != nil {
		cfg, err := m.gate.ConfigForSession(ctx, *opts.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session config: %w", err)
		}
		if !cfg.QueueEnabled {
			return nil, fmt.Errorf("%w: queue disabled for session %s", domain.ErrValidation, *opts.SessionID)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.maxAttempts
	}

	brokerJob, err := m.broker.Enqueue(ctx, queueName, payload, broker.Options{
		Priority:    opts.Priority,
		Delay:       opts.Delay,
		MaxAttempts: maxAttempts,
		BackoffBase: m.backoffBase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	job, err := domain.NewQueueJob(brokerJob.ID, queueName, jobType, payload,
		opts.Priority, maxAttempts, opts.Delay, opts.SessionID)
	if err != nil {
		m.discardBrokerJob(ctx, brokerJob.ID)
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := m.jobs.Create(ctx, job); err != nil {
		m.discardBrokerJob(ctx, brokerJob.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	m.logger.Info("job submitted",
		"job_id", brokerJob.ID,
		"queue", queueName,
		"job_type", jobType,
		"priority", opts.Priority,
		"delay", opts.Delay)

	return &JobHandle{
		JobID:     brokerJob.ID,
		QueueName: queueName,
		JobType:   jobType,
	}, nil
}

func (m *Manager) discardBrokerJob(ctx context.Context, jobID string) {
	if err := m.broker.Remove(ctx, jobID); err != nil && !errors.Is(err, broker.ErrJobNotFound) {
		m.logger.Warn("failed to discard broker job after submit failure",
			"job_id", jobID, "error", err)
	}
}

// UpdateStatus writes a job status transition, stamping the timestamp
// matching the target status. Processors are its only callers.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) error {
	job, err := m.jobs.GetByJobID(ctx, jobID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	// Retry redelivery moves an active row back to waiting, a step the
	// state machine otherwise forbids.
	retryMirror := job.Status == domain.JobStatusActive && status == domain.JobStatusWaiting
	if !retryMirror && !job.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s to %s for job %s", domain.ErrInvalidJobTransition, job.Status, status, jobID)
	}

	if err := m.jobs.UpdateStatus(ctx, jobID, status, result, errMsg); err != nil {
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// GetStatus merges the persisted row with the broker's live view of the
// job. The broker side is nil when the broker no longer knows the ID.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*JobView, error) {
	job, err := m.jobs.GetByJobID(ctx, jobID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	view := &JobView{Job: job}

	brokerJob, err := m.broker.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, broker.ErrJobNotFound) {
			return nil, fmt.Errorf("failed to inspect broker job: %w", err)
		}
	} else {
		view.Broker = brokerJob
	}

	return view, nil
}

// Pause takes a job out of circulation and mirrors PAUSED into the
// persisted row. Pausing an active job is best-effort: the in-flight
// attempt is not interrupted, but its outcome is discarded.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	if err := m.broker.PauseJob(ctx, jobID); err != nil {
		if errors.Is(err, broker.ErrJobNotFound) {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("failed to pause job: %w", err)
	}

	if err := m.UpdateStatus(ctx, jobID, domain.JobStatusPaused, nil, ""); err != nil {
		return err
	}

	m.logger.Info("job paused", "job_id", jobID)
	return nil
}

// Resume returns a paused job to the waiting state.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	if err := m.broker.ResumeJob(ctx, jobID); err != nil {
		if errors.Is(err, broker.ErrJobNotFound) {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("failed to resume job: %w", err)
	}

	if err := m.UpdateStatus(ctx, jobID, domain.JobStatusWaiting, nil, ""); err != nil {
		return err
	}

	m.logger.Info("job resumed", "job_id", jobID)
	return nil
}

// Remove deletes the job from broker and store. Removal of an active
// job is best-effort: the in-flight action is not interrupted, only the
// broker record and the row are cleared. Returns ErrNotFound only when
// the job is absent from both sides.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	brokerMissing := false
	if err := m.broker.Remove(ctx, jobID); err != nil {
		if !errors.Is(err, broker.ErrJobNotFound) {
			return fmt.Errorf("failed to remove broker job: %w", err)
		}
		brokerMissing = true
	}

	if err := m.jobs.Delete(ctx, jobID); err != nil {
		if !store.IsNotFoundError(err) {
			return fmt.Errorf("failed to delete job row: %w", err)
		}
		if brokerMissing {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
	}

	m.logger.Info("job removed", "job_id", jobID)
	return nil
}

// StatsByQueue returns the broker counts for every registered queue.
func (m *Manager) StatsByQueue(ctx context.Context) ([]QueueStats, error) {
	stats := make([]QueueStats, 0, len(m.queues))
	for _, name := range m.broker.Queues() {
		counts, err := m.broker.Counts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read counts for queue %s: %w", name, err)
		}
		stats = append(stats, QueueStats{Name: name, Counts: counts})
	}
	return stats, nil
}

// Recover re-enqueues rows left ACTIVE by a crashed worker. Rows the
// broker still tracks are left alone (the broker will redeliver or the
// attempt is genuinely in flight); orphaned rows get a fresh broker
// job with the original payload and scheduling, and the row is rebound
// to the new ID and reset to WAITING. Returns the number requeued.
// Intended to run once at startup, before workers begin dequeuing.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stuck, err := m.jobs.ListByStatus(ctx, domain.JobStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	recovered := 0
	for _, job := range stuck {
		if _, err := m.broker.GetJob(ctx, job.JobID); err == nil {
			continue
		} else if !errors.Is(err, broker.ErrJobNotFound) {
			return recovered, fmt.Errorf("failed to inspect broker job: %w", err)
		}

		brokerJob, err := m.broker.Enqueue(ctx, job.QueueName, job.Payload, broker.Options{
			Priority:    job.Priority,
			MaxAttempts: job.MaxAttempts,
			BackoffBase: m.backoffBase,
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to re-enqueue job %s: %w", job.JobID, err)
		}

		if err := m.jobs.Requeue(ctx, job.ID, brokerJob.ID); err != nil {
			m.discardBrokerJob(ctx, brokerJob.ID)
			return recovered, fmt.Errorf("failed to rebind job %s: %w", job.JobID, err)
		}

		m.logger.Info("recovered interrupted job",
			"old_job_id", job.JobID,
			"job_id", brokerJob.ID,
			"queue", job.QueueName,
			"job_type", job.JobType)
		recovered++
	}

	return recovered, nil
}

// JobsForSession returns all persisted jobs submitted for a session.
// Session cleanup uses it to find jobs to cancel.
func (m *Manager) JobsForSession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error) {
	jobs, err := m.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session jobs: %w", err)
	}
	return jobs, nil
}
