package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/dispatch-api/internal/broker"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/redact"
)

// Task is a resolved domain task record plus the ability to persist
// its state. Each action wraps its own entity type.
type Task interface {
	// Record exposes the shared task fields for status transitions.
	Record() *domain.TaskRecord

	// Save persists the record's current state.
	Save(ctx context.Context) error
}

// Action is the per-type half of a processor: it resolves the task row
// for a job and performs the domain call. The Driver supplies the
// state machine around it.
type Action interface {
	// JobTypes lists the job types this action handles.
	JobTypes() []domain.JobType

	// Resolve loads the task referenced by the payload or creates a new
	// one linked to the job. Must tolerate re-entry for the same task ID
	// on redelivery.
	Resolve(ctx context.Context, job *domain.QueueJob) (Task, error)

	// Perform executes the domain action and returns the result payload.
	Perform(ctx context.Context, job *domain.QueueJob, task Task) (json.RawMessage, error)
}

// SessionGate is the slice of the session manager the driver needs:
// per-session feature gates and the last-accessed refresh.
type SessionGate interface {
	ConfigForSession(ctx context.Context, sessionID string) (*domain.SessionConfig, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// Driver runs the uniform processor state machine: mark the job ACTIVE,
// resolve the task, perform the action, persist the result, and mark
// both task and job COMPLETED. On failure the task is marked FAILED and
// the error is returned to the worker, which decides redelivery through
// the broker; the driver never retries on its own.
type Driver struct {
	actions  map[domain.JobType]Action
	queue    *queue.Manager
	sessions SessionGate
	logger   *slog.Logger
}

// NewDriver builds a driver dispatching to the given actions.
func NewDriver(qm *queue.Manager, sessions SessionGate, logger *slog.Logger, actions ...Action) *Driver {
	byType := make(map[domain.JobType]Action)
	for _, a := range actions {
		for _, t := range a.JobTypes() {
			byType[t] = a
		}
	}
	return &Driver{
		actions:  byType,
		queue:    qm,
		sessions: sessions,
		logger:   logger.With("component", "processor"),
	}
}

// Process runs one dequeued job to completion. A nil return means the
// job (and its task) finished and was marked COMPLETED; a non-nil
// return means the task was marked FAILED and the caller should route
// the error through the broker's Fail with domain.IsRetryable.
func (d *Driver) Process(ctx context.Context, brokerJob *broker.Job) error {
	log := d.logger.With("job_id", brokerJob.ID, "queue", brokerJob.Queue, "attempt", brokerJob.Attempts)

	view, err := d.queue.GetStatus(ctx, brokerJob.ID)
	if err != nil {
		return fmt.Errorf("failed to load job row: %w", err)
	}
	job := view.Job
	log = log.With("job_type", job.JobType)

	// The row goes ACTIVE before any other check so every attempt,
	// even one rejected by a gate, passes through the full lifecycle.
	if err := d.queue.UpdateStatus(ctx, job.JobID, domain.JobStatusActive, nil, ""); err != nil {
		return fmt.Errorf("failed to mark job active: %w", err)
	}

	action, ok := d.actions[job.JobType]
	if !ok {
		return fmt.Errorf("%w: no processor for job type %q", domain.ErrValidation, job.JobType)
	}

	if err := d.checkGates(ctx, job); err != nil {
		return err
	}

	task, err := action.Resolve(ctx, job)
	if err != nil {
		log.Warn("task resolution failed", "error", err)
		return err
	}

	rec := task.Record()
	rec.Status = domain.TaskStatusInProgress
	if err := task.Save(ctx); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}

	result, err := action.Perform(ctx, job, task)
	if err != nil {
		d.failTask(ctx, task, err, log)
		log.Warn("job action failed", "error", err, "retryable", domain.IsRetryable(err))
		return err
	}

	rec.Complete(result)
	if err := task.Save(ctx); err != nil {
		d.failTask(ctx, task, err, log)
		return fmt.Errorf("failed to persist task result: %w", err)
	}

	if err := d.queue.UpdateStatus(ctx, job.JobID, domain.JobStatusCompleted, result, ""); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	if job.SessionID != nil {
		if err := d.sessions.TouchSession(ctx, *job.SessionID); err != nil {
			log.Warn("failed to refresh session access time",
				"session_id", *job.SessionID, "error", err)
		}
	}

	log.Info("job completed")
	return nil
}

// checkGates enforces the session's feature flags: queueEnabled for
// every job (submission checks it too, but the flag can flip while a
// job waits), aiEnabled for chat, generation, and edit jobs, and
// browserEnabled for browser jobs. A disabled gate is terminal, never
// retried.
func (d *Driver) checkGates(ctx context.Context, job *domain.QueueJob) error {
	if job.SessionID == nil {
		return nil
	}

	cfg, err := d.sessions.ConfigForSession(ctx, *job.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrExpired) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to load session config: %w", err)
	}

	if !cfg.QueueEnabled {
		return fmt.Errorf("%w: queue disabled for session %s", domain.ErrValidation, *job.SessionID)
	}

	switch job.JobType {
	case domain.JobTypeBrowserAutomation:
		if !cfg.BrowserEnabled {
			return fmt.Errorf("%w: browser automation disabled for session %s", domain.ErrValidation, *job.SessionID)
		}
	case domain.JobTypeChatProcessing, domain.JobTypeTextGeneration,
		domain.JobTypeCodeGeneration, domain.JobTypeImageGeneration,
		domain.JobTypeFileEditing:
		if !cfg.AIEnabled {
			return fmt.Errorf("%w: AI processing disabled for session %s", domain.ErrValidation, *job.SessionID)
		}
	}
	return nil
}

// failTask marks the task FAILED, keeping whatever result was already
// durably written.
func (d *Driver) failTask(ctx context.Context, task Task, cause error, log *slog.Logger) {
	task.Record().Fail(redact.Error(cause))
	if err := task.Save(ctx); err != nil {
		log.Error("failed to persist task failure", "error", err)
	}
}
