package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Possible job status values
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// JobType identifies which processor handles a job and how its payload
// is decoded.
type JobType string

// Possible job types
const (
	JobTypeChatProcessing    JobType = "chat_processing"
	JobTypeTextGeneration    JobType = "text_generation"
	JobTypeCodeGeneration    JobType = "code_generation"
	JobTypeImageGeneration   JobType = "image_generation"
	JobTypeBrowserAutomation JobType = "browser_automation"
	JobTypeFileEditing       JobType = "file_editing"
	JobTypeSystemTask        JobType = "system_task"
)

// Common validation errors for QueueJob
var (
	ErrEmptyQueueName       = errors.New("queue name cannot be empty")
	ErrInvalidJobType       = errors.New("invalid job type")
	ErrInvalidJobStatus     = errors.New("invalid job status")
	ErrInvalidJobTransition = errors.New("invalid job status transition")
)

// QueueJob is the persisted record of one unit of work submitted to a
// named queue. It mirrors the broker's own job but outlives the
// broker's retention, so session cleanup and history queries never
// depend on broker-side indexing. Owned exclusively by the queue
// manager; processors mutate it only through the manager.
type QueueJob struct {
	ID          uuid.UUID       `json:"id"`
	JobID       string          `json:"job_id"`
	QueueName   string          `json:"queue_name"`
	JobType     JobType         `json:"job_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Delay       time.Duration   `json:"delay"`
	SessionID   *string         `json:"session_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// NewQueueJob creates a QueueJob in the waiting state.
func NewQueueJob(jobID, queueName string, jobType JobType, payload json.RawMessage, priority, maxAttempts int, delay time.Duration, sessionID *string) (*QueueJob, error) {
	now := time.Now().UTC()
	job := &QueueJob{
		ID:          uuid.New(),
		JobID:       jobID,
		QueueName:   queueName,
		JobType:     jobType,
		Payload:     payload,
		Status:      JobStatusWaiting,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		SessionID:   sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the QueueJob has valid data.
func (j *QueueJob) Validate() error {
	if j.QueueName == "" {
		return ErrEmptyQueueName
	}

	if !IsValidJobType(j.JobType) {
		return ErrInvalidJobType
	}

	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}

	return nil
}

// CanTransitionTo reports whether moving to the given status is a legal
// step of the job state machine: waiting→active→{completed|failed},
// with paused reachable from waiting or active and returning to
// waiting on resume.
func (j *QueueJob) CanTransitionTo(next JobStatus) bool {
	switch j.Status {
	case JobStatusWaiting:
		return next == JobStatusActive || next == JobStatusPaused
	case JobStatusActive:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusPaused
	case JobStatusPaused:
		return next == JobStatusWaiting
	default:
		// completed and failed are terminal
		return false
	}
}

// IsValidJobType checks if the given type is a known JobType.
func IsValidJobType(t JobType) bool {
	switch t {
	case JobTypeChatProcessing, JobTypeTextGeneration, JobTypeCodeGeneration,
		JobTypeImageGeneration, JobTypeBrowserAutomation, JobTypeFileEditing,
		JobTypeSystemTask:
		return true
	default:
		return false
	}
}

// isValidJobStatus checks if the given status is a valid JobStatus.
func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusWaiting, JobStatusActive, JobStatusCompleted,
		JobStatusFailed, JobStatusPaused:
		return true
	default:
		return false
	}
}
