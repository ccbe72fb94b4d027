package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the processing state shared by all task record
// types (chat messages, generation, browser, and edit tasks).
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ErrInvalidTaskStatus is returned when a task status is not valid.
var ErrInvalidTaskStatus = errors.New("invalid task status")

// TaskRecord is the shape shared by every domain task row. The
// QueueJobID back-reference is weak: a task never owns its queue job,
// it only remembers which job produced it.
type TaskRecord struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   string          `json:"session_id"`
	Status      TaskStatus      `json:"status"`
	QueueJobID  *uuid.UUID      `json:"queue_job_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// newTaskRecord returns a record in the given initial status, linked to
// the queue job that is producing it.
func newTaskRecord(sessionID string, status TaskStatus, queueJobID *uuid.UUID) TaskRecord {
	now := time.Now().UTC()
	return TaskRecord{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Status:     status,
		QueueJobID: queueJobID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// validate checks the shared task fields.
func (t *TaskRecord) validate() error {
	if t.SessionID == "" {
		return ErrEmptySessionID
	}

	if !IsValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	return nil
}

// Complete records a successful result and stamps the completion time.
func (t *TaskRecord) Complete(result json.RawMessage) {
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Fail records a failure message. Any result already durably written is
// left in place.
func (t *TaskRecord) Fail(errMsg string) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.Error = errMsg
	t.UpdatedAt = now
}

// IsValidTaskStatus checks if the given status is a valid TaskStatus.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
