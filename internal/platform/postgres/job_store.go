package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresQueueJobStore implements the store.QueueJobStore interface
// using a PostgreSQL database as the storage backend.
type PostgresQueueJobStore struct {
	db store.DBTX
}

// NewPostgresQueueJobStore creates a new PostgreSQL implementation of
// the QueueJobStore interface.
func NewPostgresQueueJobStore(db store.DBTX) *PostgresQueueJobStore {
	return &PostgresQueueJobStore{db: db}
}

// Ensure PostgresQueueJobStore implements store.QueueJobStore interface
var _ store.QueueJobStore = (*PostgresQueueJobStore)(nil)

// WithTx implements store.QueueJobStore.WithTx
func (s *PostgresQueueJobStore) WithTx(tx *sql.Tx) store.QueueJobStore {
	return NewPostgresQueueJobStore(tx)
}

const queueJobColumns = `id, job_id, queue_name, job_type, payload, status,
	priority, max_attempts, delay_ms, session_id, result, error,
	created_at, updated_at, started_at, completed_at, failed_at`

// Create implements store.QueueJobStore.Create
func (s *PostgresQueueJobStore) Create(ctx context.Context, job *domain.QueueJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO queue_jobs (` + queueJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.JobID,
		job.QueueName,
		job.JobType,
		rawOrNil(job.Payload),
		job.Status,
		job.Priority,
		job.MaxAttempts,
		job.Delay.Milliseconds(),
		job.SessionID,
		rawOrNil(job.Result),
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.FailedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// GetByJobID implements store.QueueJobStore.GetByJobID
func (s *PostgresQueueJobStore) GetByJobID(ctx context.Context, jobID string) (*domain.QueueJob, error) {
	query := `SELECT ` + queueJobColumns + ` FROM queue_jobs WHERE job_id = $1`

	job, err := scanQueueJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}
		return nil, MapError(err)
	}

	return job, nil
}

// UpdateStatus implements store.QueueJobStore.UpdateStatus. It stamps
// the timestamp matching the target status: started_at for active,
// completed_at for completed, failed_at for failed.
func (s *PostgresQueueJobStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC()

	query := `
		UPDATE queue_jobs
		SET status = $2,
		    result = COALESCE($3, result),
		    error = CASE WHEN $4 != '' THEN $4 ELSE error END,
		    updated_at = $5,
		    started_at = CASE WHEN $2 = 'active' THEN $5 ELSE started_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN $5 ELSE completed_at END,
		    failed_at = CASE WHEN $2 = 'failed' THEN $5 ELSE failed_at END
		WHERE job_id = $1`

	res, err := s.db.ExecContext(ctx, query, jobID, status, rawOrNil(result), errMsg, now)
	if err != nil {
		return MapError(err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}

	return nil
}

// Requeue implements store.QueueJobStore.Requeue. The row keeps its
// payload, result, and timestamps of past attempts; only the broker
// binding and the live status are reset.
func (s *PostgresQueueJobStore) Requeue(ctx context.Context, id uuid.UUID, newJobID string) error {
	now := time.Now().UTC()

	query := `
		UPDATE queue_jobs
		SET job_id = $2,
		    status = $3,
		    error = '',
		    started_at = NULL,
		    updated_at = $4
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, newJobID, domain.JobStatusWaiting, now)
	if err != nil {
		return MapError(err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}

	return nil
}

// ListBySession implements store.QueueJobStore.ListBySession
func (s *PostgresQueueJobStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error) {
	query := `SELECT ` + queueJobColumns + ` FROM queue_jobs WHERE session_id = $1 ORDER BY created_at`
	return s.list(ctx, query, sessionID)
}

// ListByStatus implements store.QueueJobStore.ListByStatus
func (s *PostgresQueueJobStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.QueueJob, error) {
	query := `SELECT ` + queueJobColumns + ` FROM queue_jobs WHERE status = $1 ORDER BY created_at`
	return s.list(ctx, query, status)
}

func (s *PostgresQueueJobStore) list(ctx context.Context, query string, arg any) ([]*domain.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.QueueJob
	for rows.Next() {
		job, err := scanQueueJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return jobs, nil
}

// Delete implements store.QueueJobStore.Delete
func (s *PostgresQueueJobStore) Delete(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}

	return nil
}

// DeleteBySession implements store.QueueJobStore.DeleteBySession
func (s *PostgresQueueJobStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}

func scanQueueJob(row rowScanner) (*domain.QueueJob, error) {
	var job domain.QueueJob
	var payload, result []byte
	var delayMs int64

	err := row.Scan(
		&job.ID,
		&job.JobID,
		&job.QueueName,
		&job.JobType,
		&payload,
		&job.Status,
		&job.Priority,
		&job.MaxAttempts,
		&delayMs,
		&job.SessionID,
		&result,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	job.Delay = time.Duration(delayMs) * time.Millisecond

	return &job, nil
}

// rawOrNil stores an empty json.RawMessage as SQL NULL.
func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
