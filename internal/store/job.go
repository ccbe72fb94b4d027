package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// QueueJobStore defines the interface for persisting queue jobs. The
// queue manager is the only component that writes through it.
type QueueJobStore interface {
	// Create persists a new queue job row.
	Create(ctx context.Context, job *domain.QueueJob) error

	// GetByJobID retrieves a job by its broker-assigned ID.
	// Returns ErrJobNotFound if absent.
	GetByJobID(ctx context.Context, jobID string) (*domain.QueueJob, error)

	// UpdateStatus sets the job's status and stamps the matching
	// timestamp (started/completed/failed). Result and error are
	// written when non-nil/non-empty.
	UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) error

	// ListBySession returns all jobs submitted for a session.
	ListBySession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error)

	// ListByStatus returns all jobs in the given status.
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.QueueJob, error)

	// Requeue rebinds a row to a freshly enqueued broker job and resets
	// it to WAITING with its started/error state cleared. Used by
	// startup recovery for rows left ACTIVE by a crashed worker.
	Requeue(ctx context.Context, id uuid.UUID, newJobID string) error

	// Delete removes a job row. Returns ErrJobNotFound if absent.
	Delete(ctx context.Context, jobID string) error

	// DeleteBySession removes every job row belonging to a session and
	// returns the number removed.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	// WithTx returns a QueueJobStore bound to the given transaction.
	WithTx(tx *sql.Tx) QueueJobStore
}
