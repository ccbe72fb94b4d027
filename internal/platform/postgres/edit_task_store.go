package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresEditTaskStore implements the store.EditTaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresEditTaskStore struct {
	db store.DBTX
}

// NewPostgresEditTaskStore creates a new PostgreSQL implementation of
// the EditTaskStore interface.
func NewPostgresEditTaskStore(db store.DBTX) *PostgresEditTaskStore {
	return &PostgresEditTaskStore{db: db}
}

// Ensure PostgresEditTaskStore implements store.EditTaskStore interface
var _ store.EditTaskStore = (*PostgresEditTaskStore)(nil)

// WithTx implements store.EditTaskStore.WithTx
func (s *PostgresEditTaskStore) WithTx(tx *sql.Tx) store.EditTaskStore {
	return NewPostgresEditTaskStore(tx)
}

const editTaskColumns = `id, session_id, operation, file_path, content,
	instruction, status, queue_job_id, result, error, completed_at,
	created_at, updated_at`

// Create implements store.EditTaskStore.Create
func (s *PostgresEditTaskStore) Create(ctx context.Context, task *domain.EditTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO edit_tasks (` + editTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.SessionID,
		task.Operation,
		task.FilePath,
		task.Content,
		task.Instruction,
		task.Status,
		task.QueueJobID,
		rawOrNil(task.Result),
		task.Error,
		task.CompletedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// GetByID implements store.EditTaskStore.GetByID
func (s *PostgresEditTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EditTask, error) {
	query := `SELECT ` + editTaskColumns + ` FROM edit_tasks WHERE id = $1`

	task, err := scanEditTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	return task, nil
}

// Update implements store.EditTaskStore.Update
func (s *PostgresEditTaskStore) Update(ctx context.Context, task *domain.EditTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE edit_tasks
		SET operation = $2, file_path = $3, content = $4, instruction = $5,
		    status = $6, result = $7, error = $8, completed_at = $9,
		    updated_at = $10
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Operation,
		task.FilePath,
		task.Content,
		task.Instruction,
		task.Status,
		rawOrNil(task.Result),
		task.Error,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, task.ID)
	}

	return nil
}

// ListBySession implements store.EditTaskStore.ListBySession
func (s *PostgresEditTaskStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.EditTask, error) {
	query := `SELECT ` + editTaskColumns + ` FROM edit_tasks WHERE session_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.EditTask
	for rows.Next() {
		task, err := scanEditTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return tasks, nil
}

// DeleteBySession implements store.EditTaskStore.DeleteBySession
func (s *PostgresEditTaskStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM edit_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}

func scanEditTask(row rowScanner) (*domain.EditTask, error) {
	var task domain.EditTask
	var result []byte

	err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.Operation,
		&task.FilePath,
		&task.Content,
		&task.Instruction,
		&task.Status,
		&task.QueueJobID,
		&result,
		&task.Error,
		&task.CompletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Result = json.RawMessage(result)
	return &task, nil
}
