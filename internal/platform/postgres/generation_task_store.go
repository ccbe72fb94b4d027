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

// PostgresGenerationTaskStore implements the store.GenerationTaskStore
// interface using a PostgreSQL database as the storage backend.
type PostgresGenerationTaskStore struct {
	db store.DBTX
}

// NewPostgresGenerationTaskStore creates a new PostgreSQL implementation
// of the GenerationTaskStore interface.
func NewPostgresGenerationTaskStore(db store.DBTX) *PostgresGenerationTaskStore {
	return &PostgresGenerationTaskStore{db: db}
}

// Ensure PostgresGenerationTaskStore implements store.GenerationTaskStore interface
var _ store.GenerationTaskStore = (*PostgresGenerationTaskStore)(nil)

// WithTx implements store.GenerationTaskStore.WithTx
func (s *PostgresGenerationTaskStore) WithTx(tx *sql.Tx) store.GenerationTaskStore {
	return NewPostgresGenerationTaskStore(tx)
}

const generationTaskColumns = `id, session_id, type, prompt, params, status,
	queue_job_id, result, error, completed_at, created_at, updated_at`

// Create implements store.GenerationTaskStore.Create
func (s *PostgresGenerationTaskStore) Create(ctx context.Context, task *domain.GenerationTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO generation_tasks (` + generationTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.SessionID,
		task.Type,
		task.Prompt,
		rawOrNil(task.Params),
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

// GetByID implements store.GenerationTaskStore.GetByID
func (s *PostgresGenerationTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	query := `SELECT ` + generationTaskColumns + ` FROM generation_tasks WHERE id = $1`

	task, err := scanGenerationTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	return task, nil
}

// Update implements store.GenerationTaskStore.Update
func (s *PostgresGenerationTaskStore) Update(ctx context.Context, task *domain.GenerationTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE generation_tasks
		SET type = $2, prompt = $3, params = $4, status = $5, result = $6,
		    error = $7, completed_at = $8, updated_at = $9
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		task.Prompt,
		rawOrNil(task.Params),
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

// ListBySession implements store.GenerationTaskStore.ListBySession
func (s *PostgresGenerationTaskStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.GenerationTask, error) {
	query := `SELECT ` + generationTaskColumns + ` FROM generation_tasks WHERE session_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.GenerationTask
	for rows.Next() {
		task, err := scanGenerationTask(rows)
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

// DeleteBySession implements store.GenerationTaskStore.DeleteBySession
func (s *PostgresGenerationTaskStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM generation_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}

func scanGenerationTask(row rowScanner) (*domain.GenerationTask, error) {
	var task domain.GenerationTask
	var params, result []byte

	err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.Type,
		&task.Prompt,
		&params,
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

	task.Params = json.RawMessage(params)
	task.Result = json.RawMessage(result)
	return &task, nil
}
