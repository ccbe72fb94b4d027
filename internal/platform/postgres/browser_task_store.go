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

// PostgresBrowserTaskStore implements the store.BrowserTaskStore
// interface using a PostgreSQL database as the storage backend.
type PostgresBrowserTaskStore struct {
	db store.DBTX
}

// NewPostgresBrowserTaskStore creates a new PostgreSQL implementation of
// the BrowserTaskStore interface.
func NewPostgresBrowserTaskStore(db store.DBTX) *PostgresBrowserTaskStore {
	return &PostgresBrowserTaskStore{db: db}
}

// Ensure PostgresBrowserTaskStore implements store.BrowserTaskStore interface
var _ store.BrowserTaskStore = (*PostgresBrowserTaskStore)(nil)

// WithTx implements store.BrowserTaskStore.WithTx
func (s *PostgresBrowserTaskStore) WithTx(tx *sql.Tx) store.BrowserTaskStore {
	return NewPostgresBrowserTaskStore(tx)
}

const browserTaskColumns = `id, session_id, action, context_id, url, selector,
	value, script, status, queue_job_id, result, error, completed_at,
	created_at, updated_at`

// Create implements store.BrowserTaskStore.Create
func (s *PostgresBrowserTaskStore) Create(ctx context.Context, task *domain.BrowserTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO browser_tasks (` + browserTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.SessionID,
		task.Action,
		task.ContextID,
		task.URL,
		task.Selector,
		task.Value,
		task.Script,
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

// GetByID implements store.BrowserTaskStore.GetByID
func (s *PostgresBrowserTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.BrowserTask, error) {
	query := `SELECT ` + browserTaskColumns + ` FROM browser_tasks WHERE id = $1`

	task, err := scanBrowserTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	return task, nil
}

// Update implements store.BrowserTaskStore.Update
func (s *PostgresBrowserTaskStore) Update(ctx context.Context, task *domain.BrowserTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE browser_tasks
		SET action = $2, context_id = $3, url = $4, selector = $5, value = $6,
		    script = $7, status = $8, result = $9, error = $10,
		    completed_at = $11, updated_at = $12
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Action,
		task.ContextID,
		task.URL,
		task.Selector,
		task.Value,
		task.Script,
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

// ListBySession implements store.BrowserTaskStore.ListBySession
func (s *PostgresBrowserTaskStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.BrowserTask, error) {
	query := `SELECT ` + browserTaskColumns + ` FROM browser_tasks WHERE session_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.BrowserTask
	for rows.Next() {
		task, err := scanBrowserTask(rows)
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

// DeleteBySession implements store.BrowserTaskStore.DeleteBySession
func (s *PostgresBrowserTaskStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM browser_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}

func scanBrowserTask(row rowScanner) (*domain.BrowserTask, error) {
	var task domain.BrowserTask
	var result []byte

	err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.Action,
		&task.ContextID,
		&task.URL,
		&task.Selector,
		&task.Value,
		&task.Script,
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
