package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresSessionConfigStore implements the store.SessionConfigStore
// interface using a PostgreSQL database as the storage backend.
type PostgresSessionConfigStore struct {
	db store.DBTX
}

// NewPostgresSessionConfigStore creates a new PostgreSQL implementation
// of the SessionConfigStore interface.
func NewPostgresSessionConfigStore(db store.DBTX) *PostgresSessionConfigStore {
	return &PostgresSessionConfigStore{db: db}
}

// Ensure PostgresSessionConfigStore implements store.SessionConfigStore interface
var _ store.SessionConfigStore = (*PostgresSessionConfigStore)(nil)

// WithTx implements store.SessionConfigStore.WithTx
func (s *PostgresSessionConfigStore) WithTx(tx *sql.Tx) store.SessionConfigStore {
	return NewPostgresSessionConfigStore(tx)
}

// Get implements store.SessionConfigStore.Get
func (s *PostgresSessionConfigStore) Get(ctx context.Context, sessionID string) (*domain.SessionConfig, error) {
	query := `
		SELECT id, session_id, browser_enabled, ai_enabled, queue_enabled,
		       max_concurrent_tasks, settings, created_at, updated_at
		FROM session_configs
		WHERE session_id = $1`

	var cfg domain.SessionConfig
	var settings []byte

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cfg.ID,
		&cfg.SessionID,
		&cfg.BrowserEnabled,
		&cfg.AIEnabled,
		&cfg.QueueEnabled,
		&cfg.MaxConcurrentTasks,
		&settings,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrConfigNotFound, sessionID)
		}
		return nil, MapError(err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config settings: %w", err)
		}
	}

	return &cfg, nil
}

// Upsert implements store.SessionConfigStore.Upsert
func (s *PostgresSessionConfigStore) Upsert(ctx context.Context, cfg *domain.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	settings, err := marshalJSONMap(cfg.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config settings: %w", err)
	}

	query := `
		INSERT INTO session_configs
			(id, session_id, browser_enabled, ai_enabled, queue_enabled,
			 max_concurrent_tasks, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			browser_enabled = EXCLUDED.browser_enabled,
			ai_enabled = EXCLUDED.ai_enabled,
			queue_enabled = EXCLUDED.queue_enabled,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.SessionID,
		cfg.BrowserEnabled,
		cfg.AIEnabled,
		cfg.QueueEnabled,
		cfg.MaxConcurrentTasks,
		settings,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// DeleteBySession implements store.SessionConfigStore.DeleteBySession
func (s *PostgresSessionConfigStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	query := `DELETE FROM session_configs WHERE session_id = $1`

	result, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}
