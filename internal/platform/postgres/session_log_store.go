package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresSessionLogStore implements the store.SessionLogStore interface
// using a PostgreSQL database as the storage backend.
type PostgresSessionLogStore struct {
	db store.DBTX
}

// NewPostgresSessionLogStore creates a new PostgreSQL implementation of
// the SessionLogStore interface.
func NewPostgresSessionLogStore(db store.DBTX) *PostgresSessionLogStore {
	return &PostgresSessionLogStore{db: db}
}

// Ensure PostgresSessionLogStore implements store.SessionLogStore interface
var _ store.SessionLogStore = (*PostgresSessionLogStore)(nil)

// WithTx implements store.SessionLogStore.WithTx
func (s *PostgresSessionLogStore) WithTx(tx *sql.Tx) store.SessionLogStore {
	return NewPostgresSessionLogStore(tx)
}

// Append implements store.SessionLogStore.Append
func (s *PostgresSessionLogStore) Append(ctx context.Context, entry *domain.SessionLog) error {
	query := `
		INSERT INTO session_logs (id, session_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Event,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// ListBySession implements store.SessionLogStore.ListBySession
func (s *PostgresSessionLogStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.SessionLog, error) {
	query := `
		SELECT id, session_id, event, detail, created_at
		FROM session_logs
		WHERE session_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.SessionLog
	for rows.Next() {
		var entry domain.SessionLog
		err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Event,
			&entry.Detail,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, MapError(err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return entries, nil
}

// DeleteBySession implements store.SessionLogStore.DeleteBySession
func (s *PostgresSessionLogStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	query := `DELETE FROM session_logs WHERE session_id = $1`

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
