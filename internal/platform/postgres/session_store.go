package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// PostgresSessionStore implements the store.SessionStore interface
// using a PostgreSQL database as the storage backend.
type PostgresSessionStore struct {
	db store.DBTX
}

// NewPostgresSessionStore creates a new PostgreSQL implementation of the
// SessionStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
func NewPostgresSessionStore(db store.DBTX) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// Ensure PostgresSessionStore implements store.SessionStore interface
var _ store.SessionStore = (*PostgresSessionStore)(nil)

// WithTx implements store.SessionStore.WithTx
func (s *PostgresSessionStore) WithTx(tx *sql.Tx) store.SessionStore {
	return NewPostgresSessionStore(tx)
}

// Create implements store.SessionStore.Create
func (s *PostgresSessionStore) Create(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	metadata, err := marshalJSONMap(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	query := `
		INSERT INTO sessions
			(id, session_id, user_id, status, metadata, expires_at,
			 last_accessed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.SessionID,
		session.UserID,
		session.Status,
		metadata,
		session.ExpiresAt,
		session.LastAccessedAt,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// GetBySessionID implements store.SessionStore.GetBySessionID
func (s *PostgresSessionStore) GetBySessionID(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, session_id, user_id, status, metadata, expires_at,
		       last_accessed_at, created_at, updated_at
		FROM sessions
		WHERE session_id = $1`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
		}
		return nil, MapError(err)
	}

	return session, nil
}

// Update implements store.SessionStore.Update
func (s *PostgresSessionStore) Update(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	metadata, err := marshalJSONMap(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	query := `
		UPDATE sessions
		SET user_id = $2, status = $3, metadata = $4, expires_at = $5,
		    last_accessed_at = $6, updated_at = $7
		WHERE session_id = $1`

	result, err := s.db.ExecContext(ctx, query,
		session.SessionID,
		session.UserID,
		session.Status,
		metadata,
		session.ExpiresAt,
		session.LastAccessedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, session.SessionID)
	}

	return nil
}

// Delete implements store.SessionStore.Delete
func (s *PostgresSessionStore) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM sessions WHERE session_id = $1`

	result, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}

	return nil
}

// ListExpired implements store.SessionStore.ListExpired
func (s *PostgresSessionStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	query := `
		SELECT id, session_id, user_id, status, metadata, expires_at,
		       last_accessed_at, created_at, updated_at
		FROM sessions
		WHERE expires_at IS NOT NULL
		  AND expires_at < $1
		  AND status != $2
		ORDER BY expires_at`

	rows, err := s.db.QueryContext(ctx, query, now, domain.SessionStatusExpired)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return sessions, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var metadata []byte

	err := row.Scan(
		&session.ID,
		&session.SessionID,
		&session.UserID,
		&session.Status,
		&metadata,
		&session.ExpiresAt,
		&session.LastAccessedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}

	return &session, nil
}

// marshalJSONMap serializes a metadata map for a JSONB column. Nil maps
// store as SQL NULL rather than the JSON literal "null".
func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
