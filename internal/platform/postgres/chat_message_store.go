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

// PostgresChatMessageStore implements the store.ChatMessageStore
// interface using a PostgreSQL database as the storage backend.
type PostgresChatMessageStore struct {
	db store.DBTX
}

// NewPostgresChatMessageStore creates a new PostgreSQL implementation of
// the ChatMessageStore interface.
func NewPostgresChatMessageStore(db store.DBTX) *PostgresChatMessageStore {
	return &PostgresChatMessageStore{db: db}
}

// Ensure PostgresChatMessageStore implements store.ChatMessageStore interface
var _ store.ChatMessageStore = (*PostgresChatMessageStore)(nil)

// WithTx implements store.ChatMessageStore.WithTx
func (s *PostgresChatMessageStore) WithTx(tx *sql.Tx) store.ChatMessageStore {
	return NewPostgresChatMessageStore(tx)
}

const chatMessageColumns = `id, session_id, role, content, status, queue_job_id,
	result, error, completed_at, created_at, updated_at`

// Create implements store.ChatMessageStore.Create
func (s *PostgresChatMessageStore) Create(ctx context.Context, msg *domain.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO chat_messages (` + chatMessageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msg.Status,
		msg.QueueJobID,
		rawOrNil(msg.Result),
		msg.Error,
		msg.CompletedAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	return nil
}

// GetByID implements store.ChatMessageStore.GetByID
func (s *PostgresChatMessageStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error) {
	query := `SELECT ` + chatMessageColumns + ` FROM chat_messages WHERE id = $1`

	msg, err := scanChatMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	return msg, nil
}

// Update implements store.ChatMessageStore.Update
func (s *PostgresChatMessageStore) Update(ctx context.Context, msg *domain.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE chat_messages
		SET role = $2, content = $3, status = $4, result = $5, error = $6,
		    completed_at = $7, updated_at = $8
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Role,
		msg.Content,
		msg.Status,
		rawOrNil(msg.Result),
		msg.Error,
		msg.CompletedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, msg.ID)
	}

	return nil
}

// ListRecent implements store.ChatMessageStore.ListRecent. The query
// selects the newest rows, then the slice is reversed so callers
// receive the conversation oldest first.
func (s *PostgresChatMessageStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT ` + chatMessageColumns + `
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		msg, err := scanChatMessage(rows)
		if err != nil {
			return nil, MapError(err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// DeleteBySession implements store.ChatMessageStore.DeleteBySession
func (s *PostgresChatMessageStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows, nil
}

func scanChatMessage(row rowScanner) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var result []byte

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Role,
		&msg.Content,
		&msg.Status,
		&msg.QueueJobID,
		&result,
		&msg.Error,
		&msg.CompletedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Result = json.RawMessage(result)
	return &msg, nil
}
