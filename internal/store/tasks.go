package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// ChatMessageStore persists chat messages.
type ChatMessageStore interface {
	Create(ctx context.Context, msg *domain.ChatMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error)
	Update(ctx context.Context, msg *domain.ChatMessage) error

	// ListRecent returns up to limit of the session's most recent
	// messages, oldest first, for use as conversation context.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	WithTx(tx *sql.Tx) ChatMessageStore
}

// GenerationTaskStore persists generation tasks.
type GenerationTaskStore interface {
	Create(ctx context.Context, task *domain.GenerationTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
	Update(ctx context.Context, task *domain.GenerationTask) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.GenerationTask, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	WithTx(tx *sql.Tx) GenerationTaskStore
}

// BrowserTaskStore persists browser tasks.
type BrowserTaskStore interface {
	Create(ctx context.Context, task *domain.BrowserTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.BrowserTask, error)
	Update(ctx context.Context, task *domain.BrowserTask) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.BrowserTask, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	WithTx(tx *sql.Tx) BrowserTaskStore
}

// EditTaskStore persists edit tasks.
type EditTaskStore interface {
	Create(ctx context.Context, task *domain.EditTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.EditTask, error)
	Update(ctx context.Context, task *domain.EditTask) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.EditTask, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	WithTx(tx *sql.Tx) EditTaskStore
}

// SessionScopedDeleter removes every row belonging to a session. All
// task stores and the config, job, and log stores implement it; the
// session manager's cleanup transaction iterates over them.
type SessionScopedDeleter interface {
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
}
