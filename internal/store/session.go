package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// SessionStore defines the interface for persisting sessions.
type SessionStore interface {
	// Create persists a new session.
	Create(ctx context.Context, session *domain.Session) error

	// GetBySessionID retrieves a session by its external ID.
	// Returns ErrSessionNotFound if absent.
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Session, error)

	// Update persists mutated session fields (status, metadata, expiry,
	// last-accessed).
	Update(ctx context.Context, session *domain.Session) error

	// Delete removes the session row itself. Dependent rows are removed
	// separately by the cleanup transaction.
	Delete(ctx context.Context, sessionID string) error

	// ListExpired returns sessions whose expiry has passed but whose
	// stored status is not yet expired.
	ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error)

	// WithTx returns a SessionStore bound to the given transaction.
	WithTx(tx *sql.Tx) SessionStore
}

// SessionConfigStore persists per-session configuration.
type SessionConfigStore interface {
	// Get retrieves the config for a session. Returns ErrConfigNotFound
	// when the session never stored one; callers apply defaults.
	Get(ctx context.Context, sessionID string) (*domain.SessionConfig, error)

	// Upsert creates or replaces the session's config.
	Upsert(ctx context.Context, cfg *domain.SessionConfig) error

	// DeleteBySession removes the session's config row, if any, and
	// returns the number removed. A recreated session starts from the
	// defaults again.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	// WithTx returns a SessionConfigStore bound to the given transaction.
	WithTx(tx *sql.Tx) SessionConfigStore
}

// SessionLogStore persists session lifecycle log entries.
type SessionLogStore interface {
	// Append writes one log entry.
	Append(ctx context.Context, entry *domain.SessionLog) error

	// ListBySession returns a session's log entries, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]*domain.SessionLog, error)

	// DeleteBySession removes a session's log entries and returns the
	// number removed.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	// WithTx returns a SessionLogStore bound to the given transaction.
	WithTx(tx *sql.Tx) SessionLogStore
}
