// Package session implements the session lifecycle: creation, lazy
// expiry, config resolution, and cascading cleanup of everything a
// session accumulated across the stores, the broker, and the runtime
// pools.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/processor"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// Ensure Manager satisfies the processor's session dependency.
var _ processor.SessionGate = (*Manager)(nil)

// JobRegistry is the slice of the queue manager cleanup needs: finding
// a session's jobs and removing them from the broker.
type JobRegistry interface {
	JobsForSession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error)
	Remove(ctx context.Context, jobID string) error
}

// BrowserCleaner releases a session's pooled browser contexts.
type BrowserCleaner interface {
	CleanupSessionContexts(ctx context.Context, sessionID string) int
}

// SandboxCleaner stops and removes a session's sandbox containers.
type SandboxCleaner interface {
	CleanupSessionContainers(ctx context.Context, sessionID string) int
}

// Stores bundles the persistence interfaces the manager writes through.
type Stores struct {
	Sessions   store.SessionStore
	Configs    store.SessionConfigStore
	Logs       store.SessionLogStore
	Jobs       store.QueueJobStore
	Chat       store.ChatMessageStore
	Generation store.GenerationTaskStore
	Browser    store.BrowserTaskStore
	Edit       store.EditTaskStore
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	// SessionID is the external identifier. Empty means generated.
	SessionID string

	// UserID is nil for anonymous sessions.
	UserID *string

	Metadata map[string]any

	// ExpiresAt is nil for sessions without a TTL.
	ExpiresAt *time.Time
}

// Manager owns session rows and drives the cascading cleanup. Queue,
// browser, and sandbox teardown are best-effort: the store transaction
// is the source of truth, runtime resources are swept up after it.
type Manager struct {
	db        *sql.DB
	stores    Stores
	registry  JobRegistry
	browsers  BrowserCleaner
	sandboxes SandboxCleaner
	logger    *slog.Logger
}

// NewManager creates a session manager. A nil db runs cleanup without
// a transaction, which in-memory store tests rely on. registry,
// browsers, and sandboxes may be nil when the corresponding subsystem
// is not wired.
func NewManager(db *sql.DB, stores Stores, registry JobRegistry, browsers BrowserCleaner, sandboxes SandboxCleaner, logger *slog.Logger) *Manager {
	return &Manager{
		db:        db,
		stores:    stores,
		registry:  registry,
		browsers:  browsers,
		sandboxes: sandboxes,
		logger:    logger.With("component", "session_manager"),
	}
}

// Create persists a new active session and records the creation event.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*domain.Session, error) {
	session, err := domain.NewSession(params.SessionID, params.UserID, params.Metadata, params.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := m.stores.Sessions.Create(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: session %s already exists", domain.ErrValidation, session.SessionID)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.appendLog(ctx, session.SessionID, domain.SessionEventCreated, "")
	m.logger.Info("session created",
		"session_id", session.SessionID,
		"expires_at", session.ExpiresAt)
	return session, nil
}

// Get returns the session and refreshes its last-accessed time. A
// session past its expiry is flipped to EXPIRED on the spot and
// domain.ErrExpired is returned; its resources are reclaimed by the
// next sweep.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionStatusExpired {
		return nil, fmt.Errorf("%w: %s", domain.ErrExpired, sessionID)
	}

	if session.IsExpired(time.Now().UTC()) {
		if err := m.markExpired(ctx, session); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrExpired, sessionID)
	}

	session.Touch()
	if err := m.stores.Sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return session, nil
}

// Update persists caller-mutated session fields.
func (m *Manager) Update(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := m.stores.Sessions.Update(ctx, session); err != nil {
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, session.SessionID)
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Complete marks the session finished and releases its runtime
// resources. Stored history survives until Delete or expiry cleanup.
func (m *Manager) Complete(ctx context.Context, sessionID string) error {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := session.UpdateStatus(domain.SessionStatusCompleted); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := m.stores.Sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	m.appendLog(ctx, sessionID, domain.SessionEventCompleted, "")
	m.releaseResources(ctx, sessionID)
	m.logger.Info("session completed", "session_id", sessionID)
	return nil
}

// Delete removes the session and everything it owns.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if _, err := m.load(ctx, sessionID); err != nil {
		return err
	}

	if err := m.Cleanup(ctx, sessionID); err != nil {
		return err
	}

	if err := m.stores.Sessions.Delete(ctx, sessionID); err != nil && !store.IsNotFoundError(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.appendLog(ctx, sessionID, domain.SessionEventDeleted, "")
	m.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// Cleanup removes the session's dependent records in one transaction,
// then tears down its runtime resources. The session row itself is
// untouched. The broker jobs to cancel are captured before the
// transaction deletes the rows that name them.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	var jobs []*domain.QueueJob
	if m.registry != nil {
		var err error
		jobs, err = m.registry.JobsForSession(ctx, sessionID)
		if err != nil {
			m.logger.Warn("failed to list session jobs for cleanup",
				"session_id", sessionID, "error", err)
		}
	}

	if err := m.runTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		deleters := []store.SessionScopedDeleter{
			m.stores.Configs.WithTx(tx),
			m.stores.Logs.WithTx(tx),
			m.stores.Jobs.WithTx(tx),
			m.stores.Chat.WithTx(tx),
			m.stores.Generation.WithTx(tx),
			m.stores.Browser.WithTx(tx),
			m.stores.Edit.WithTx(tx),
		}
		for _, d := range deleters {
			if _, err := d.DeleteBySession(ctx, sessionID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to clean up session records: %w", err)
	}

	m.cancelJobs(ctx, sessionID, jobs)
	m.releaseResources(ctx, sessionID)
	return nil
}

// SweepExpired expires and cleans up every session past its expiry.
// Failures on individual sessions are logged and skipped so one bad
// session cannot wedge the sweep. Returns the number expired.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.stores.Sessions.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	swept := 0
	for _, session := range expired {
		if err := m.markExpired(ctx, session); err != nil {
			m.logger.Warn("failed to expire session",
				"session_id", session.SessionID, "error", err)
			continue
		}
		if err := m.Cleanup(ctx, session.SessionID); err != nil {
			m.logger.Warn("failed to clean up expired session",
				"session_id", session.SessionID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Info("expired sessions swept", "count", swept)
	}
	return swept, nil
}

// GetConfig returns the session's config, falling back to defaults
// when none was stored. Returns domain.ErrExpired for expired sessions.
func (m *Manager) GetConfig(ctx context.Context, sessionID string) (*domain.SessionConfig, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusExpired || session.IsExpired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrExpired, sessionID)
	}

	cfg, err := m.stores.Configs.Get(ctx, sessionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return domain.DefaultSessionConfig(sessionID), nil
		}
		return nil, fmt.Errorf("failed to load session config: %w", err)
	}
	return cfg, nil
}

// SetConfig stores the session's config, replacing any previous one.
func (m *Manager) SetConfig(ctx context.Context, cfg *domain.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if _, err := m.load(ctx, cfg.SessionID); err != nil {
		return err
	}
	if err := m.stores.Configs.Upsert(ctx, cfg); err != nil {
		return fmt.Errorf("failed to store session config: %w", err)
	}
	return nil
}

// ConfigForSession implements processor.SessionGate.
func (m *Manager) ConfigForSession(ctx context.Context, sessionID string) (*domain.SessionConfig, error) {
	return m.GetConfig(ctx, sessionID)
}

// TouchSession implements processor.SessionGate, refreshing the
// session's last-accessed time.
func (m *Manager) TouchSession(ctx context.Context, sessionID string) error {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Touch()
	if err := m.stores.Sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := m.stores.Sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func (m *Manager) markExpired(ctx context.Context, session *domain.Session) error {
	if err := session.UpdateStatus(domain.SessionStatusExpired); err != nil {
		return err
	}
	if err := m.stores.Sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to mark session expired: %w", err)
	}
	m.appendLog(ctx, session.SessionID, domain.SessionEventExpired, "")
	m.logger.Info("session expired", "session_id", session.SessionID)
	return nil
}

// cancelJobs removes the session's jobs from the broker. Already-gone
// jobs are fine; anything else is logged and skipped.
func (m *Manager) cancelJobs(ctx context.Context, sessionID string, jobs []*domain.QueueJob) {
	if m.registry == nil {
		return
	}
	for _, job := range jobs {
		if err := m.registry.Remove(ctx, job.JobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("failed to cancel session job",
				"session_id", sessionID, "job_id", job.JobID, "error", err)
		}
	}
}

// releaseResources tears down pooled browser contexts and sandbox
// containers. Best-effort: the pools log their own failures.
func (m *Manager) releaseResources(ctx context.Context, sessionID string) {
	if m.browsers != nil {
		if n := m.browsers.CleanupSessionContexts(ctx, sessionID); n > 0 {
			m.logger.Info("browser contexts released", "session_id", sessionID, "count", n)
		}
	}
	if m.sandboxes != nil {
		if n := m.sandboxes.CleanupSessionContainers(ctx, sessionID); n > 0 {
			m.logger.Info("sandbox containers removed", "session_id", sessionID, "count", n)
		}
	}
}

func (m *Manager) runTx(ctx context.Context, fn store.TxFn) error {
	if m.db == nil {
		return fn(ctx, nil)
	}
	return store.RunInTransaction(ctx, m.db, fn)
}

func (m *Manager) appendLog(ctx context.Context, sessionID string, event domain.SessionEvent, detail string) {
	entry := domain.NewSessionLog(sessionID, event, detail)
	if err := m.stores.Logs.Append(ctx, entry); err != nil {
		m.logger.Warn("failed to append session log",
			"session_id", sessionID, "event", event, "error", err)
	}
}
