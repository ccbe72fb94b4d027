package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Default SessionConfig values applied when no config row exists.
const (
	DefaultBrowserEnabled     = false
	DefaultAIEnabled          = true
	DefaultQueueEnabled       = true
	DefaultMaxConcurrentTasks = 5
)

// ErrInvalidMaxConcurrentTasks is returned when the concurrency limit is
// not positive.
var ErrInvalidMaxConcurrentTasks = errors.New("max concurrent tasks must be positive")

// SessionConfig holds per-session feature gates and limits. Exactly one
// config exists per session; reads fall back to defaults when the row is
// absent.
type SessionConfig struct {
	ID                 uuid.UUID      `json:"id"`
	SessionID          string         `json:"session_id"`
	BrowserEnabled     bool           `json:"browser_enabled"`
	AIEnabled          bool           `json:"ai_enabled"`
	QueueEnabled       bool           `json:"queue_enabled"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	Settings           map[string]any `json:"settings,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// DefaultSessionConfig returns the config used for sessions that never
// set one explicitly: browser disabled, AI and queue enabled,
// concurrency 5.
func DefaultSessionConfig(sessionID string) *SessionConfig {
	now := time.Now().UTC()
	return &SessionConfig{
		ID:                 uuid.New(),
		SessionID:          sessionID,
		BrowserEnabled:     DefaultBrowserEnabled,
		AIEnabled:          DefaultAIEnabled,
		QueueEnabled:       DefaultQueueEnabled,
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks if the SessionConfig has valid data.
func (c *SessionConfig) Validate() error {
	if c.SessionID == "" {
		return ErrEmptySessionID
	}

	if c.MaxConcurrentTasks <= 0 {
		return ErrInvalidMaxConcurrentTasks
	}

	return nil
}
