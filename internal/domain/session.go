package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

// Possible session status values
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusCompleted SessionStatus = "completed"
)

// Common validation errors for Session
var (
	ErrEmptySessionID       = errors.New("session ID cannot be empty")
	ErrInvalidSessionStatus = errors.New("invalid session status")
)

// Session is the caller-visible unit of continuity. It owns the tasks,
// queue jobs, and pooled resources created on its behalf, and carries
// its own expiry. UserID is nil for anonymous sessions.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      string         `json:"session_id"`
	UserID         *string        `json:"user_id,omitempty"`
	Status         SessionStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewSession creates an active Session with the given external ID.
// An empty sessionID gets a generated one.
func NewSession(sessionID string, userID *string, metadata map[string]any, expiresAt *time.Time) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.New(),
		SessionID:      sessionID,
		UserID:         userID,
		Status:         SessionStatusActive,
		Metadata:       metadata,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := session.Validate(); err != nil {
		return nil, err
	}

	return session, nil
}

// Validate checks if the Session has valid data.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return ErrEmptySessionID
	}

	if !isValidSessionStatus(s.Status) {
		return ErrInvalidSessionStatus
	}

	return nil
}

// IsExpired reports whether the session's expiry time has passed.
// A session with no expiry never expires by time.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Touch refreshes the last-accessed timestamp.
func (s *Session) Touch() {
	now := time.Now().UTC()
	s.LastAccessedAt = now
	s.UpdatedAt = now
}

// UpdateStatus sets the session status and updates the UpdatedAt
// timestamp. Returns an error if the new status is invalid.
func (s *Session) UpdateStatus(status SessionStatus) error {
	if !isValidSessionStatus(status) {
		return ErrInvalidSessionStatus
	}

	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// isValidSessionStatus checks if the given status is a valid SessionStatus.
func isValidSessionStatus(status SessionStatus) bool {
	switch status {
	case SessionStatusActive, SessionStatusExpired, SessionStatusCompleted:
		return true
	default:
		return false
	}
}
