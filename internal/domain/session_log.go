package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionEvent identifies a lifecycle event recorded in the session log.
type SessionEvent string

// Possible session log events
const (
	SessionEventCreated   SessionEvent = "created"
	SessionEventExpired   SessionEvent = "expired"
	SessionEventCompleted SessionEvent = "completed"
	SessionEventDeleted   SessionEvent = "deleted"
)

// SessionLog is an append-only audit entry for a session lifecycle
// event. Log rows are removed with the rest of the session's records
// during cleanup.
type SessionLog struct {
	ID        uuid.UUID    `json:"id"`
	SessionID string       `json:"session_id"`
	Event     SessionEvent `json:"event"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewSessionLog creates a log entry for the given session event.
func NewSessionLog(sessionID string, event SessionEvent, detail string) *SessionLog {
	return &SessionLog{
		ID:        uuid.New(),
		SessionID: sessionID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}
