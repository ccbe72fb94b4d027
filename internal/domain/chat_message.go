package domain

import (
	"errors"

	"github.com/google/uuid"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

// Possible chat roles
const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// Common validation errors for ChatMessage
var (
	ErrEmptyChatContent = errors.New("chat message content cannot be empty")
	ErrInvalidChatRole  = errors.New("invalid chat role")
)

// ChatMessage is one turn of a session's conversation. User turns are
// created at submission time; assistant turns are produced by the chat
// processor.
type ChatMessage struct {
	TaskRecord
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// NewChatMessage creates a pending chat message for the given session.
func NewChatMessage(sessionID string, role ChatRole, content string, queueJobID *uuid.UUID) (*ChatMessage, error) {
	msg := &ChatMessage{
		TaskRecord: newTaskRecord(sessionID, TaskStatusPending, queueJobID),
		Role:       role,
		Content:    content,
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the ChatMessage has valid data.
func (m *ChatMessage) Validate() error {
	if err := m.validate(); err != nil {
		return err
	}

	if m.Content == "" {
		return ErrEmptyChatContent
	}

	if !isValidChatRole(m.Role) {
		return ErrInvalidChatRole
	}

	return nil
}

// isValidChatRole checks if the given role is a valid ChatRole.
func isValidChatRole(role ChatRole) bool {
	switch role {
	case ChatRoleUser, ChatRoleAssistant, ChatRoleSystem:
		return true
	default:
		return false
	}
}
