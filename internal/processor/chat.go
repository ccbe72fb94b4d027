package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/llm"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// DefaultChatContextWindow is how many recent messages feed each
// completion.
const DefaultChatContextWindow = 10

// chatPayload is the job payload for chat_processing jobs.
type chatPayload struct {
	TaskID  *uuid.UUID `json:"taskId,omitempty"`
	Message string     `json:"message"`
}

// ChatAction processes chat_processing jobs: it records the user turn,
// feeds the session's recent conversation to the model, and persists
// the assistant's reply as a second message.
type ChatAction struct {
	messages      store.ChatMessageStore
	client        llm.Client
	contextWindow int
}

// NewChatAction builds the chat processor. contextWindow of zero means
// DefaultChatContextWindow.
func NewChatAction(messages store.ChatMessageStore, client llm.Client, contextWindow int) *ChatAction {
	if contextWindow <= 0 {
		contextWindow = DefaultChatContextWindow
	}
	return &ChatAction{messages: messages, client: client, contextWindow: contextWindow}
}

// JobTypes implements Action.
func (a *ChatAction) JobTypes() []domain.JobType {
	return []domain.JobType{domain.JobTypeChatProcessing}
}

// chatTask adapts a ChatMessage to the Task interface.
type chatTask struct {
	msg   *domain.ChatMessage
	store store.ChatMessageStore
	fresh bool
}

func (t *chatTask) Record() *domain.TaskRecord { return &t.msg.TaskRecord }

func (t *chatTask) Save(ctx context.Context) error {
	if t.fresh {
		t.fresh = false
		return t.store.Create(ctx, t.msg)
	}
	return t.store.Update(ctx, t.msg)
}

// Resolve implements Action. With a task ID in the payload the existing
// user message is resumed; otherwise a new user message is created.
func (a *ChatAction) Resolve(ctx context.Context, job *domain.QueueJob) (Task, error) {
	var payload chatPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed chat payload: %v", domain.ErrValidation, err)
	}

	if payload.TaskID != nil {
		msg, err := a.messages.GetByID(ctx, *payload.TaskID)
		if err != nil {
			if store.IsNotFoundError(err) {
				return nil, fmt.Errorf("%w: chat message %s", domain.ErrNotFound, payload.TaskID)
			}
			return nil, fmt.Errorf("failed to load chat message: %w", err)
		}
		return &chatTask{msg: msg, store: a.messages}, nil
	}

	if job.SessionID == nil {
		return nil, fmt.Errorf("%w: chat job requires a session", domain.ErrValidation)
	}

	msg, err := domain.NewChatMessage(*job.SessionID, domain.ChatRoleUser, payload.Message, &job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &chatTask{msg: msg, store: a.messages, fresh: true}, nil
}

// Perform implements Action: recent conversation in, assistant turn
// out. The assistant message is persisted before the result is
// returned so a crash after the model call never loses the reply.
func (a *ChatAction) Perform(ctx context.Context, job *domain.QueueJob, task Task) (json.RawMessage, error) {
	ct := task.(*chatTask)
	sessionID := ct.msg.SessionID

	recent, err := a.messages.ListRecent(ctx, sessionID, a.contextWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}

	conversation := make([]llm.Message, 0, len(recent)+1)
	for _, m := range recent {
		conversation = append(conversation, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	// The user turn being processed may not be in the stored window yet.
	if len(recent) == 0 || recent[len(recent)-1].ID != ct.msg.ID {
		conversation = append(conversation, llm.Message{Role: string(domain.ChatRoleUser), Content: ct.msg.Content})
	}

	reply, err := a.client.ChatCompletion(ctx, conversation, llm.Options{})
	if err != nil {
		return nil, err
	}

	assistant, err := domain.NewChatMessage(sessionID, domain.ChatRoleAssistant, reply, &job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	assistant.Complete(nil)
	if err := a.messages.Create(ctx, assistant); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	result, err := json.Marshal(map[string]any{
		"response":           reply,
		"assistantMessageId": assistant.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat result: %w", err)
	}
	return result, nil
}
