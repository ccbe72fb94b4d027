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

// editPayload is the job payload for file_editing jobs.
type editPayload struct {
	TaskID      *uuid.UUID           `json:"taskId,omitempty"`
	Operation   domain.EditOperation `json:"operation"`
	FilePath    string               `json:"filePath"`
	Content     string               `json:"content,omitempty"`
	Instruction string               `json:"instruction,omitempty"`
}

// EditAction processes file_editing jobs via the language-model client.
// Refactor and format use the language tag inferred from the file
// extension.
type EditAction struct {
	tasks  store.EditTaskStore
	client llm.Client
}

// NewEditAction builds the edit processor.
func NewEditAction(tasks store.EditTaskStore, client llm.Client) *EditAction {
	return &EditAction{tasks: tasks, client: client}
}

// JobTypes implements Action.
func (a *EditAction) JobTypes() []domain.JobType {
	return []domain.JobType{domain.JobTypeFileEditing}
}

type editTask struct {
	task  *domain.EditTask
	store store.EditTaskStore
	fresh bool
}

func (t *editTask) Record() *domain.TaskRecord { return &t.task.TaskRecord }

func (t *editTask) Save(ctx context.Context) error {
	if t.fresh {
		t.fresh = false
		return t.store.Create(ctx, t.task)
	}
	return t.store.Update(ctx, t.task)
}

// Resolve implements Action.
func (a *EditAction) Resolve(ctx context.Context, job *domain.QueueJob) (Task, error) {
	var payload editPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed edit payload: %v", domain.ErrValidation, err)
	}

	if payload.TaskID != nil {
		task, err := a.tasks.GetByID(ctx, *payload.TaskID)
		if err != nil {
			if store.IsNotFoundError(err) {
				return nil, fmt.Errorf("%w: edit task %s", domain.ErrNotFound, payload.TaskID)
			}
			return nil, fmt.Errorf("failed to load edit task: %w", err)
		}
		return &editTask{task: task, store: a.tasks}, nil
	}

	if job.SessionID == nil {
		return nil, fmt.Errorf("%w: edit job requires a session", domain.ErrValidation)
	}

	task, err := domain.NewEditTask(*job.SessionID, payload.Operation, payload.FilePath, &job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	task.Content = payload.Content
	task.Instruction = payload.Instruction
	return &editTask{task: task, store: a.tasks, fresh: true}, nil
}

// Perform implements Action, dispatching on the edit operation.
func (a *EditAction) Perform(ctx context.Context, job *domain.QueueJob, task Task) (json.RawMessage, error) {
	et := task.(*editTask)
	t := et.task

	switch t.Operation {
	case domain.EditOperationCreate, domain.EditOperationUpdate:
		edited, err := a.client.EditFile(ctx, t.Content, t.Instruction)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"filePath": t.FilePath,
			"content":  edited,
		})

	case domain.EditOperationDelete:
		// Deletion is a bookkeeping operation; no model call involved.
		return json.Marshal(map[string]any{
			"filePath": t.FilePath,
			"deleted":  true,
		})

	case domain.EditOperationRefactor:
		refactored, err := a.client.RefactorCode(ctx, t.Content, t.Instruction, t.Language())
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"filePath": t.FilePath,
			"content":  refactored,
			"language": t.Language(),
		})

	case domain.EditOperationFormat:
		formatted, err := a.client.FormatCode(ctx, t.Content, t.Language())
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"filePath": t.FilePath,
			"content":  formatted,
			"language": t.Language(),
		})

	default:
		return nil, fmt.Errorf("%w: unknown edit operation %q", domain.ErrValidation, t.Operation)
	}
}
