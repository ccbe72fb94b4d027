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

// generationPayload is the job payload for the three generation job
// types.
type generationPayload struct {
	TaskID   *uuid.UUID `json:"taskId,omitempty"`
	Prompt   string     `json:"prompt"`
	Language string     `json:"language,omitempty"`
	Style    string     `json:"style,omitempty"`
	Size     string     `json:"size,omitempty"`
	Seed     int64      `json:"seed,omitempty"`
}

// GenerationAction processes text, code, and image generation jobs.
// Image jobs produce a structured generation record (the optimized
// prompt plus size, style, and seed) rather than pixels; rendering
// happens downstream.
type GenerationAction struct {
	tasks  store.GenerationTaskStore
	client llm.Client
}

// NewGenerationAction builds the generation processor.
func NewGenerationAction(tasks store.GenerationTaskStore, client llm.Client) *GenerationAction {
	return &GenerationAction{tasks: tasks, client: client}
}

// JobTypes implements Action.
func (a *GenerationAction) JobTypes() []domain.JobType {
	return []domain.JobType{
		domain.JobTypeTextGeneration,
		domain.JobTypeCodeGeneration,
		domain.JobTypeImageGeneration,
	}
}

// generationTypeFor maps the job type to the task's generation type.
func generationTypeFor(jobType domain.JobType) (domain.GenerationType, error) {
	switch jobType {
	case domain.JobTypeTextGeneration:
		return domain.GenerationTypeText, nil
	case domain.JobTypeCodeGeneration:
		return domain.GenerationTypeCode, nil
	case domain.JobTypeImageGeneration:
		return domain.GenerationTypeImage, nil
	default:
		return "", fmt.Errorf("%w: %q is not a generation job type", domain.ErrValidation, jobType)
	}
}

type generationTask struct {
	task  *domain.GenerationTask
	store store.GenerationTaskStore
	fresh bool

	payload generationPayload
}

func (t *generationTask) Record() *domain.TaskRecord { return &t.task.TaskRecord }

func (t *generationTask) Save(ctx context.Context) error {
	if t.fresh {
		t.fresh = false
		return t.store.Create(ctx, t.task)
	}
	return t.store.Update(ctx, t.task)
}

// Resolve implements Action.
func (a *GenerationAction) Resolve(ctx context.Context, job *domain.QueueJob) (Task, error) {
	var payload generationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed generation payload: %v", domain.ErrValidation, err)
	}

	if payload.TaskID != nil {
		task, err := a.tasks.GetByID(ctx, *payload.TaskID)
		if err != nil {
			if store.IsNotFoundError(err) {
				return nil, fmt.Errorf("%w: generation task %s", domain.ErrNotFound, payload.TaskID)
			}
			return nil, fmt.Errorf("failed to load generation task: %w", err)
		}
		return &generationTask{task: task, store: a.tasks, payload: payload}, nil
	}

	if job.SessionID == nil {
		return nil, fmt.Errorf("%w: generation job requires a session", domain.ErrValidation)
	}

	genType, err := generationTypeFor(job.JobType)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(map[string]any{
		"language": payload.Language,
		"style":    payload.Style,
		"size":     payload.Size,
		"seed":     payload.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation params: %w", err)
	}

	task, err := domain.NewGenerationTask(*job.SessionID, genType, payload.Prompt, params, &job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &generationTask{task: task, store: a.tasks, fresh: true, payload: payload}, nil
}

// Perform implements Action.
func (a *GenerationAction) Perform(ctx context.Context, job *domain.QueueJob, task Task) (json.RawMessage, error) {
	gt := task.(*generationTask)
	prompt := gt.task.Prompt

	switch gt.task.Type {
	case domain.GenerationTypeText:
		text, err := a.client.GenerateText(ctx, prompt, llm.Options{})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"text": text})

	case domain.GenerationTypeCode:
		code, err := a.client.GenerateCode(ctx, prompt, gt.payload.Language, gt.payload.Style)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"code":     code,
			"language": gt.payload.Language,
		})

	case domain.GenerationTypeImage:
		optimized, err := a.client.OptimizeImagePrompt(ctx, prompt)
		if err != nil {
			return nil, err
		}
		size := gt.payload.Size
		if size == "" {
			size = "1024x1024"
		}
		return json.Marshal(map[string]any{
			"optimizedPrompt": optimized,
			"size":            size,
			"style":           gt.payload.Style,
			"seed":            gt.payload.Seed,
		})

	default:
		return nil, fmt.Errorf("%w: unknown generation type %q", domain.ErrValidation, gt.task.Type)
	}
}
