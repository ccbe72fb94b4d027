package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/browserpool"
	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

// browserPayload is the job payload for browser_automation jobs.
type browserPayload struct {
	TaskID    *uuid.UUID           `json:"taskId,omitempty"`
	Action    domain.BrowserAction `json:"action"`
	ContextID string               `json:"contextId,omitempty"`
	URL       string               `json:"url,omitempty"`
	Selector  string               `json:"selector,omitempty"`
	Value     string               `json:"value,omitempty"`
	Script    string               `json:"script,omitempty"`
	Fields    map[string]string    `json:"fields,omitempty"`
	Pixels    int                  `json:"pixels,omitempty"`
}

// ContextPool is the slice of the browser pool the action needs.
type ContextPool interface {
	ContextForSession(sessionID string) string
	Navigate(ctx context.Context, contextID, url string) (*browserpool.ActionResult, error)
	Click(ctx context.Context, contextID, selector string) (*browserpool.ActionResult, error)
	Type(ctx context.Context, contextID, selector, value string) (*browserpool.ActionResult, error)
	FillForm(ctx context.Context, contextID string, fields map[string]string) (*browserpool.ActionResult, error)
	Scroll(ctx context.Context, contextID string, pixels int) (*browserpool.ActionResult, error)
	ExecuteScript(ctx context.Context, contextID, script string) (*browserpool.ActionResult, error)
	ExtractContent(ctx context.Context, contextID, selector string) (*browserpool.ActionResult, error)
	Screenshot(ctx context.Context, contextID string) (*browserpool.ActionResult, error)
	WaitForElement(ctx context.Context, contextID, selector string) (*browserpool.ActionResult, error)
}

// BrowserAction processes browser_automation jobs: one browser
// primitive per job, dispatched against the session's pooled context.
type BrowserAction struct {
	tasks store.BrowserTaskStore
	pool  ContextPool
}

// NewBrowserAction builds the browser processor.
func NewBrowserAction(tasks store.BrowserTaskStore, pool ContextPool) *BrowserAction {
	return &BrowserAction{tasks: tasks, pool: pool}
}

// JobTypes implements Action.
func (a *BrowserAction) JobTypes() []domain.JobType {
	return []domain.JobType{domain.JobTypeBrowserAutomation}
}

type browserTask struct {
	task  *domain.BrowserTask
	store store.BrowserTaskStore
	fresh bool

	payload browserPayload
}

func (t *browserTask) Record() *domain.TaskRecord { return &t.task.TaskRecord }

func (t *browserTask) Save(ctx context.Context) error {
	if t.fresh {
		t.fresh = false
		return t.store.Create(ctx, t.task)
	}
	return t.store.Update(ctx, t.task)
}

// Resolve implements Action.
func (a *BrowserAction) Resolve(ctx context.Context, job *domain.QueueJob) (Task, error) {
	var payload browserPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed browser payload: %v", domain.ErrValidation, err)
	}

	if payload.TaskID != nil {
		task, err := a.tasks.GetByID(ctx, *payload.TaskID)
		if err != nil {
			if store.IsNotFoundError(err) {
				return nil, fmt.Errorf("%w: browser task %s", domain.ErrNotFound, payload.TaskID)
			}
			return nil, fmt.Errorf("failed to load browser task: %w", err)
		}
		return &browserTask{task: task, store: a.tasks, payload: payload}, nil
	}

	if job.SessionID == nil {
		return nil, fmt.Errorf("%w: browser job requires a session", domain.ErrValidation)
	}
	if !domain.IsValidBrowserAction(payload.Action) {
		return nil, fmt.Errorf("%w: unknown browser action %q", domain.ErrValidation, payload.Action)
	}

	task, err := domain.NewBrowserTask(*job.SessionID, payload.Action, &job.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	task.ContextID = payload.ContextID
	task.URL = payload.URL
	task.Selector = payload.Selector
	task.Value = payload.Value
	task.Script = payload.Script
	return &browserTask{task: task, store: a.tasks, fresh: true, payload: payload}, nil
}

// Perform implements Action: one primitive, one normalized envelope.
// The envelope is the stored result even when the primitive failed; a
// failed envelope also fails the task via the returned error.
func (a *BrowserAction) Perform(ctx context.Context, job *domain.QueueJob, task Task) (json.RawMessage, error) {
	bt := task.(*browserTask)

	contextID := bt.task.ContextID
	if contextID == "" {
		contextID = a.pool.ContextForSession(bt.task.SessionID)
		bt.task.ContextID = contextID
	}

	result, err := a.dispatch(ctx, contextID, bt)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode browser result: %w", err)
	}
	if !result.Success {
		// Keep the envelope for the caller, but surface the failure.
		bt.task.Result = encoded
		return nil, fmt.Errorf("%w: %s", domain.ErrTransient, result.Error)
	}
	return encoded, nil
}

func (a *BrowserAction) dispatch(ctx context.Context, contextID string, bt *browserTask) (*browserpool.ActionResult, error) {
	p := bt.payload
	switch bt.task.Action {
	case domain.BrowserActionNavigate:
		return a.pool.Navigate(ctx, contextID, bt.task.URL)
	case domain.BrowserActionClick:
		return a.pool.Click(ctx, contextID, bt.task.Selector)
	case domain.BrowserActionType:
		return a.pool.Type(ctx, contextID, bt.task.Selector, bt.task.Value)
	case domain.BrowserActionFillForm:
		return a.pool.FillForm(ctx, contextID, p.Fields)
	case domain.BrowserActionScroll:
		return a.pool.Scroll(ctx, contextID, p.Pixels)
	case domain.BrowserActionExecuteScript:
		return a.pool.ExecuteScript(ctx, contextID, bt.task.Script)
	case domain.BrowserActionExtract:
		return a.pool.ExtractContent(ctx, contextID, bt.task.Selector)
	case domain.BrowserActionScreenshot:
		return a.pool.Screenshot(ctx, contextID)
	case domain.BrowserActionWaitForElement:
		return a.pool.WaitForElement(ctx, contextID, bt.task.Selector)
	default:
		return nil, fmt.Errorf("%w: unknown browser action %q", domain.ErrValidation, bt.task.Action)
	}
}
