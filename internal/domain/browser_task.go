package domain

import (
	"errors"

	"github.com/google/uuid"
)

// BrowserAction identifies which browser primitive a task dispatches.
type BrowserAction string

// Possible browser actions
const (
	BrowserActionNavigate       BrowserAction = "navigate"
	BrowserActionClick          BrowserAction = "click"
	BrowserActionType           BrowserAction = "type"
	BrowserActionFillForm       BrowserAction = "fill_form"
	BrowserActionScroll         BrowserAction = "scroll"
	BrowserActionScreenshot     BrowserAction = "screenshot"
	BrowserActionExtract        BrowserAction = "extract"
	BrowserActionExecuteScript  BrowserAction = "execute_script"
	BrowserActionWaitForElement BrowserAction = "wait_for_element"
)

// ErrInvalidBrowserAction is returned when a browser action is unknown.
var ErrInvalidBrowserAction = errors.New("invalid browser action")

// BrowserTask is one browser-automation step executed against the
// session's pooled browser context. ContextID is a weak reference into
// the browser context pool.
type BrowserTask struct {
	TaskRecord
	Action    BrowserAction `json:"action"`
	ContextID string        `json:"context_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Selector  string        `json:"selector,omitempty"`
	Value     string        `json:"value,omitempty"`
	Script    string        `json:"script,omitempty"`
}

// NewBrowserTask creates a pending browser task.
func NewBrowserTask(sessionID string, action BrowserAction, queueJobID *uuid.UUID) (*BrowserTask, error) {
	task := &BrowserTask{
		TaskRecord: newTaskRecord(sessionID, TaskStatusPending, queueJobID),
		Action:     action,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the BrowserTask has valid data.
func (t *BrowserTask) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}

	if !IsValidBrowserAction(t.Action) {
		return ErrInvalidBrowserAction
	}

	return nil
}

// IsValidBrowserAction checks if the given action is a known BrowserAction.
func IsValidBrowserAction(action BrowserAction) bool {
	switch action {
	case BrowserActionNavigate, BrowserActionClick, BrowserActionType,
		BrowserActionFillForm, BrowserActionScroll, BrowserActionScreenshot,
		BrowserActionExtract, BrowserActionExecuteScript, BrowserActionWaitForElement:
		return true
	default:
		return false
	}
}
