package domain

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// EditOperation identifies which file-editing operation a task performs.
type EditOperation string

// Possible edit operations
const (
	EditOperationCreate   EditOperation = "create"
	EditOperationUpdate   EditOperation = "update"
	EditOperationDelete   EditOperation = "delete"
	EditOperationRefactor EditOperation = "refactor"
	EditOperationFormat   EditOperation = "format"
)

// Common validation errors for EditTask
var (
	ErrEmptyFilePath        = errors.New("edit task file path cannot be empty")
	ErrInvalidEditOperation = errors.New("invalid edit operation")
)

// EditTask is a file-editing request carried out by the language-model
// client on behalf of a session.
type EditTask struct {
	TaskRecord
	Operation   EditOperation `json:"operation"`
	FilePath    string        `json:"file_path"`
	Content     string        `json:"content,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
}

// NewEditTask creates a pending edit task.
func NewEditTask(sessionID string, op EditOperation, filePath string, queueJobID *uuid.UUID) (*EditTask, error) {
	task := &EditTask{
		TaskRecord: newTaskRecord(sessionID, TaskStatusPending, queueJobID),
		Operation:  op,
		FilePath:   filePath,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the EditTask has valid data.
func (t *EditTask) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}

	if t.FilePath == "" {
		return ErrEmptyFilePath
	}

	if !isValidEditOperation(t.Operation) {
		return ErrInvalidEditOperation
	}

	return nil
}

// Language infers a language tag from the task's file extension. Used
// by refactor and format operations; unknown extensions map to "text".
func (t *EditTask) Language() string {
	ext := strings.ToLower(filepath.Ext(t.FilePath))
	switch ext {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".sh", ".bash":
		return "bash"
	case ".sql":
		return "sql"
	case ".html":
		return "html"
	case ".css":
		return "css"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	default:
		return "text"
	}
}

// isValidEditOperation checks if the given operation is a valid EditOperation.
func isValidEditOperation(op EditOperation) bool {
	switch op {
	case EditOperationCreate, EditOperationUpdate, EditOperationDelete,
		EditOperationRefactor, EditOperationFormat:
		return true
	default:
		return false
	}
}
