package domain

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// GenerationType identifies what a generation task produces.
type GenerationType string

// Possible generation types
const (
	GenerationTypeText  GenerationType = "text"
	GenerationTypeCode  GenerationType = "code"
	GenerationTypeImage GenerationType = "image"
)

// Common validation errors for GenerationTask
var (
	ErrEmptyPrompt           = errors.New("generation prompt cannot be empty")
	ErrInvalidGenerationType = errors.New("invalid generation type")
)

// GenerationTask is a content-generation request. For image tasks the
// stored result is a structured specification (optimized prompt, size,
// style, seed) rather than pixels; actual rendering is external.
type GenerationTask struct {
	TaskRecord
	Type   GenerationType  `json:"type"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewGenerationTask creates a pending generation task.
func NewGenerationTask(sessionID string, genType GenerationType, prompt string, params json.RawMessage, queueJobID *uuid.UUID) (*GenerationTask, error) {
	task := &GenerationTask{
		TaskRecord: newTaskRecord(sessionID, TaskStatusPending, queueJobID),
		Type:       genType,
		Prompt:     prompt,
		Params:     params,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the GenerationTask has valid data.
func (t *GenerationTask) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}

	if t.Prompt == "" {
		return ErrEmptyPrompt
	}

	if !isValidGenerationType(t.Type) {
		return ErrInvalidGenerationType
	}

	return nil
}

// isValidGenerationType checks if the given type is a valid GenerationType.
func isValidGenerationType(t GenerationType) bool {
	switch t {
	case GenerationTypeText, GenerationTypeCode, GenerationTypeImage:
		return true
	default:
		return false
	}
}
