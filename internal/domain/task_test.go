package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageValidation(t *testing.T) {
	t.Parallel()

	msg, err := NewChatMessage("s", ChatRoleUser, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, msg.Status)

	_, err = NewChatMessage("s", ChatRoleUser, "", nil)
	assert.ErrorIs(t, err, ErrEmptyChatContent)

	_, err = NewChatMessage("s", "narrator", "hello", nil)
	assert.ErrorIs(t, err, ErrInvalidChatRole)

	_, err = NewChatMessage("", ChatRoleUser, "hello", nil)
	assert.ErrorIs(t, err, ErrEmptySessionID)
}

func TestGenerationTaskValidation(t *testing.T) {
	t.Parallel()

	task, err := NewGenerationTask("s", GenerationTypeCode, "write a parser", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, GenerationTypeCode, task.Type)

	_, err = NewGenerationTask("s", GenerationTypeText, "", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = NewGenerationTask("s", "hologram", "prompt", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidGenerationType)
}

func TestBrowserTaskValidation(t *testing.T) {
	t.Parallel()

	task, err := NewBrowserTask("s", BrowserActionNavigate, nil)
	require.NoError(t, err)
	assert.Equal(t, BrowserActionNavigate, task.Action)

	_, err = NewBrowserTask("s", "teleport", nil)
	assert.ErrorIs(t, err, ErrInvalidBrowserAction)
}

func TestEditTaskValidation(t *testing.T) {
	t.Parallel()

	task, err := NewEditTask("s", EditOperationRefactor, "main.go", nil)
	require.NoError(t, err)
	assert.Equal(t, EditOperationRefactor, task.Operation)

	_, err = NewEditTask("s", EditOperationCreate, "", nil)
	assert.ErrorIs(t, err, ErrEmptyFilePath)

	_, err = NewEditTask("s", "transmogrify", "main.go", nil)
	assert.ErrorIs(t, err, ErrInvalidEditOperation)
}

func TestEditTaskLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"cmd/server/main.go", "go"},
		{"scripts/run.py", "python"},
		{"web/app.tsx", "typescript"},
		{"lib/util.js", "javascript"},
		{"deploy.sh", "bash"},
		{"README.md", "markdown"},
		{"Makefile", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			task, err := NewEditTask("s", EditOperationFormat, tt.path, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.Language())
		})
	}
}

func TestTaskRecordCompleteAndFail(t *testing.T) {
	t.Parallel()

	msg, err := NewChatMessage("s", ChatRoleAssistant, "hi", nil)
	require.NoError(t, err)

	msg.Complete([]byte(`{"text":"hi"}`))
	assert.Equal(t, TaskStatusCompleted, msg.Status)
	require.NotNil(t, msg.CompletedAt)

	task, err := NewGenerationTask("s", GenerationTypeText, "p", nil, nil)
	require.NoError(t, err)

	task.Fail("model unavailable")
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "model unavailable", task.Error)
	assert.Nil(t, task.CompletedAt)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(ErrValidation))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrExpired))
	assert.False(t, IsRetryable(ErrResourceUnavailable))
	assert.True(t, IsRetryable(ErrTransient))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(assert.AnError))
}
