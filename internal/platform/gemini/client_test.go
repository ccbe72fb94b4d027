package gemini

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/dispatch-api/internal/config"
	"github.com/phrazzld/dispatch-api/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects nil logger", func(t *testing.T) {
		_, err := NewClient(ctx, nil, config.LLMConfig{GeminiAPIKey: "k", ModelName: "m"})
		assert.Error(t, err)
	})

	t.Run("rejects empty API key", func(t *testing.T) {
		_, err := NewClient(ctx, testLogger(), config.LLMConfig{ModelName: "m"})
		assert.ErrorIs(t, err, llm.ErrInvalidConfig)
	})

	t.Run("rejects empty model name", func(t *testing.T) {
		_, err := NewClient(ctx, testLogger(), config.LLMConfig{GeminiAPIKey: "k"})
		assert.ErrorIs(t, err, llm.ErrInvalidConfig)
	})
}

func TestGenerateConfig(t *testing.T) {
	t.Parallel()

	assert.Nil(t, generateConfig(llm.Options{}))

	cfg := generateConfig(llm.Options{MaxTokens: 100, Temperature: 0.4})
	assert.EqualValues(t, 100, cfg.MaxOutputTokens)
	assert.InDelta(t, 0.4, float64(*cfg.Temperature), 0.001)
}

func TestContentsFromMessages(t *testing.T) {
	t.Parallel()

	contents := contentsFromMessages([]llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "system", Content: "be brief"},
	})

	assert.Len(t, contents, 3)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "user", string(contents[2].Role))
}
