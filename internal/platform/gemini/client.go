// Package gemini implements the llm.Client interface using Google's
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/phrazzld/dispatch-api/internal/config"
	"github.com/phrazzld/dispatch-api/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client implements llm.Client on the Gemini API. It performs no
// retries of its own; transient failures are surfaced as
// llm.ErrTransientFailure and redelivery is the broker's concern.
type Client struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// NewClient creates a Gemini-backed LLM client.
func NewClient(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", llm.ErrInvalidConfig)
	}

	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", llm.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		logger: logger,
		client: client,
		model:  cfg.ModelName,
	}, nil
}

// GenerateText produces free-form text for a prompt.
func (c *Client) GenerateText(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return c.generate(ctx, genai.Text(prompt), generateConfig(opts))
}

// ChatCompletion produces the assistant's next turn for a conversation.
func (c *Client) ChatCompletion(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	return c.generate(ctx, contentsFromMessages(messages), generateConfig(opts))
}

// StreamChatCompletion produces the assistant's next turn as a stream
// of text chunks.
func (c *Client) StreamChatCompletion(ctx context.Context, messages []llm.Message) (<-chan string, error) {
	contents := contentsFromMessages(messages)
	out := make(chan string)

	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, nil) {
			if err != nil {
				c.logger.ErrorContext(ctx, "Gemini stream error", "error", err)
				return
			}
			chunk := resp.Text()
			if chunk == "" {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// GenerateCode produces source code in the given language and style.
func (c *Client) GenerateCode(ctx context.Context, prompt, language, style string) (string, error) {
	full := fmt.Sprintf("Write %s code for the following request. Respond with code only, no commentary.", language)
	if style != "" {
		full += fmt.Sprintf(" Follow this style: %s.", style)
	}
	full += "\n\n" + prompt
	return c.generate(ctx, genai.Text(full), nil)
}

// EditFile applies an instruction to file content and returns the full
// edited content.
func (c *Client) EditFile(ctx context.Context, content, instruction string) (string, error) {
	prompt := fmt.Sprintf(
		"Apply the following instruction to the file content and return the complete updated content, nothing else.\n\nInstruction: %s\n\nContent:\n%s",
		instruction, content)
	return c.generate(ctx, genai.Text(prompt), nil)
}

// RefactorCode restructures code per the instruction without changing
// behavior.
func (c *Client) RefactorCode(ctx context.Context, content, instruction, language string) (string, error) {
	prompt := fmt.Sprintf(
		"Refactor the following %s code without changing its behavior. Return the complete refactored code, nothing else.\n\nInstruction: %s\n\nCode:\n%s",
		language, instruction, content)
	return c.generate(ctx, genai.Text(prompt), nil)
}

// FormatCode normalizes code formatting for the language.
func (c *Client) FormatCode(ctx context.Context, content, language string) (string, error) {
	prompt := fmt.Sprintf(
		"Format the following %s code according to the language's standard conventions. Return the formatted code only.\n\nCode:\n%s",
		language, content)
	return c.generate(ctx, genai.Text(prompt), nil)
}

// OptimizeImagePrompt rewrites a prompt into a detailed image
// generation prompt.
func (c *Client) OptimizeImagePrompt(ctx context.Context, prompt string) (string, error) {
	full := fmt.Sprintf(
		"Rewrite the following image description as a single detailed image-generation prompt. Include subject, composition, lighting, and style. Respond with the prompt only.\n\n%s",
		prompt)
	return c.generate(ctx, genai.Text(full), nil)
}

// generate runs one GenerateContent call and maps provider failures
// onto the llm error taxonomy.
func (c *Client) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		c.logger.ErrorContext(ctx, "Gemini API call failed", "error", err)
		return "", fmt.Errorf("%w: %v", llm.ErrTransientFailure, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", llm.ErrInvalidResponse)
	}

	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: finish reason safety", llm.ErrContentBlocked)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response text", llm.ErrInvalidResponse)
	}

	return text, nil
}

// generateConfig maps llm.Options onto the provider config. Zero
// options mean provider defaults, expressed as a nil config.
func generateConfig(opts llm.Options) *genai.GenerateContentConfig {
	if opts.MaxTokens == 0 && opts.Temperature == 0 {
		return nil
	}

	cfg := &genai.GenerateContentConfig{}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	return cfg
}

// contentsFromMessages converts chat messages to provider content,
// mapping the assistant role onto the provider's model role.
func contentsFromMessages(messages []llm.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		var role genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
