// Package llm defines the language-model client boundary. The
// processors depend only on this interface; the Gemini-backed
// implementation lives in internal/platform/gemini.
package llm

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single model call. Zero values mean provider defaults.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client is the language-model capability consumed by the task
// processors. Every call is fallible, latency-bearing, and
// non-idempotent; retries are the broker's job, not the client's.
type Client interface {
	// GenerateText produces free-form text for a prompt.
	GenerateText(ctx context.Context, prompt string, opts Options) (string, error)

	// ChatCompletion produces the assistant's next turn for a
	// conversation.
	ChatCompletion(ctx context.Context, messages []Message, opts Options) (string, error)

	// StreamChatCompletion produces the assistant's next turn as a
	// stream of text chunks. The channel closes when the turn is
	// complete or the context is cancelled.
	StreamChatCompletion(ctx context.Context, messages []Message) (<-chan string, error)

	// GenerateCode produces source code in the given language and style.
	GenerateCode(ctx context.Context, prompt, language, style string) (string, error)

	// EditFile applies an instruction to file content and returns the
	// full edited content.
	EditFile(ctx context.Context, content, instruction string) (string, error)

	// RefactorCode restructures code per the instruction without
	// changing behavior.
	RefactorCode(ctx context.Context, content, instruction, language string) (string, error)

	// FormatCode normalizes code formatting for the language.
	FormatCode(ctx context.Context, content, language string) (string, error)

	// OptimizeImagePrompt rewrites a prompt into a detailed image
	// generation prompt.
	OptimizeImagePrompt(ctx context.Context, prompt string) (string, error)
}
