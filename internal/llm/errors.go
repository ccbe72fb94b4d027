package llm

import "errors"

// Common errors returned by language-model clients
var (
	// ErrGenerationFailed is returned when a model call fails for a
	// general, non-transient reason.
	ErrGenerationFailed = errors.New("language model generation failed")

	// ErrInvalidResponse is returned when the model response is empty or
	// cannot be used.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when safety filters block the
	// request or response. Never retried.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary provider errors that
	// may resolve on retry.
	ErrTransientFailure = errors.New("transient language model failure")

	// ErrInvalidConfig is returned when the client configuration is
	// invalid.
	ErrInvalidConfig = errors.New("invalid language model configuration")
)
