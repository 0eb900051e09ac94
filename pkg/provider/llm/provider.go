// Package llm defines the Provider interface for the generative conversation
// backend.
//
// The assistant sends one fully assembled prompt per turn (persona, optional
// skill catalogue and the user's utterance) and expects one text reply. No
// conversation history is kept between turns.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Request is a single-turn completion request.
type Request struct {
	// SystemPrompt is sent as the system message. May be empty.
	SystemPrompt string

	// Prompt is the user message.
	Prompt string

	// Model overrides the provider's default model when non-empty.
	Model string

	// Temperature in [0.0, 2.0]. Zero selects the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero selects the provider default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Answer returns the model's reply to req. An empty reply is returned as
	// an empty string without error; callers treat it like a failure.
	Answer(ctx context.Context, req Request) (string, error)

	// SupportsStructuredCommands reports whether the model reliably follows
	// the skill command format (CALL_TIMER ...). When false, skills fall back
	// to pattern matching on the raw utterance.
	SupportsStructuredCommands() bool
}
