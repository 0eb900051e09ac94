package resilience

import (
	"context"

	"github.com/MrWong99/clovoice/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// generative backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Answer sends the request to the first healthy provider and returns its
// reply.
func (f *LLMFallback) Answer(ctx context.Context, req llm.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (string, error) {
		return p.Answer(ctx, req)
	})
}

// SupportsStructuredCommands reports the primary's capability. The prompt is
// built before the backend is chosen, so a fallback is expected to cope with
// the primary's prompt format.
func (f *LLMFallback) SupportsStructuredCommands() bool {
	return f.group.entries[0].value.SupportsStructuredCommands()
}
