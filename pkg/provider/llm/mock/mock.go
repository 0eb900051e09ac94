// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Reply: "CALL_TIMER 60", Structured: true}
//	reply, err := p.Answer(ctx, llm.Request{Prompt: "1分後に知らせて"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clovoice/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is returned by Answer.
	Reply string

	// Err, if non-nil, is returned by Answer.
	Err error

	// Structured is returned by SupportsStructuredCommands.
	Structured bool

	// Requests records every Answer call.
	Requests []llm.Request
}

var _ llm.Provider = (*Provider)(nil)

// Answer records req and returns Reply, Err.
func (p *Provider) Answer(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return "", p.Err
	}
	return p.Reply, nil
}

// SupportsStructuredCommands returns Structured.
func (p *Provider) SupportsStructuredCommands() bool { return p.Structured }

// Calls returns a copy of the recorded requests. Thread-safe.
func (p *Provider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.Requests...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
}
