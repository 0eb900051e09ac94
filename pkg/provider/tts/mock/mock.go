// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: wavBytes}
//	data, _ := p.Synthesize(ctx, "こんにちは", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider and tts.VoiceLister.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful Synthesize call.
	Audio []byte

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Calls records every call to Synthesize.
	Calls []SynthesizeCall
}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]byte(nil), p.Audio...), nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.VoiceProfile(nil), p.Voices...), nil
}

// Texts returns the text of every Synthesize call in order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
