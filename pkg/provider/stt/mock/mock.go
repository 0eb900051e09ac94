// Package mock provides a test double for [stt.Provider].
//
// Example:
//
//	p := &mock.Provider{Text: "今何時"}
//	text, _ := p.Transcribe(ctx, pcm, stt.Config{SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clovoice/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Texts is exhausted.
	Text string

	// Texts, when non-empty, are returned one per call in order.
	Texts []string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(_ context.Context, pcm []byte, cfg stt.Config) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), Cfg: cfg})
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Texts) > 0 {
		t := p.Texts[0]
		p.Texts = p.Texts[1:]
		return t, nil
	}
	return p.Text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
