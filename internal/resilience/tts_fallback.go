package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Voice IDs are backend specific, so a fallback usually speaks with its own
// default voice when the primary is down.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy provider. A voice that
// names its provider is tried on that entry first.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return executeFrom(f.group, voice.Provider, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy provider that can list
// them.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		l, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, fmt.Errorf("resilience: %T cannot list voices", p)
		}
		return l.ListVoices(ctx)
	})
}
