// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider turns one reply line into an encoded audio container (WAV for
// every bundled backend) that the media pipeline can decode and play. The
// voice is chosen per call so switching characters needs no reconnect.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the encoded audio.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
