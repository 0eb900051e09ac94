// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider receives one complete utterance of raw 16-bit little-endian PCM
// and returns its transcript. Endpointing happens before the provider is
// called (see the voice package), so every backend works in batch mode.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Config describes the audio handed to [Provider.Transcribe].
type Config struct {
	// SampleRate of the PCM in Hz. The microphone default is 16000.
	SampleRate int

	// Channels in the PCM. Providers that need mono downmix internally.
	Channels int

	// Language is the recognition language (e.g. "ja", "ja-JP"). An empty
	// string selects the provider default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts pcm to text. An utterance without recognisable
	// speech yields an empty string and a nil error.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (string, error)
}
