// Package vad defines the Engine interface for frame-level voice activity
// classification.
//
// A VAD engine turns a single PCM frame into a speech/silence decision. It is
// stateful per stream only in so far as it remembers whether the previous
// frame was voiced, so that it can report [VADSpeechStart] on a transition.
// Utterance boundaries (how much silence ends an utterance) are decided by the
// caller, not by the engine.
//
// ProcessFrame is synchronous and must not block: it is called once per frame
// in the capture loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// Channels is the number of interleaved channels per frame.
	Channels int

	// SilenceThreshold is the level below which a frame is classified as
	// silence, in the engine's native scale. For the energy engine this is a
	// 16-bit PCM amplitude (peak-to-peak or RMS depending on the mode).
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian 16-bit PCM.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset forgets whether the previous frame was voiced.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
