// Package audio defines the PCM frame types, sample helpers and the device
// contract used by the capture and playback paths of clovoice.
//
// The primary abstractions are:
//
//   - [Device]: opens capture and playback streams on a sound card.
//   - [InputStream]: a blocking, frame-at-a-time microphone reader.
//   - [OutputStream]: a blocking PCM writer for the speaker.
//
// Implementations live in backend packages (e.g., audio/portaudio). The
// interfaces are intentionally narrow so that the endpointing and playback
// logic can be tested against the in-memory backend in audio/mock.
//
// This package lives under pkg/ because external code is expected to provide
// its own [Device] implementations for other sound stacks.
package audio

import (
	"context"
)

// InputConfig describes a capture stream.
type InputConfig struct {
	// Device selects the input device. Empty or "default" picks the system default.
	Device string

	// SampleRate in Hz. The microphone path uses 16000.
	SampleRate int

	// Channels is the number of interleaved capture channels.
	Channels int

	// FrameSize is the number of samples per channel returned by each Read.
	FrameSize int
}

// OutputConfig describes a playback stream.
type OutputConfig struct {
	// Device selects the output device. Empty or "default" picks the system default.
	Device string

	// SampleRate in Hz. The playback path uses 44100.
	SampleRate int

	// Channels is the number of interleaved playback channels.
	Channels int
}

// InputStream delivers fixed-size PCM frames from a capture device.
//
// Read blocks until a full frame is available and returns exactly
// FrameSize*Channels*2 bytes. An InputStream is owned by a single goroutine.
type InputStream interface {
	// Read returns the next frame. Any error is fatal for the stream.
	Read() ([]byte, error)

	// Close stops the stream and releases the device. Calling Close more than
	// once is safe.
	Close() error
}

// OutputStream plays 16-bit little-endian PCM on a playback device.
type OutputStream interface {
	// Write queues pcm for playback, blocking while the device buffer is full.
	Write(pcm []byte) error

	// Close blocks until all queued audio has been played, then releases the
	// device. Calling Close more than once is safe.
	Close() error
}

// Device opens capture and playback streams. Implementations must be safe for
// concurrent use; at most one output stream is expected to be open at a time.
type Device interface {
	// OpenInput opens a capture stream. ctx governs the open call only.
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)

	// OpenOutput opens a playback stream. ctx governs the open call only.
	OpenOutput(ctx context.Context, cfg OutputConfig) (OutputStream, error)
}
