// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.InputStream] and [audio.OutputStream] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputStream{Frames: [][]byte{silence, speech, silence}}
//	dev := &mock.Device{Input: in}
//	stream, err := dev.OpenInput(ctx, audio.InputConfig{SampleRate: 16000})
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/clovoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device       = (*Device)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] that replays Frames in order.
// After the last frame Read returns ExhaustedErr, or io.EOF when unset.
type InputStream struct {
	mu sync.Mutex

	// Frames are returned one per Read call.
	Frames [][]byte

	// ReadErr, when non-nil, is returned by the Read call with index ReadErrAt.
	ReadErr   error
	ReadErrAt int

	// ExhaustedErr is returned once all frames were consumed. Defaults to io.EOF.
	ExhaustedErr error

	// OnRead is invoked after each successful Read with the index of the frame
	// just returned. Tests use it to inject interrupts mid-capture.
	OnRead func(i int)

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// Closed is true once Close has been called.
	Closed bool
}

// Read implements [audio.InputStream].
func (s *InputStream) Read() ([]byte, error) {
	s.mu.Lock()
	i := s.CallCountRead
	s.CallCountRead++
	if s.ReadErr != nil && i == s.ReadErrAt {
		s.mu.Unlock()
		return nil, s.ReadErr
	}
	if i >= len(s.Frames) {
		err := s.ExhaustedErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	frame := s.Frames[i]
	cb := s.OnRead
	s.mu.Unlock()

	if cb != nil {
		cb(i)
	}
	return frame, nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock [audio.OutputStream] that records everything written.
type OutputStream struct {
	mu sync.Mutex

	// WriteErr is returned by every Write call when non-nil.
	WriteErr error

	written []byte
	writes  int
	closed  bool
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: write on closed output stream")
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.written = append(s.written, pcm...)
	s.writes++
	return nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Written returns a copy of all PCM written so far.
func (s *OutputStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.written))
	copy(out, s.written)
	return out
}

// Writes returns the number of successful Write calls.
func (s *OutputStream) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device].
type Device struct {
	mu sync.Mutex

	// Input is returned by OpenInput. A fresh empty stream is used when nil.
	Input *InputStream

	// Outputs are handed out by OpenOutput in order; once exhausted a new
	// OutputStream is created and appended.
	Outputs []*OutputStream

	// OpenInputErr and OpenOutputErr are returned by the respective Open calls.
	OpenInputErr  error
	OpenOutputErr error

	// InputConfigs and OutputConfigs record the configs passed to each call.
	InputConfigs  []audio.InputConfig
	OutputConfigs []audio.OutputConfig
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputConfigs = append(d.InputConfigs, cfg)
	if d.OpenInputErr != nil {
		return nil, d.OpenInputErr
	}
	if d.Input == nil {
		d.Input = &InputStream{}
	}
	return d.Input, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.OutputConfigs)
	d.OutputConfigs = append(d.OutputConfigs, cfg)
	if d.OpenOutputErr != nil {
		return nil, d.OpenOutputErr
	}
	for len(d.Outputs) <= idx {
		d.Outputs = append(d.Outputs, &OutputStream{})
	}
	return d.Outputs[idx], nil
}

// OutputOpens returns how many times OpenOutput was called.
func (d *Device) OutputOpens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OutputConfigs)
}

// Output returns the i-th output stream handed out, or nil.
func (d *Device) Output(i int) *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.Outputs) {
		return nil
	}
	return d.Outputs[i]
}
