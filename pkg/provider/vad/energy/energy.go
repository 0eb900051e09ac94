// Package energy provides an amplitude-based vad.Engine.
//
// In [ModePeakToPeak] (the default) the frame level is the difference between
// the largest and smallest sample (see [audio.PeakToPeak]). In [ModeRMS] the
// level is the root-mean-square sample value. A frame is voiced when its level
// is at or above Config.SilenceThreshold.
package energy

import (
	"errors"
	"fmt"

	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Mode selects the level measurement.
type Mode string

const (
	// ModePeakToPeak measures max(sample) - min(sample).
	ModePeakToPeak Mode = "peak"

	// ModeRMS measures the root-mean-square sample value.
	ModeRMS Mode = "rms"
)

// Engine creates energy VAD sessions.
type Engine struct {
	mode Mode
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode selects the level measurement. Defaults to ModePeakToPeak.
func WithMode(m Mode) Option {
	return func(e *Engine) { e.mode = m }
}

// New returns an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{mode: ModePeakToPeak}
	for _, o := range opts {
		o(e)
	}
	switch e.mode {
	case ModePeakToPeak, ModeRMS:
	default:
		return nil, fmt.Errorf("energy: unknown mode %q", e.mode)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SilenceThreshold < 0 {
		return nil, fmt.Errorf("energy: silence threshold must be >= 0, got %v", cfg.SilenceThreshold)
	}
	return &session{mode: e.mode, threshold: cfg.SilenceThreshold}, nil
}

type session struct {
	mode      Mode
	threshold float64
	voiced    bool
	closed    bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}

	var level float64
	if s.mode == ModeRMS {
		level = audio.RMS(frame)
	} else {
		level = float64(audio.PeakToPeak(frame))
	}

	if level < s.threshold {
		s.voiced = false
		return vad.VADEvent{Type: vad.VADSilence, Level: level}, nil
	}
	if !s.voiced {
		s.voiced = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Level: level}, nil
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Level: level}, nil
}

func (s *session) Reset() { s.voiced = false }

func (s *session) Close() error {
	s.closed = true
	return nil
}
