package hardware

import (
	"log/slog"
	"sync"
)

// Phase is the state shown by the status light.
type Phase int

const (
	PhaseOff Phase = iota
	PhaseIdle
	PhaseListening
	PhaseRecording
	PhaseProcessing
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseOff:
		return "off"
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseRecording:
		return "recording"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Indicator shows the assistant's phase to the user.
type Indicator interface {
	Set(p Phase)
}

// NewIndicator returns the indicator named by kind: "log" or "none".
func NewIndicator(kind string) Indicator {
	if kind == "none" {
		return Nop{}
	}
	return &LogIndicator{}
}

// Nop ignores every phase.
type Nop struct{}

func (Nop) Set(Phase) {}

// LogIndicator logs phase transitions. Repeated phases are not logged.
type LogIndicator struct {
	mu   sync.Mutex
	last Phase
	set  bool
}

var _ Indicator = (*LogIndicator)(nil)

// Set implements [Indicator].
func (l *LogIndicator) Set(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set && l.last == p {
		return
	}
	l.last, l.set = p, true
	slog.Debug("hardware: indicator", "phase", p.String())
}

// Phase returns the last phase set.
func (l *LogIndicator) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
