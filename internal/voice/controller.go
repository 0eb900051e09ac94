package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/clovoice/internal/hardware"
	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
	"github.com/MrWong99/clovoice/pkg/provider/vad"
)

// Interrupts reports whether out-of-band work is waiting. *queue.Queue
// satisfies it.
type Interrupts interface {
	Pending() bool
}

// VoiceSource supplies the voice of the active character.
// *character.Manager satisfies it.
type VoiceSource interface {
	Voice() tts.VoiceProfile
}

// Player plays an encoded reply. *media.Pipeline satisfies it.
type Player interface {
	PlayBuffer(ctx context.Context, encoded []byte) error
}

// ControllerConfig holds the collaborators of a [Controller]. Device, STT,
// TTS, Voices and Player are required.
type ControllerConfig struct {
	Device audio.Device

	// InputDevice selects the microphone by name or index.
	InputDevice string

	Gate GateConfig

	// VAD overrides the frame classifier of the gate.
	VAD vad.Engine

	// Language is passed to the STT backend.
	Language string

	STT    stt.Provider
	TTS    tts.Provider
	Voices VoiceSource
	Player Player

	// Interrupts ends a capture early. Optional.
	Interrupts Interrupts

	// Indicator shows the phase. Optional.
	Indicator hardware.Indicator

	// Metrics records stage latencies. Optional.
	Metrics *observe.Metrics
}

// Controller drives one spoken exchange: record an utterance, transcribe it,
// synthesise the reply and play it. It is used by the main loop only.
type Controller struct {
	cfg  ControllerConfig
	gate *SilenceGate
	ind  hardware.Indicator
}

// NewController validates cfg and builds the capture gate.
func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Device == nil:
		return nil, errors.New("voice: Device must not be nil")
	case cfg.STT == nil:
		return nil, errors.New("voice: STT must not be nil")
	case cfg.TTS == nil:
		return nil, errors.New("voice: TTS must not be nil")
	case cfg.Voices == nil:
		return nil, errors.New("voice: Voices must not be nil")
	case cfg.Player == nil:
		return nil, errors.New("voice: Player must not be nil")
	}
	c := &Controller{cfg: cfg, ind: cfg.Indicator}
	if c.ind == nil {
		c.ind = hardware.Nop{}
	}

	opts := []GateOption{WithSpeechStart(func() { c.ind.Set(hardware.PhaseRecording) })}
	if cfg.VAD != nil {
		opts = append(opts, WithVAD(cfg.VAD))
	}
	gate, err := NewSilenceGate(cfg.Gate, opts...)
	if err != nil {
		return nil, err
	}
	c.gate = gate
	return c, nil
}

// Record opens the microphone and captures one utterance. The capture ends
// early when an interrupt is pending; the partial utterance is returned with
// Interrupted set.
func (c *Controller) Record(ctx context.Context) (audio.Utterance, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanRecord)
	defer span.End()

	gc := c.gate.Config()
	in, err := c.cfg.Device.OpenInput(ctx, audio.InputConfig{
		Device:     c.cfg.InputDevice,
		SampleRate: gc.SampleRate,
		Channels:   gc.Channels,
		FrameSize:  gc.FrameSize,
	})
	if err != nil {
		return audio.Utterance{}, &voiceerr.DeviceError{Op: "open input", Err: err}
	}
	defer in.Close()

	c.ind.Set(hardware.PhaseListening)
	if m := c.cfg.Metrics; m != nil {
		m.ActiveCaptures.Add(ctx, 1)
		defer m.ActiveCaptures.Add(ctx, -1)
	}

	var interrupted func() bool
	if c.cfg.Interrupts != nil {
		interrupted = c.cfg.Interrupts.Pending
	}
	start := time.Now()
	utt, err := c.gate.Capture(ctx, in, interrupted)
	c.record(ctx, captureLatency, start, err)
	c.ind.Set(hardware.PhaseIdle)

	span.SetAttributes(
		observe.AttrFrames.Int(len(utt.Frames)),
		observe.AttrInterrupted.Bool(utt.Interrupted),
	)
	return utt, err
}

// SpeechToText transcribes utt. It reports false for an empty utterance, an
// empty transcript or a backend failure; failures are logged.
func (c *Controller) SpeechToText(ctx context.Context, utt audio.Utterance) (string, bool) {
	if utt.Empty() {
		return "", false
	}
	ctx, span := observe.StartSpan(ctx, observe.SpanSTT)
	defer span.End()
	c.ind.Set(hardware.PhaseProcessing)

	start := time.Now()
	text, err := c.cfg.STT.Transcribe(ctx, utt.PCM(), stt.Config{
		SampleRate: utt.SampleRate,
		Channels:   utt.Channels,
		Language:   c.cfg.Language,
	})
	c.record(ctx, sttLatency, start, err)
	if err != nil {
		observe.Logger(ctx).Warn("voice: speech to text failed", "err", &voiceerr.BackendUnavailable{Backend: "stt", Err: err})
		return "", false
	}
	text = strings.TrimSpace(text)
	observe.Logger(ctx).Info("voice: heard", "text", text, "duration", utt.Duration())
	return text, text != ""
}

// TextToSpeech synthesises text with the active character's voice. It
// reports false on failure; failures are logged.
func (c *Controller) TextToSpeech(ctx context.Context, text string) ([]byte, bool) {
	ctx, span := observe.StartSpan(ctx, observe.SpanTTS)
	defer span.End()

	voice := c.cfg.Voices.Voice()
	span.SetAttributes(observe.AttrVoice.String(voice.ID))
	start := time.Now()
	data, err := c.cfg.TTS.Synthesize(ctx, text, voice)
	c.record(ctx, ttsLatency, start, err)
	if err != nil {
		observe.Logger(ctx).Warn("voice: text to speech failed", "err", &voiceerr.BackendUnavailable{Backend: "tts", Err: err})
		return nil, false
	}
	if len(data) == 0 {
		observe.Logger(ctx).Warn("voice: text to speech returned no audio", "voice", voice.ID)
		return nil, false
	}
	return data, true
}

// PlayAudio plays an encoded reply and blocks until the speaker is drained.
func (c *Controller) PlayAudio(ctx context.Context, encoded []byte) error {
	c.ind.Set(hardware.PhaseSpeaking)
	defer c.ind.Set(hardware.PhaseIdle)
	if err := c.cfg.Player.PlayBuffer(ctx, encoded); err != nil {
		return fmt.Errorf("voice: play: %w", err)
	}
	return nil
}

// Speak synthesises and plays text. A synthesis failure is not an error:
// the line is skipped.
func (c *Controller) Speak(ctx context.Context, text string) error {
	data, ok := c.TextToSpeech(ctx, text)
	if !ok {
		return nil
	}
	return c.PlayAudio(ctx, data)
}

// Stage latency histograms.
var (
	captureLatency = func(m *observe.Metrics) metric.Float64Histogram { return m.CaptureDuration }
	sttLatency     = func(m *observe.Metrics) metric.Float64Histogram { return m.STTDuration }
	ttsLatency     = func(m *observe.Metrics) metric.Float64Histogram { return m.TTSDuration }
)

func (c *Controller) record(ctx context.Context, hist func(*observe.Metrics) metric.Float64Histogram, start time.Time, err error) {
	if c.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	hist(c.cfg.Metrics).Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
