package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/vad"
	"github.com/MrWong99/clovoice/pkg/provider/vad/energy"
)

// GateConfig holds the endpointing parameters of a [SilenceGate].
type GateConfig struct {
	// SampleRate of the captured frames in Hz.
	SampleRate int

	// Channels of the captured frames.
	Channels int

	// FrameSize is the number of samples per frame (per channel).
	FrameSize int

	// SilenceThreshold is the peak-to-peak amplitude below which a frame is
	// considered silent.
	SilenceThreshold int

	// TerminationSilenceMs is how long silence must last after speech started
	// before the utterance is considered complete.
	TerminationSilenceMs int
}

// MaxSilentFrames returns the number of consecutive silent frames that end
// an utterance: ceil(TerminationSilenceMs * SampleRate / 1000 / FrameSize),
// never less than one.
func (c GateConfig) MaxSilentFrames() int {
	if c.SampleRate <= 0 || c.FrameSize <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(c.TerminationSilenceMs) * float64(c.SampleRate) / 1000 / float64(c.FrameSize)))
	return max(n, 1)
}

// GateOption is a functional option for [NewSilenceGate].
type GateOption func(*SilenceGate)

// WithVAD overrides the frame classifier. The default is the peak-to-peak
// energy engine.
func WithVAD(e vad.Engine) GateOption {
	return func(g *SilenceGate) { g.vad = e }
}

// WithSpeechStart registers a callback invoked once per capture when the
// first voiced frame is seen.
func WithSpeechStart(fn func()) GateOption {
	return func(g *SilenceGate) { g.onSpeechStart = fn }
}

// SilenceGate turns a live frame stream into one bounded [audio.Utterance]
// using per-frame peak-to-peak amplitude as the voice-activity signal.
//
// A SilenceGate holds no per-capture state and may be reused; concurrent
// captures are the caller's responsibility to prevent.
type SilenceGate struct {
	cfg           GateConfig
	vad           vad.Engine
	onSpeechStart func()
}

// NewSilenceGate creates a gate for the given configuration.
func NewSilenceGate(cfg GateConfig, opts ...GateOption) (*SilenceGate, error) {
	if cfg.SilenceThreshold < 0 {
		return nil, fmt.Errorf("voice: silence threshold must be >= 0, got %d", cfg.SilenceThreshold)
	}
	if cfg.TerminationSilenceMs < 0 {
		return nil, fmt.Errorf("voice: termination silence must be >= 0, got %d", cfg.TerminationSilenceMs)
	}
	g := &SilenceGate{cfg: cfg}
	for _, o := range opts {
		o(g)
	}
	if g.vad == nil {
		e, err := energy.New()
		if err != nil {
			return nil, fmt.Errorf("voice: create energy vad: %w", err)
		}
		g.vad = e
	}
	return g, nil
}

// Config returns the gate's configuration.
func (g *SilenceGate) Config() GateConfig { return g.cfg }

// Capture reads frames from src until an utterance is complete and returns
// it.
//
// The first frame is always discarded because opening the device tends to
// produce a click. Voiced frames start and extend the utterance; silent
// frames between voiced frames are kept, trailing silent frames are not.
// Capture ends after [GateConfig.MaxSilentFrames] consecutive silent frames
// once speech has started.
//
// interrupted is polled before every frame read. When it reports true the
// utterance is returned with Interrupted set and the audio read so far
// appended: the silent gap after speech, or the last frame read when speech
// had not started.
//
// A session that stays silent throughout yields an empty utterance. Read
// failures are returned as [voiceerr.DeviceError] and are not retried.
func (g *SilenceGate) Capture(ctx context.Context, src audio.InputStream, interrupted func() bool) (audio.Utterance, error) {
	utt := audio.Utterance{SampleRate: g.cfg.SampleRate, Channels: g.cfg.Channels}

	sess, err := g.vad.NewSession(vad.Config{
		SampleRate:       g.cfg.SampleRate,
		Channels:         g.cfg.Channels,
		SilenceThreshold: float64(g.cfg.SilenceThreshold),
	})
	if err != nil {
		return utt, fmt.Errorf("voice: start vad session: %w", err)
	}
	defer sess.Close()

	if _, err := src.Read(); err != nil {
		return utt, &voiceerr.DeviceError{Op: "read", Err: err}
	}

	maxSilent := g.cfg.MaxSilentFrames()
	var (
		recording bool
		silent    int
		pending   [][]byte // silent frames not yet known to be inside the utterance
		last      []byte
		minLevel  = math.MaxFloat64
		maxLevel  float64
	)

	for {
		if err := ctx.Err(); err != nil {
			return utt, err
		}
		if interrupted != nil && interrupted() {
			if recording {
				utt.Frames = append(utt.Frames, pending...)
			} else if last != nil {
				utt.Frames = append(utt.Frames, last)
			}
			utt.Interrupted = true
			slog.Debug("voice: capture interrupted", "frames", len(utt.Frames))
			return utt, nil
		}

		frame, err := src.Read()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return utt, err
			}
			return utt, &voiceerr.DeviceError{Op: "read", Err: err}
		}
		last = frame

		ev, err := sess.ProcessFrame(frame)
		if err != nil {
			return utt, fmt.Errorf("voice: classify frame: %w", err)
		}
		minLevel = min(minLevel, ev.Level)
		maxLevel = max(maxLevel, ev.Level)

		if !ev.Voiced() {
			silent++
			if !recording {
				continue
			}
			if silent >= maxSilent {
				slog.Debug("voice: capture complete",
					"frames", len(utt.Frames),
					"level_min", minLevel,
					"level_max", maxLevel,
				)
				return utt, nil
			}
			pending = append(pending, frame)
			continue
		}

		silent = 0
		if !recording {
			recording = true
			slog.Debug("voice: speech started", "level", ev.Level)
			if g.onSpeechStart != nil {
				g.onSpeechStart()
			}
		}
		utt.Frames = append(utt.Frames, pending...)
		pending = pending[:0]
		utt.Frames = append(utt.Frames, frame)
	}
}
