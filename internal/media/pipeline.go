// Package media is the playback side of the voice pipeline: encoded audio
// (a synthesized WAV reply or a live compressed music stream) is decoded to
// PCM by an external converter process and drained to the speaker.
//
// Every playback is modelled as three typed stages run under one errgroup:
//
//	Source (encoded bytes) → Decode (converter process) → Sink (speaker)
//
// The first stage to fail cancels the others. The speaker is opened only once
// the first decoded chunk is available and is drained and closed before a
// playback call returns.
//
// After each buffer playback a fresh mono WAV converter is started in the
// background and left waiting on its stdin so the next reply starts without
// process start-up latency.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/audio"
)

// samplesPerChunk is the number of samples per channel moved from the
// converter to the speaker in one iteration.
const samplesPerChunk = 512

// VolumeSource supplies the live volume multiplier. It is read once per
// chunk so volume changes take effect mid-playback.
type VolumeSource interface {
	Factor() float64
}

// unityVolume is used when no VolumeSource is configured.
type unityVolume struct{}

func (unityVolume) Factor() float64 { return 1 }

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithVolume sets the live volume source.
func WithVolume(v VolumeSource) Option {
	return func(p *Pipeline) { p.volume = v }
}

// WithOutputDevice selects the speaker device name or index.
func WithOutputDevice(name string) Option {
	return func(p *Pipeline) { p.outDevice = name }
}

// WithMetrics records playback durations and transcode failures.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline plays encoded audio through a [Decoder] onto an [audio.Device].
// Playback calls are serialised: the speaker has one owner at a time.
type Pipeline struct {
	decoder   Decoder
	device    audio.Device
	outDevice string
	volume    VolumeSource
	metrics   *observe.Metrics

	// play serialises PlayBuffer and PlayStream.
	play sync.Mutex

	// baseCtx outlives individual calls; pre-warmed converters run under it.
	baseCtx context.Context
	cancel  context.CancelFunc

	warmMu  sync.Mutex
	warm    Process
	warming sync.WaitGroup
	closed  bool
}

// New creates a Pipeline. Call [Pipeline.Close] to kill any pre-warmed
// converter.
func New(dec Decoder, dev audio.Device, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		decoder: dec,
		device:  dev,
		volume:  unityVolume{},
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Warm starts the speculative mono converter if none is waiting. It returns
// immediately; the converter is started in the background.
func (p *Pipeline) Warm() {
	p.warmMu.Lock()
	defer p.warmMu.Unlock()
	if p.closed || p.warm != nil {
		return
	}
	p.warming.Add(1)
	go func() {
		defer p.warming.Done()
		proc, err := p.decoder.Start(p.baseCtx, InputFormat{Container: "wav", Channels: 1})
		if err != nil {
			slog.Warn("media: pre-warm converter failed", "err", err)
			return
		}
		p.warmMu.Lock()
		defer p.warmMu.Unlock()
		if p.closed || p.warm != nil {
			discard(proc)
			return
		}
		p.warm = proc
	}()
}

// takeWarm returns the pre-warmed converter, waiting for one that is still
// starting. It returns nil when none is available.
func (p *Pipeline) takeWarm() Process {
	p.warming.Wait()
	p.warmMu.Lock()
	defer p.warmMu.Unlock()
	proc := p.warm
	p.warm = nil
	return proc
}

// PlayBuffer decodes encoded (normally a WAV container) and plays it. The
// channel count is read from the WAV header: mono input uses the pre-warmed
// converter when available, multi-channel input always gets a fresh
// converter sized to its channel count and leaves the pre-warmed one in
// place. Input without a WAV header is probed by the converter and played
// as mono.
//
// PlayBuffer returns after the speaker has been drained and closed. A
// converter failure is returned as [voiceerr.TranscodeError] and a speaker
// failure as [voiceerr.DeviceError]; neither is retried.
func (p *Pipeline) PlayBuffer(ctx context.Context, encoded []byte) error {
	if len(encoded) == 0 {
		return nil
	}
	p.play.Lock()
	defer p.play.Unlock()

	start := time.Now()
	in := InputFormat{Container: "wav", Channels: 1}
	if hdr, err := audio.ReadWAVHeader(encoded); err == nil {
		in.Channels = max(hdr.Channels, 1)
	} else {
		slog.Debug("media: input is not wav, probing", "err", err)
		in.Container = ""
	}

	var proc Process
	if in.Container == "wav" && in.Channels == 1 {
		proc = p.takeWarm()
	}
	if proc == nil {
		var err error
		if proc, err = p.decoder.Start(p.baseCtx, in); err != nil {
			p.recordTranscodeError(ctx, err)
			return fmt.Errorf("media: start converter: %w", err)
		}
	}

	slog.Debug("media: playing buffer", "bytes", len(encoded), "channels", in.Channels)
	err := p.run(ctx, bytes.NewReader(encoded), proc, in.Channels, 1, nil)

	p.Warm()
	p.recordPlayback(ctx, "buffer", start, err)
	return err
}

// StreamOptions configures [Pipeline.PlayStream].
type StreamOptions struct {
	// Container of the compressed stream, e.g. "m4a". Empty lets the
	// converter probe the input.
	Container string

	// Channels of the output. Default: 1.
	Channels int

	// Gain is applied on top of the live volume. Default: 1.
	Gain float64

	// Stop ends playback early when raised, also when it was raised before
	// playback started. It is lowered when playback ends because of it.
	Stop *StopFlag
}

// PlayStream decodes a live compressed stream and plays it until the stream
// ends, ctx is cancelled or opts.Stop is raised. Stopping is not an error.
func (p *Pipeline) PlayStream(ctx context.Context, src io.Reader, opts StreamOptions) error {
	p.play.Lock()
	defer p.play.Unlock()

	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Gain == 0 {
		opts.Gain = 1
	}
	start := time.Now()
	proc, err := p.decoder.Start(ctx, InputFormat{Container: opts.Container, Channels: opts.Channels})
	if err != nil {
		p.recordTranscodeError(ctx, err)
		return fmt.Errorf("media: start converter: %w", err)
	}
	err = p.run(ctx, src, proc, opts.Channels, opts.Gain, opts.Stop)
	if opts.Stop.Take() {
		slog.Info("media: stream stopped")
	}
	p.recordPlayback(ctx, "stream", start, err)
	return err
}

// run wires src → proc → speaker and blocks until all stages finished.
func (p *Pipeline) run(ctx context.Context, src io.Reader, proc Process, channels int, gain float64, stop *StopFlag) error {
	g, gctx := errgroup.WithContext(ctx)
	stopKill := context.AfterFunc(gctx, proc.Kill)
	defer stopKill()

	// halted is set when the sink stopped on purpose; the source then treats
	// a broken stdin pipe as expected.
	var halted atomic.Bool

	// Source stage.
	g.Go(func() error {
		stdin := proc.Stdin()
		defer stdin.Close()
		buf := make([]byte, samplesPerChunk*2*channels)
		for {
			if stop.Stopped() {
				return nil
			}
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := stdin.Write(buf[:n]); werr != nil {
					if halted.Load() || gctx.Err() != nil {
						return nil
					}
					return &voiceerr.TranscodeError{Stage: "feed", ExitCode: -1, Err: werr}
				}
			}
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if rerr != nil {
				if halted.Load() || gctx.Err() != nil {
					return nil
				}
				return &voiceerr.TranscodeError{Stage: "source", ExitCode: -1, Err: rerr}
			}
		}
	})

	// Decode + sink stages. Wait must follow the stdout drain.
	g.Go(func() error {
		stopped, sinkErr := p.drain(gctx, proc.Stdout(), channels, gain, stop)
		if sinkErr != nil || stopped {
			halted.Store(true)
			proc.Kill()
			if c, ok := src.(io.Closer); ok {
				_ = c.Close()
			}
		}
		waitErr := proc.Wait()
		switch {
		case sinkErr != nil:
			return sinkErr
		case stopped:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case gctx.Err() != nil:
			// The source failed first and its error is what the group returns.
			return nil
		case waitErr != nil:
			return waitErr
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		p.recordTranscodeError(ctx, err)
	}
	return err
}

// drain reads PCM from r, scales it and writes it to a lazily opened speaker.
// It reports stopped when the stop flag ended playback.
func (p *Pipeline) drain(ctx context.Context, r io.Reader, channels int, gain float64, stop *StopFlag) (stopped bool, err error) {
	var out audio.OutputStream
	defer func() {
		if out == nil {
			return
		}
		if cerr := out.Close(); cerr != nil && err == nil {
			err = &voiceerr.DeviceError{Op: "close output", Err: cerr}
		}
	}()

	buf := make([]byte, samplesPerChunk*2*channels)
	for {
		if stop.Stopped() {
			return true, nil
		}
		n, rerr := io.ReadFull(r, buf)
		if n -= n % 2; n > 0 {
			if out == nil {
				out, err = p.device.OpenOutput(ctx, audio.OutputConfig{
					Device:     p.outDevice,
					SampleRate: p.decoder.SampleRate(),
					Channels:   channels,
				})
				if err != nil {
					out = nil
					return false, &voiceerr.DeviceError{Op: "open output", Err: err}
				}
			}
			pcm := audio.ScaleVolume(buf[:n], p.volume.Factor()*gain)
			if werr := out.Write(pcm); werr != nil {
				return false, &voiceerr.DeviceError{Op: "write", Err: werr}
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return false, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			return false, &voiceerr.TranscodeError{Stage: "drain", ExitCode: -1, Err: rerr}
		}
	}
}

// Close kills the pre-warmed converter and prevents new ones from being
// started. Playback calls already in progress are not interrupted.
func (p *Pipeline) Close() error {
	p.warmMu.Lock()
	p.closed = true
	p.warmMu.Unlock()

	p.warming.Wait()

	p.warmMu.Lock()
	proc := p.warm
	p.warm = nil
	p.warmMu.Unlock()

	if proc != nil {
		discard(proc)
	}
	p.cancel()
	return nil
}

// discard kills proc and reaps it.
func discard(proc Process) {
	proc.Kill()
	_ = proc.Stdin().Close()
	_, _ = io.Copy(io.Discard, proc.Stdout())
	_ = proc.Wait()
}

func (p *Pipeline) recordPlayback(ctx context.Context, kind string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	if err == nil {
		p.metrics.RecordPlayback(ctx, kind, time.Since(start).Seconds())
	}
}

func (p *Pipeline) recordTranscodeError(ctx context.Context, err error) {
	var te *voiceerr.TranscodeError
	if !errors.As(err, &te) {
		return
	}
	slog.Warn("media: transcode failed", "stage", te.Stage, "exit", te.ExitCode, "err", te.Err)
	if p.metrics != nil {
		p.metrics.RecordTranscodeError(ctx, te.Stage)
	}
}
