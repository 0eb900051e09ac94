// Package portaudio implements [audio.Device] on top of PortAudio blocking
// streams. It requires the PortAudio shared library at runtime (cgo).
//
// Devices are selected by name, by numeric index, or by the empty string /
// "default" for the host API default:
//
//	dev, err := portaudio.New()
//	defer dev.Close()
//	in, err := dev.OpenInput(ctx, audio.InputConfig{SampleRate: 16000, Channels: 1, FrameSize: 1600})
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/clovoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// defaultOutputFrames is the output buffer size in samples per channel.
const defaultOutputFrames = 512

// Device is a PortAudio-backed [audio.Device]. Create it with [New] and
// release it with [Device.Close] once no stream is open any more.
type Device struct {
	mu     sync.Mutex
	closed bool
}

// New initialises the PortAudio library.
func New() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// Close terminates the PortAudio library. Streams still open become invalid.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return pa.Terminate()
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid input config %+v", cfg)
	}
	info, err := findDevice(cfg.Device, true)
	if err != nil {
		return nil, err
	}

	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	params := pa.HighLatencyParameters(info, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", info.Name, err)
	}
	return &inputStream{stream: stream, buf: buf}, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("portaudio: invalid output config %+v", cfg)
	}
	info, err := findDevice(cfg.Device, false)
	if err != nil {
		return nil, err
	}

	buf := make([]int16, defaultOutputFrames*cfg.Channels)
	params := pa.HighLatencyParameters(nil, info)
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = defaultOutputFrames

	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", info.Name, err)
	}
	return &outputStream{stream: stream, buf: buf}, nil
}

// findDevice resolves name to a device. Numeric names are treated as
// PortAudio device indices.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" || name == "default" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	idx, numErr := strconv.Atoi(name)
	for _, dev := range devices {
		if numErr == nil && dev.Index != idx {
			continue
		}
		if numErr != nil && dev.Name != name {
			continue
		}
		if input && dev.MaxInputChannels == 0 || !input && dev.MaxOutputChannels == 0 {
			return nil, fmt.Errorf("portaudio: device %q has no %s channels", dev.Name, direction(input))
		}
		return dev, nil
	}
	return nil, fmt.Errorf("portaudio: %s device %q not found", direction(input), name)
}

func direction(input bool) string {
	if input {
		return "input"
	}
	return "output"
}

// ─── streams ──────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *pa.Stream
	buf    []int16
	once   sync.Once
}

func (s *inputStream) Read() ([]byte, error) {
	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return nil, fmt.Errorf("portaudio: read: %w", err)
	}
	out := make([]byte, len(s.buf)*2)
	for i, v := range s.buf {
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out, nil
}

func (s *inputStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return err
}

type outputStream struct {
	stream *pa.Stream
	buf    []int16
	once   sync.Once
}

// Write copies pcm into the fixed-size stream buffer, zero-padding the final
// partial buffer.
func (s *outputStream) Write(pcm []byte) error {
	samples := len(pcm) / 2
	for off := 0; off < samples; off += len(s.buf) {
		n := copy16(s.buf, pcm[off*2:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops the stream; Pa_StopStream returns once pending buffers played.
func (s *outputStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return err
}

func copy16(dst []int16, pcm []byte) int {
	n := min(len(dst), len(pcm)/2)
	for i := range n {
		dst[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return n
}
