// Package null implements a silent [audio.Device] for machines without a
// sound card. Input streams deliver silent frames and output streams discard
// PCM; both run at the real-time pace of their sample rate so the capture
// and playback loops behave as they would on hardware.
//
// With the null backend the assistant is driven through the remote control
// plane only.
package null

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/clovoice/pkg/audio"
)

var _ audio.Device = Device{}

var errClosed = errors.New("null: stream closed")

// Device is the silent device.
type Device struct{}

// OpenInput implements [audio.Device].
func (Device) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("null: invalid input config %+v", cfg)
	}
	period := time.Duration(cfg.FrameSize) * time.Second / time.Duration(cfg.SampleRate)
	return &input{
		frame:  make([]byte, cfg.FrameSize*cfg.Channels*2),
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}, nil
}

// OpenOutput implements [audio.Device].
func (Device) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("null: invalid output config %+v", cfg)
	}
	return &output{bytesPerSecond: cfg.SampleRate * cfg.Channels * 2, start: time.Now()}, nil
}

type input struct {
	frame  []byte
	ticker *time.Ticker

	once sync.Once
	done chan struct{}
}

func (s *input) Read() ([]byte, error) {
	select {
	case <-s.done:
		return nil, errClosed
	case <-s.ticker.C:
		return make([]byte, len(s.frame)), nil
	}
}

func (s *input) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

// output accounts for the played duration and sleeps it off on Close.
type output struct {
	mu             sync.Mutex
	bytesPerSecond int
	written        int
	start          time.Time
	closed         bool
}

func (s *output) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.written += len(pcm)
	return nil
}

func (s *output) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	played := time.Duration(s.written) * time.Second / time.Duration(s.bytesPerSecond)
	remaining := played - time.Since(s.start)
	s.mu.Unlock()

	if remaining > 0 {
		time.Sleep(remaining)
	}
	return nil
}
