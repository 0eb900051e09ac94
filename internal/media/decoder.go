package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/clovoice/internal/voiceerr"
)

// InputFormat describes what a decode stage is fed and how many output
// channels it produces.
type InputFormat struct {
	// Container is the demuxer name passed to the converter ("wav", "m4a").
	// Empty lets the converter probe the input.
	Container string

	// Channels of the produced PCM. The output sample rate is fixed per
	// decoder.
	Channels int
}

// Process is a running decode stage: encoded bytes go into Stdin, raw 16-bit
// little-endian PCM comes out of Stdout.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Wait blocks until the process exits. It must only be called after
	// Stdout has been read to EOF or the process was killed. A nonzero exit
	// is reported as a [voiceerr.TranscodeError].
	Wait() error

	// Kill terminates the process. Safe to call more than once and after
	// exit.
	Kill()
}

// Decoder starts decode stages.
type Decoder interface {
	Start(ctx context.Context, in InputFormat) (Process, error)

	// SampleRate is the rate of the PCM produced by every started process.
	SampleRate() int
}

// FFmpeg is a [Decoder] that runs the ffmpeg binary with pipe:0 → pipe:1.
type FFmpeg struct {
	// Path of the ffmpeg executable. Default: "ffmpeg".
	Path string

	// Rate is the output sample rate. Default: 44100.
	Rate int
}

var _ Decoder = (*FFmpeg)(nil)

// SampleRate implements [Decoder].
func (f *FFmpeg) SampleRate() int {
	if f.Rate <= 0 {
		return 44100
	}
	return f.Rate
}

// Args returns the command-line arguments for the given input format.
func (f *FFmpeg) Args(in InputFormat) []string {
	ch := in.Channels
	if ch <= 0 {
		ch = 1
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if in.Container != "" {
		args = append(args, "-f", in.Container)
	}
	return append(args,
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate()),
		"-ac", strconv.Itoa(ch),
		"pipe:1",
	)
}

// Start implements [Decoder]. The process lives until its stdin is closed
// and its output drained, ctx is cancelled, or Kill is called.
func (f *FFmpeg) Start(ctx context.Context, in InputFormat) (Process, error) {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, path, f.Args(in)...)
	return startCmd("ffmpeg", cmd)
}

// startCmd starts cmd with piped stdin/stdout and a bounded stderr capture.
func startCmd(stage string, cmd *exec.Cmd) (*cmdProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("media: %s stdin pipe: %w", stage, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("media: %s stdout pipe: %w", stage, err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, &voiceerr.TranscodeError{Stage: stage, ExitCode: -1, Err: err}
	}
	return &cmdProcess{stage: stage, cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// cmdProcess adapts an [exec.Cmd] to [Process].
type cmdProcess struct {
	stage  string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cmdProcess) Stdout() io.Reader     { return p.stdout }

func (p *cmdProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *cmdProcess) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.waitErr = &voiceerr.TranscodeError{
			Stage:    p.stage,
			ExitCode: code,
			Stderr:   p.stderr.String(),
			Err:      err,
		}
	})
	return p.waitErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if extra := b.buf.Len() - b.max; extra > 0 {
		b.buf.Next(extra)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
