package media

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/clovoice/internal/voiceerr"
)

var errKilled = errors.New("fake: killed")

// fakeDecoder starts in-process converters that copy stdin to stdout
// unchanged, or through Transform when set.
type fakeDecoder struct {
	mu sync.Mutex

	// Transform, when set, buffers the whole input and emits its result.
	Transform func([]byte) []byte

	// ExitCode, when nonzero, makes Wait report a transcode failure.
	ExitCode int

	// StartErr is returned by Start.
	StartErr error

	starts []InputFormat
	procs  []*fakeProcess
}

var _ Decoder = (*fakeDecoder)(nil)

func (d *fakeDecoder) SampleRate() int { return 44100 }

func (d *fakeDecoder) Start(_ context.Context, in InputFormat) (Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts = append(d.starts, in)
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &fakeProcess{
		format: in,
		inR:    inR, inW: inW,
		outR: outR, outW: outW,
		exit: d.ExitCode,
		done: make(chan struct{}),
	}
	transform := d.Transform
	go func() {
		defer close(p.done)
		var err error
		if transform != nil {
			var data []byte
			if data, err = io.ReadAll(inR); err == nil {
				p.addFed(len(data))
				_, err = outW.Write(transform(data))
			}
		} else {
			var n int64
			n, err = io.Copy(outW, inR)
			p.addFed(int(n))
		}
		outW.CloseWithError(err)
	}()
	d.procs = append(d.procs, p)
	return p, nil
}

func (d *fakeDecoder) Starts() []InputFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]InputFormat(nil), d.starts...)
}

func (d *fakeDecoder) Proc(i int) *fakeProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.procs) {
		return nil
	}
	return d.procs[i]
}

type fakeProcess struct {
	format InputFormat
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	exit   int
	done   chan struct{}

	mu     sync.Mutex
	fed    int
	killed bool
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.inW }
func (p *fakeProcess) Stdout() io.Reader     { return p.outR }

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.inR.CloseWithError(errKilled)
	p.outR.CloseWithError(errKilled)
}

func (p *fakeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.killed:
		return &voiceerr.TranscodeError{Stage: "fake", ExitCode: -1, Err: errKilled}
	case p.exit != 0:
		return &voiceerr.TranscodeError{Stage: "fake", ExitCode: p.exit, Err: errors.New("exit status")}
	}
	return nil
}

func (p *fakeProcess) addFed(n int) {
	p.mu.Lock()
	p.fed += n
	p.mu.Unlock()
}

// Fed returns how many bytes reached the converter.
func (p *fakeProcess) Fed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fed
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
