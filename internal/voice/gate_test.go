package voice_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/MrWong99/clovoice/internal/voice"
	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/audio/mock"
	"github.com/MrWong99/clovoice/pkg/provider/vad"
	vadmock "github.com/MrWong99/clovoice/pkg/provider/vad/mock"
)

// testFrame returns a 4-sample frame whose peak-to-peak amplitude is 2*amp.
// The id is stored in the first sample so frames can be told apart.
func testFrame(id int16, amp int16) []byte {
	samples := []int16{id, amp, -amp, 0}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func newGate(t *testing.T, threshold int, opts ...voice.GateOption) *voice.SilenceGate {
	t.Helper()
	// 16000 Hz, 1600-sample frames, 300 ms → 3 silent frames end an utterance.
	g, err := voice.NewSilenceGate(voice.GateConfig{
		SampleRate:           16000,
		Channels:             1,
		FrameSize:            1600,
		SilenceThreshold:     threshold,
		TerminationSilenceMs: 300,
	}, opts...)
	if err != nil {
		t.Fatalf("NewSilenceGate: %v", err)
	}
	return g
}

func TestGateConfig_MaxSilentFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  voice.GateConfig
		want int
	}{
		{"exact", voice.GateConfig{SampleRate: 16000, FrameSize: 1600, TerminationSilenceMs: 300}, 3},
		{"rounds up", voice.GateConfig{SampleRate: 16000, FrameSize: 1600, TerminationSilenceMs: 250}, 3},
		{"default device", voice.GateConfig{SampleRate: 16000, FrameSize: 1024, TerminationSilenceMs: 1000}, 16},
		{"zero duration", voice.GateConfig{SampleRate: 16000, FrameSize: 1600}, 1},
		{"invalid", voice.GateConfig{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.MaxSilentFrames(); got != tt.want {
				t.Errorf("MaxSilentFrames() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCapture_AllSilenceIsEmpty(t *testing.T) {
	t.Parallel()

	for _, threshold := range []int{1, 100, 1000, 30000} {
		in := &mock.InputStream{}
		// Loud first frame is discarded; the rest stay below the threshold.
		in.Frames = append(in.Frames, testFrame(0, 20000))
		amp := int16((threshold - 1) / 2)
		for range 20 {
			in.Frames = append(in.Frames, testFrame(0, amp))
		}
		in.ExhaustedErr = io.EOF

		g := newGate(t, threshold)
		stop := 0
		utt, err := g.Capture(context.Background(), in, func() bool {
			stop++
			return stop > len(in.Frames)-1
		})
		if err != nil {
			t.Fatalf("threshold %d: Capture: %v", threshold, err)
		}
		if !utt.Empty() {
			t.Errorf("threshold %d: got %d frames, want empty", threshold, len(utt.Frames))
		}
	}
}

func TestCapture_ReturnsVoicedSpan(t *testing.T) {
	t.Parallel()

	const threshold = 1000
	loud, quiet := int16(2000), int16(10)

	in := &mock.InputStream{Frames: [][]byte{
		testFrame(0, loud), // discarded
		testFrame(1, quiet),
		testFrame(2, quiet),
		testFrame(3, loud), // first voiced
		testFrame(4, loud),
		testFrame(5, quiet), // short pause inside speech
		testFrame(6, loud), // last voiced
		testFrame(7, quiet),
		testFrame(8, quiet),
		testFrame(9, quiet), // third silent frame terminates
		testFrame(10, loud),
	}}

	starts := 0
	g := newGate(t, threshold, voice.WithSpeechStart(func() { starts++ }))
	utt, err := g.Capture(context.Background(), in, func() bool { return false })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	want := [][]byte{in.Frames[3], in.Frames[4], in.Frames[5], in.Frames[6]}
	if len(utt.Frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(utt.Frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(utt.Frames[i], want[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}
	if utt.Interrupted {
		t.Error("Interrupted = true")
	}
	if starts != 1 {
		t.Errorf("speech start callbacks = %d, want 1", starts)
	}
	if in.CallCountRead != 10 {
		t.Errorf("reads = %d, want 10", in.CallCountRead)
	}
	if utt.SampleRate != 16000 || utt.Channels != 1 {
		t.Errorf("format = %d Hz/%d ch", utt.SampleRate, utt.Channels)
	}
}

func TestCapture_FirstFrameDiscarded(t *testing.T) {
	t.Parallel()

	in := &mock.InputStream{Frames: [][]byte{
		testFrame(0, 5000),
		testFrame(1, 0),
		testFrame(2, 0),
		testFrame(3, 0),
		testFrame(4, 0),
	}}
	reads := 0
	in.OnRead = func(int) { reads++ }

	g := newGate(t, 100)
	utt, err := g.Capture(context.Background(), in, func() bool { return reads >= len(in.Frames) })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !utt.Interrupted {
		t.Fatal("expected interrupt to end capture")
	}
	for _, f := range utt.Frames {
		if bytes.Equal(f, in.Frames[0]) {
			t.Error("discarded first frame appears in utterance")
		}
	}
}

func TestCapture_InterruptAppendsCurrentFrame(t *testing.T) {
	t.Parallel()

	in := &mock.InputStream{Frames: [][]byte{
		testFrame(0, 0),
		testFrame(1, 3000),
		testFrame(2, 0),
		testFrame(3, 3000),
	}}
	pending := false
	in.OnRead = func(i int) {
		if i == 2 {
			pending = true
		}
	}

	g := newGate(t, 1000)
	utt, err := g.Capture(context.Background(), in, func() bool { return pending })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !utt.Interrupted {
		t.Fatal("Interrupted = false")
	}
	want := [][]byte{in.Frames[1], in.Frames[2]}
	if len(utt.Frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(utt.Frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(utt.Frames[i], want[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}
	if in.CallCountRead != 3 {
		t.Errorf("reads = %d, want 3", in.CallCountRead)
	}
}

func TestCapture_InterruptKeepsAudioReadSoFar(t *testing.T) {
	t.Parallel()

	frames := [][]byte{
		testFrame(0, 0),
		testFrame(1, 0),
		testFrame(2, 3000),
		testFrame(3, 0),
		testFrame(4, 0),
		testFrame(5, 3000),
	}
	tests := []struct {
		name      string
		afterRead int
		want      []int
	}{
		{name: "before speech", afterRead: 1, want: []int{1}},
		{name: "right after voiced frame", afterRead: 2, want: []int{2}},
		{name: "inside silent gap", afterRead: 4, want: []int{2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := &mock.InputStream{Frames: frames}
			pending := false
			in.OnRead = func(i int) {
				if i == tt.afterRead {
					pending = true
				}
			}

			utt, err := newGate(t, 1000).Capture(context.Background(), in, func() bool { return pending })
			if err != nil {
				t.Fatalf("Capture: %v", err)
			}
			if !utt.Interrupted {
				t.Fatal("Interrupted = false")
			}
			if len(utt.Frames) != len(tt.want) {
				t.Fatalf("got %d frames, want %d", len(utt.Frames), len(tt.want))
			}
			for i, idx := range tt.want {
				if !bytes.Equal(utt.Frames[i], frames[idx]) {
					t.Errorf("frame %d is not input frame %d", i, idx)
				}
			}
		})
	}
}

func TestCapture_InterruptBeforeAnyFrame(t *testing.T) {
	t.Parallel()

	in := &mock.InputStream{Frames: [][]byte{testFrame(0, 0), testFrame(1, 3000)}}
	g := newGate(t, 1000)
	utt, err := g.Capture(context.Background(), in, func() bool { return true })
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !utt.Interrupted || !utt.Empty() {
		t.Errorf("got interrupted=%v frames=%d, want interrupted empty", utt.Interrupted, len(utt.Frames))
	}
}

func TestCapture_ReadErrorIsDeviceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		at   int
	}{
		{"first frame", 0},
		{"mid capture", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := &mock.InputStream{
				Frames:    [][]byte{testFrame(0, 0), testFrame(1, 3000), testFrame(2, 3000)},
				ReadErr:   errors.New("overrun"),
				ReadErrAt: tt.at,
			}
			g := newGate(t, 1000)
			_, err := g.Capture(context.Background(), in, nil)
			if !errors.Is(err, voiceerr.ErrDevice) {
				t.Fatalf("err = %v, want DeviceError", err)
			}
			if !voiceerr.Fatal(err) {
				t.Error("device error not fatal")
			}
			if in.CallCountRead != tt.at+1 {
				t.Errorf("reads = %d, want %d (no retry)", in.CallCountRead, tt.at+1)
			}
		})
	}
}

func TestCapture_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	in := &mock.InputStream{Frames: [][]byte{testFrame(0, 0), testFrame(1, 0), testFrame(2, 0)}}
	in.OnRead = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	g := newGate(t, 1000)
	_, err := g.Capture(ctx, in, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewSilenceGate_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := voice.NewSilenceGate(voice.GateConfig{SilenceThreshold: -1}); err == nil {
		t.Error("expected error for negative threshold")
	}
	if _, err := voice.NewSilenceGate(voice.GateConfig{TerminationSilenceMs: -5}); err == nil {
		t.Error("expected error for negative termination silence")
	}
}

func TestCapture_CustomVAD(t *testing.T) {
	t.Parallel()

	// Every frame has the same level; only the engine decides what is speech.
	in := &mock.InputStream{Frames: [][]byte{
		testFrame(0, 5), testFrame(1, 5), testFrame(2, 5), testFrame(3, 5),
		testFrame(4, 5), testFrame(5, 5), testFrame(6, 5),
	}}
	sess := &vadmock.Session{
		Events: []vad.VADEvent{
			{Type: vad.VADSilence},
			{Type: vad.VADSpeechStart},
			{Type: vad.VADSpeechContinue},
		},
		EventResult: vad.VADEvent{Type: vad.VADSilence},
	}
	eng := &vadmock.Engine{Session: sess}

	utt, err := newGate(t, 1000, voice.WithVAD(eng)).Capture(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(utt.Frames) != 2 || !bytes.Equal(utt.Frames[0], in.Frames[2]) || !bytes.Equal(utt.Frames[1], in.Frames[3]) {
		t.Errorf("frames = %v", utt.Frames)
	}
	if len(eng.NewSessionCalls) != 1 || eng.NewSessionCalls[0].Cfg.SilenceThreshold != 1000 {
		t.Errorf("sessions = %+v", eng.NewSessionCalls)
	}
	if len(sess.ProcessFrameCalls) != 6 || sess.CloseCallCount != 1 {
		t.Errorf("classified %d frames, closed %d times", len(sess.ProcessFrameCalls), sess.CloseCallCount)
	}
}

func TestCapture_VADFailure(t *testing.T) {
	t.Parallel()
	in := &mock.InputStream{Frames: [][]byte{testFrame(0, 5), testFrame(1, 5)}}

	eng := &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	if _, err := newGate(t, 1000, voice.WithVAD(eng)).Capture(context.Background(), in, nil); err == nil {
		t.Error("session failure not reported")
	}

	eng = &vadmock.Engine{Session: &vadmock.Session{ProcessFrameErr: errors.New("bad frame")}}
	_, err := newGate(t, 1000, voice.WithVAD(eng)).Capture(context.Background(), in, nil)
	if err == nil || errors.Is(err, voiceerr.ErrDevice) {
		t.Errorf("err = %v, want a non-device error", err)
	}
}
