package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVHeader describes the format chunk of a RIFF/WAVE container.
type WAVHeader struct {
	Channels   int
	SampleRate int
	BitDepth   int
}

// ReadWAVHeader parses the format chunk of an in-memory WAV file. It returns
// an error if data is not a valid RIFF/WAVE container.
func ReadWAVHeader(data []byte) (WAVHeader, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return WAVHeader{}, fmt.Errorf("audio: read wav header: %w", err)
	}
	if !d.IsValidFile() {
		return WAVHeader{}, errors.New("audio: not a valid wav file")
	}
	return WAVHeader{
		Channels:   int(d.NumChans),
		SampleRate: int(d.SampleRate),
		BitDepth:   int(d.BitDepth),
	}, nil
}

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid wav format %s", formatString(sampleRate, channels))
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}

	ws := &seekBuffer{}
	enc := wav.NewEncoder(ws, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalise wav: %w", err)
	}
	return ws.buf, nil
}

// PCMToFloat32 converts 16-bit little-endian PCM to float32 samples
// normalised to [-1.0, 1.0]. Multi-channel input is mixed down to mono first.
func PCMToFloat32(pcm []byte, channels int) []float32 {
	if channels > 1 {
		pcm = Downmix(pcm, channels)
	}
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(uint16(pcm[i*2])|uint16(pcm[i*2+1])<<8)) / 32768.0
	}
	return out
}

// seekBuffer is an in-memory io.WriteSeeker. The wav encoder seeks back to
// patch chunk sizes once all samples are written.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		if end > cap(s.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, s.buf)
			s.buf = grown
		} else {
			s.buf = s.buf[:end]
		}
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(s.pos) + offset
	case io.SeekEnd:
		abs = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: negative position")
	}
	s.pos = int(abs)
	return abs, nil
}
