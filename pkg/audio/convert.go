package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// FormatConverter converts PCM buffers to a target format. It logs a warning
// on the first format mismatch so that a misconfigured microphone shows up in
// the logs once rather than on every utterance.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm converted from src to the target format. If the formats
// already match the input is returned unchanged. Channels are mixed down
// before resampling so that multi-channel captures are resampled only once.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, truncating",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		pcm = pcm[:len(pcm)-1]
	}
	if src == c.Target || src.SampleRate <= 0 || src.Channels <= 0 {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	channels := src.Channels
	if channels != 1 && c.Target.Channels == 1 {
		pcm = Downmix(pcm, channels)
		channels = 1
	}
	pcm = Resample16(pcm, channels, src.SampleRate, c.Target.SampleRate)
	if channels == 1 && c.Target.Channels > 1 {
		pcm = Upmix(pcm, c.Target.Channels)
	}
	return pcm
}

// Downmix averages interleaved multi-channel 16-bit PCM into mono. Integer
// arithmetic is done in int32 so the average cannot overflow.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(uint16(pcm[idx]) | uint16(pcm[idx+1])<<8))
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*2*channels)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM from srcRate to dstRate using
// linear interpolation per channel. If the rates match or are invalid the
// input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		idx := frame*frameBytes + ch*2
		return float64(int16(uint16(pcm[idx]) | uint16(pcm[idx+1])<<8))
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			v := int16(sample(idx, ch)*(1-frac) + sample(next, ch)*frac)
			j := i*frameBytes + ch*2
			out[j] = byte(v)
			out[j+1] = byte(uint16(v) >> 8)
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "44100Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
