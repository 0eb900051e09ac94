package audio

import "time"

// Utterance is the ordered sequence of frames accumulated between a detected
// start of speech and end of speech. It is owned by the capture call that
// produced it and handed to speech-to-text exactly once.
type Utterance struct {
	Frames     [][]byte
	SampleRate int
	Channels   int

	// Interrupted is set when capture returned early because an interrupt was
	// pending. The frames gathered so far are still present; callers usually
	// discard them.
	Interrupted bool
}

// Empty reports whether the utterance contains no audio. Empty utterances
// mean "no speech" and must never be sent to speech-to-text.
func (u Utterance) Empty() bool {
	for _, f := range u.Frames {
		if len(f) > 0 {
			return false
		}
	}
	return true
}

// PCM concatenates all frames into a single PCM buffer.
func (u Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f...)
	}
	return out
}

// Duration returns the playback length of the utterance.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 || u.Channels <= 0 {
		return 0
	}
	samples := 0
	for _, f := range u.Frames {
		samples += len(f) / 2
	}
	return time.Duration(samples/u.Channels) * time.Second / time.Duration(u.SampleRate)
}
