package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Level is the measured frame level in the engine's native scale.
	Level float64
}

// Voiced reports whether the frame was classified as speech.
func (e VADEvent) Voiced() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates the first voiced frame after silence.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates a voiced frame following another voiced frame.
	VADSpeechContinue

	// VADSilence indicates a frame below the silence threshold.
	VADSilence
)

// String returns the event name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
