package tts

// VoiceProfile selects the voice a character speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (VOICEVOX speaker id,
	// ElevenLabs voice id, OpenAI voice name, Coqui speaker).
	ID string `yaml:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name"`

	// Provider names the TTS backend this voice belongs to.
	Provider string `yaml:"provider"`

	// Language overrides the provider language for this voice.
	Language string `yaml:"language"`

	// PitchShift adjusts pitch (-10 to +10, 0 = default). Backends without
	// pitch control ignore it.
	PitchShift float64 `yaml:"pitch"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 0 or 1 = default).
	SpeedFactor float64 `yaml:"speed"`

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string `yaml:"metadata"`
}

// Speed returns SpeedFactor, or 1 when unset.
func (v VoiceProfile) Speed() float64 {
	if v.SpeedFactor <= 0 {
		return 1
	}
	return v.SpeedFactor
}
