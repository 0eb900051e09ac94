// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the clovoice assistant.
package config

import (
	"github.com/MrWong99/clovoice/internal/skill"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`

	// Characters lists the selectable personas in switch order.
	Characters []CharacterConfig `yaml:"characters"`

	// Character is the ID of the persona active at start-up.
	Character string `yaml:"character"`

	Skills   SkillsConfig   `yaml:"skills"`
	Store    StoreConfig    `yaml:"store"`
	Hardware HardwareConfig `yaml:"hardware"`
	Remote   RemoteConfig   `yaml:"remote"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz, /metrics, the LINE webhook and the
	// remote websocket. Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig configures the sound card and the external converters.
type AudioConfig struct {
	// Backend selects the device implementation: "portaudio" or "null".
	Backend string `yaml:"backend"`

	Microphone MicrophoneConfig `yaml:"microphone"`
	Speaker    SpeakerConfig    `yaml:"speaker"`

	// FFmpegPath is the converter executable. Default: "ffmpeg".
	FFmpegPath string `yaml:"ffmpeg_path"`

	// YTDLPPath is the music search executable. Default: "yt-dlp".
	YTDLPPath string `yaml:"ytdlp_path"`
}

// MicrophoneConfig holds capture and endpointing parameters.
type MicrophoneConfig struct {
	Device     string `yaml:"device"`
	Channels   int    `yaml:"channels"`
	SampleRate int    `yaml:"sample_rate"`

	// FrameSize is samples per channel per frame. Default: SampleRate/10.
	FrameSize int `yaml:"frame_size"`

	// SilenceThreshold is the peak-to-peak level below which a frame is
	// silent.
	SilenceThreshold int `yaml:"silence_threshold"`

	// TerminationSilenceMs ends an utterance after this much silence.
	TerminationSilenceMs int `yaml:"termination_silence_ms"`

	// Level selects the frame level measure: "peak" (default) or "rms".
	Level string `yaml:"level"`
}

// SpeakerConfig holds playback parameters.
type SpeakerConfig struct {
	Device     string `yaml:"device"`
	Channels   int    `yaml:"channels"`
	SampleRate int    `yaml:"sample_rate"`

	// VolumeStep is the start-up volume step. Nil means the default step.
	VolumeStep *int `yaml:"volume_step"`
}

// ProvidersConfig declares which backend to use for each stage.
type ProvidersConfig struct {
	STT ProviderGroup `yaml:"stt"`
	TTS ProviderGroup `yaml:"tts"`
	LLM ProviderGroup `yaml:"llm"`
}

// ProviderGroup is a primary backend plus ordered fallbacks.
type ProviderGroup struct {
	ProviderEntry `yaml:",inline"`

	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Entries returns the primary followed by the fallbacks. It is empty when no
// primary is configured.
func (g ProviderGroup) Entries() []ProviderEntry {
	if g.Name == "" {
		return nil
	}
	return append([]ProviderEntry{g.ProviderEntry}, g.Fallbacks...)
}

// ProviderEntry is the configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "voicevox").
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable holding the API key. Secrets
	// never live in the YAML file.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Language is the BCP 47 tag passed to speech backends. Default: "ja".
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// CharacterConfig describes one persona and its voice.
type CharacterConfig struct {
	// ID is the key used by [Config.Character] and announced on selection.
	ID string `yaml:"id"`

	Persona PersonaConfig `yaml:"persona"`

	// Voice selects the TTS backend and voice for this character. An empty
	// Provider uses providers.tts.
	Voice tts.VoiceProfile `yaml:"voice"`
}

// PersonaConfig is written into the prompt, one sentence per non-empty field.
type PersonaConfig struct {
	Name      string `yaml:"name"`
	Gender    string `yaml:"gender"`
	Myself    string `yaml:"myself"`
	Type      string `yaml:"type"`
	TalkStyle string `yaml:"talk_style"`
	Detail    string `yaml:"detail"`
}

// SkillsConfig selects and configures the skills.
type SkillsConfig struct {
	// Enabled lists skill names in dispatch order. Empty means
	// [skill.DefaultOrder].
	Enabled []string `yaml:"enabled"`

	News NewsConfig `yaml:"news"`
	Line LineConfig `yaml:"line"`
}

// NewsConfig configures the news skill.
type NewsConfig struct {
	// BaseURL replaces the news portal, mainly for tests and mirrors.
	BaseURL string `yaml:"base_url"`
}

// LineConfig configures the LINE skill.
type LineConfig struct {
	// TokenEnv names the environment variable with the channel access token.
	TokenEnv string `yaml:"token_env"`

	// SecretEnv names the environment variable with the channel secret. When
	// set, webhook signatures are verified.
	SecretEnv string `yaml:"secret_env"`

	Users []skill.LineUser `yaml:"users"`
}

// StoreConfig selects the alarm database.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

// HardwareConfig wires the buttons and the indicator.
type HardwareConfig struct {
	GPIO GPIOConfig `yaml:"gpio"`

	// Indicator is "log" (default) or "none".
	Indicator string `yaml:"indicator"`
}

// GPIOConfig holds sysfs pin numbers. A zero pin is not wired.
type GPIOConfig struct {
	// Root is the sysfs GPIO directory. Default: /sys/class/gpio.
	Root string `yaml:"root"`

	Mute      int `yaml:"mute"`
	Plus      int `yaml:"plus"`
	Minus     int `yaml:"minus"`
	Character int `yaml:"character"`

	// ActiveLow reports a pressed button as value 0.
	ActiveLow bool `yaml:"active_low"`

	// PollIntervalMs is the pin sampling period. Default: 20.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// Wired reports whether any pin is configured.
func (g GPIOConfig) Wired() bool {
	return g.Mute != 0 || g.Plus != 0 || g.Minus != 0 || g.Character != 0
}

// RemoteConfig configures the websocket control plane.
type RemoteConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the websocket endpoint. Default: "/remote".
	Path string `yaml:"path"`
}
