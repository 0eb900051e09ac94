package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/clovoice/internal/skill"
	"github.com/MrWong99/clovoice/internal/volume"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"tts": {"voicevox", "coqui", "elevenlabs", "openai"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultMicSampleRate        = 16000
	DefaultSpeakerSampleRate    = 44100
	DefaultSilenceThreshold     = 1000
	DefaultTerminationSilenceMs = 1000
	DefaultLanguage             = "ja"
	DefaultRemotePath           = "/remote"
	DefaultGPIORoot             = "/sys/class/gpio"
	DefaultGPIOPollMs           = 20
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the .env files in paths into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			slog.Debug("config: no env file", "path", p)
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("config: env file loaded", "path", p)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = "portaudio"
	}
	if a.FFmpegPath == "" {
		a.FFmpegPath = "ffmpeg"
	}
	if a.YTDLPPath == "" {
		a.YTDLPPath = "yt-dlp"
	}
	m := &a.Microphone
	if m.SampleRate <= 0 {
		m.SampleRate = DefaultMicSampleRate
	}
	if m.Channels <= 0 {
		m.Channels = 1
	}
	if m.FrameSize <= 0 {
		m.FrameSize = m.SampleRate / 10
	}
	if m.SilenceThreshold == 0 {
		m.SilenceThreshold = DefaultSilenceThreshold
	}
	if m.TerminationSilenceMs == 0 {
		m.TerminationSilenceMs = DefaultTerminationSilenceMs
	}
	if m.Level == "" {
		m.Level = "peak"
	}
	if a.Speaker.SampleRate <= 0 {
		a.Speaker.SampleRate = DefaultSpeakerSampleRate
	}
	if a.Speaker.Channels <= 0 {
		a.Speaker.Channels = 1
	}

	for _, g := range []*ProviderGroup{&cfg.Providers.STT, &cfg.Providers.TTS, &cfg.Providers.LLM} {
		if g.Name != "" && g.Language == "" {
			g.Language = DefaultLanguage
		}
		for i := range g.Fallbacks {
			if g.Fallbacks[i].Language == "" {
				g.Fallbacks[i].Language = DefaultLanguage
			}
		}
	}

	if cfg.Character == "" && len(cfg.Characters) > 0 {
		cfg.Character = cfg.Characters[0].ID
	}
	if len(cfg.Skills.Enabled) == 0 {
		cfg.Skills.Enabled = slices.Clone(skill.DefaultOrder)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = "clovoice.db"
	}
	if cfg.Hardware.Indicator == "" {
		cfg.Hardware.Indicator = "log"
	}
	if cfg.Hardware.GPIO.Root == "" {
		cfg.Hardware.GPIO.Root = DefaultGPIORoot
	}
	if cfg.Hardware.GPIO.PollIntervalMs <= 0 {
		cfg.Hardware.GPIO.PollIntervalMs = DefaultGPIOPollMs
	}
	if cfg.Remote.Path == "" {
		cfg.Remote.Path = DefaultRemotePath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	switch cfg.Audio.Backend {
	case "", "portaudio", "null":
	default:
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, null", cfg.Audio.Backend))
	}
	m := cfg.Audio.Microphone
	if m.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.microphone.silence_threshold %d must be >= 0", m.SilenceThreshold))
	}
	if m.TerminationSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("audio.microphone.termination_silence_ms %d must be >= 0", m.TerminationSilenceMs))
	}
	if m.Level != "" && m.Level != "peak" && m.Level != "rms" {
		errs = append(errs, fmt.Errorf("audio.microphone.level %q is invalid; valid values: peak, rms", m.Level))
	}
	if s := cfg.Audio.Speaker.VolumeStep; s != nil && (*s < volume.MinStep || *s > volume.MaxStep) {
		errs = append(errs, fmt.Errorf("audio.speaker.volume_step %d is out of range [%d, %d]", *s, volume.MinStep, volume.MaxStep))
	}

	for kind, g := range map[string]ProviderGroup{"stt": cfg.Providers.STT, "tts": cfg.Providers.TTS, "llm": cfg.Providers.LLM} {
		for i, e := range g.Fallbacks {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
		}
		if g.Name == "" && len(g.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s has fallbacks but no primary name", kind))
		}
		for _, e := range g.Entries() {
			validateProviderName(kind, e.Name)
		}
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("config: no llm provider configured; only skills will answer")
	}

	seen := make(map[string]int, len(cfg.Characters))
	for i, c := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[c.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, c.ID, prev))
			}
			seen[c.ID] = i
		}
		if c.Voice.SpeedFactor != 0 && (c.Voice.SpeedFactor < 0.5 || c.Voice.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed %.2f is out of range [0.5, 2.0]", prefix, c.Voice.SpeedFactor))
		}
		if c.Voice.PitchShift < -10 || c.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch %.2f is out of range [-10, 10]", prefix, c.Voice.PitchShift))
		}
		if p := c.Voice.Provider; p != "" && cfg.Providers.TTS.Entry(p) == nil {
			errs = append(errs, fmt.Errorf("%s.voice.provider %q is not configured under providers.tts", prefix, p))
		}
	}
	if cfg.Character != "" && len(cfg.Characters) > 0 {
		if _, ok := seen[cfg.Character]; !ok {
			errs = append(errs, fmt.Errorf("character %q does not match any characters[].id", cfg.Character))
		}
	}

	enabled := make(map[string]bool, len(cfg.Skills.Enabled))
	for i, name := range cfg.Skills.Enabled {
		if !slices.Contains(skill.DefaultOrder, name) {
			errs = append(errs, fmt.Errorf("skills.enabled[%d] %q is unknown; valid values: %s", i, name, strings.Join(skill.DefaultOrder, ", ")))
		}
		if enabled[name] {
			errs = append(errs, fmt.Errorf("skills.enabled[%d] %q is listed twice", i, name))
		}
		enabled[name] = true
	}
	if enabled["line"] && cfg.Skills.Line.TokenEnv == "" {
		errs = append(errs, errors.New("skills.line.token_env is required when the line skill is enabled"))
	}

	switch cfg.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: sqlite, postgres", cfg.Store.Driver))
	}

	switch cfg.Hardware.Indicator {
	case "", "log", "none":
	default:
		errs = append(errs, fmt.Errorf("hardware.indicator %q is invalid; valid values: log, none", cfg.Hardware.Indicator))
	}
	g := cfg.Hardware.GPIO
	for name, pin := range map[string]int{"mute": g.Mute, "plus": g.Plus, "minus": g.Minus, "character": g.Character} {
		if pin < 0 {
			errs = append(errs, fmt.Errorf("hardware.gpio.%s %d must be >= 0", name, pin))
		}
	}

	if cfg.Remote.Enabled && cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("remote.enabled requires server.listen_addr"))
	}
	if cfg.Remote.Path != "" && !strings.HasPrefix(cfg.Remote.Path, "/") {
		errs = append(errs, fmt.Errorf("remote.path %q must start with /", cfg.Remote.Path))
	}

	return errors.Join(errs...)
}

// Entry returns the entry of the group named name, or nil.
func (g ProviderGroup) Entry(name string) *ProviderEntry {
	for _, e := range g.Entries() {
		if e.Name == name {
			return &e
		}
	}
	return nil
}

// APIKey resolves the entry's API key from the environment.
func (e ProviderEntry) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// RequirementsMet reports whether every credential the entry names is set
// in the environment.
func (e ProviderEntry) RequirementsMet() bool {
	return e.APIKeyEnv == "" || e.APIKey() != ""
}

// MissingCredentials lists the environment variables that configured
// providers reference but that are unset, as "kind/name: VAR".
func MissingCredentials(cfg *Config) []string {
	var missing []string
	for _, kg := range []struct {
		kind  string
		group ProviderGroup
	}{{"stt", cfg.Providers.STT}, {"tts", cfg.Providers.TTS}, {"llm", cfg.Providers.LLM}} {
		for _, e := range kg.group.Entries() {
			if !e.RequirementsMet() {
				missing = append(missing, fmt.Sprintf("%s/%s: %s", kg.kind, e.Name, e.APIKeyEnv))
			}
		}
	}
	if slices.Contains(cfg.Skills.Enabled, "line") && cfg.Skills.Line.TokenEnv != "" && os.Getenv(cfg.Skills.Line.TokenEnv) == "" {
		missing = append(missing, "skill/line: "+cfg.Skills.Line.TokenEnv)
	}
	return missing
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// Option returns the string option key of the entry, or def.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

// BoolOption returns the boolean option key of the entry and whether it was
// set.
func (e ProviderEntry) BoolOption(key string) (value, ok bool) {
	v, found := e.Options[key]
	if !found {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}
