// Package app wires the clovoice subsystems into a running assistant.
//
// New builds every subsystem once from the config, Run drives the main loop
// until the exit phrase is heard or ctx is cancelled, and Shutdown tears
// everything down in reverse order of construction.
//
// Tests inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/clovoice/internal/character"
	"github.com/MrWong99/clovoice/internal/config"
	"github.com/MrWong99/clovoice/internal/conversation"
	"github.com/MrWong99/clovoice/internal/hardware"
	"github.com/MrWong99/clovoice/internal/health"
	"github.com/MrWong99/clovoice/internal/media"
	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/queue"
	"github.com/MrWong99/clovoice/internal/remote"
	"github.com/MrWong99/clovoice/internal/skill"
	"github.com/MrWong99/clovoice/internal/store"
	"github.com/MrWong99/clovoice/internal/voice"
	"github.com/MrWong99/clovoice/internal/volume"
	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/llm"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
	"github.com/MrWong99/clovoice/pkg/provider/vad"
)

// Providers holds the backends and the sound card. LLM may be nil, in which
// case only the name call and the skills answer. Search is only needed by
// the music skill.
type Providers struct {
	LLM     llm.Provider
	STT     stt.Provider
	TTS     tts.Provider
	VAD     vad.Engine
	Device  audio.Device
	Decoder media.Decoder
	Search  skill.Searcher
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics     *observe.Metrics
	level       *slog.LevelVar
	now         func() time.Time
	deviceRetry time.Duration

	queue      *queue.Queue
	volume     *volume.Control
	characters *character.Manager
	indicator  hardware.Indicator
	buttons    *hardware.Bus
	gpio       *hardware.GPIO
	pipeline   *media.Pipeline
	store      store.Store
	line       *skill.Line
	skills     *skill.Dispatcher
	conv       *conversation.Controller
	voice      *voice.Controller
	remote     *remote.Server
	health     *health.Handler
	session    *SessionManager
	settings   SettingsStore

	// closers run in reverse order during Shutdown.
	closers []func() error

	// workers joins the button and GPIO goroutines started by Run.
	workers sync.WaitGroup
	cancel  context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the alarm database instead of opening one from config.
// The App does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithClock replaces time.Now for the skills and the prompt.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithDeviceRetry keeps the loop alive after a device failure, reopening
// the microphone after d.
func WithDeviceRetry(d time.Duration) Option {
	return func(a *App) { a.deviceRetry = d }
}

// New builds every subsystem. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	switch {
	case providers == nil:
		return nil, errors.New("app: providers must not be nil")
	case providers.Device == nil:
		return nil, errors.New("app: audio device must not be nil")
	case providers.Decoder == nil:
		return nil, errors.New("app: decoder must not be nil")
	}
	a := &App{cfg: cfg, providers: providers, now: time.Now}
	for _, o := range opts {
		o(a)
	}

	a.queue = queue.New()
	if a.metrics != nil {
		if err := a.metrics.RegisterQueueDepth(a.queue.Len); err != nil {
			return nil, fmt.Errorf("app: queue depth gauge: %w", err)
		}
	}

	step := volume.DefaultStep
	if s := cfg.Audio.Speaker.VolumeStep; s != nil {
		step = *s
	}
	a.volume = volume.New(a.queue, step)

	chars, err := character.New(cfg.Characters, cfg.Character, a.queue,
		character.WithAvailability(character.CredentialsAvailable(cfg.Providers.TTS)),
		character.WithOnChange(func(c config.CharacterConfig) {
			slog.Info("app: character selected", "id", c.ID, "name", c.Persona.Name)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init characters: %w", err)
	}
	a.characters = chars

	a.initHardware()

	a.pipeline = media.New(providers.Decoder, providers.Device,
		media.WithVolume(a.volume),
		media.WithOutputDevice(cfg.Audio.Speaker.Device),
		media.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.pipeline.Close)

	if err := a.initSkills(ctx); err != nil {
		return nil, fmt.Errorf("app: init skills: %w", err)
	}

	a.conv = conversation.New(a.queue, a.skills, providers.LLM, a.characters,
		conversation.WithModelParams(modelParams(cfg.Providers.LLM)),
		conversation.WithClock(a.now),
		conversation.WithMetrics(a.metrics),
	)

	if err := a.initVoice(); err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	sc := SessionManagerConfig{
		Voice:       a.voice,
		Answerer:    a.conv,
		Queue:       a.queue,
		DeviceRetry: a.deviceRetry,
	}
	if cfg.Remote.Enabled {
		a.remote = remote.New(a.queue, a.buttons,
			remote.WithUtteranceHandler(a.answerTyped),
			remote.WithMetrics(a.metrics),
		)
		a.closers = append(a.closers, a.remote.Close)
		sc.Broadcaster = a.remote
	}
	a.session = NewSessionManager(sc)

	a.health = health.New(a.probes()...)
	return a, nil
}

func (a *App) initHardware() {
	hw := a.cfg.Hardware
	a.indicator = hardware.NewIndicator(hw.Indicator)
	a.buttons = hardware.NewBus()
	if !hw.GPIO.Wired() {
		return
	}
	a.gpio = hardware.NewGPIO(hw.GPIO.Root, []hardware.Button{
		{Pin: hw.GPIO.Mute, Event: hardware.EventMute},
		{Pin: hw.GPIO.Plus, Event: hardware.EventVolumeUp},
		{Pin: hw.GPIO.Minus, Event: hardware.EventVolumeDown},
		{Pin: hw.GPIO.Character, Event: hardware.EventCharacterNext},
	},
		hardware.WithActiveLow(hw.GPIO.ActiveLow),
		hardware.WithPollInterval(time.Duration(hw.GPIO.PollIntervalMs)*time.Millisecond),
	)
}

// initSkills builds the enabled skills in dispatch order. The alarm store is
// only opened when the alarm skill is enabled.
func (a *App) initSkills(ctx context.Context) error {
	sc := a.cfg.Skills
	var skills []skill.Skill
	for _, name := range sc.Enabled {
		switch name {
		case "timer":
			skills = append(skills, skill.NewTimer(a.queue, skill.WithTimerClock(a.now)))
		case "alarm":
			if a.store == nil {
				db, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
				if err != nil {
					return err
				}
				a.store = db
				a.closers = append(a.closers, db.Close)
			}
			skills = append(skills, skill.NewAlarm(a.store, a.queue, skill.WithAlarmClock(a.now)))
		case "news":
			var opts []skill.NewsOption
			if sc.News.BaseURL != "" {
				opts = append(opts, skill.WithNewsBaseURL(sc.News.BaseURL))
			}
			skills = append(skills, skill.NewNews(opts...))
		case "datetime":
			skills = append(skills, skill.NewDateTime(a.now))
		case "music":
			if a.providers.Search == nil {
				slog.Warn("app: music skill enabled without a search backend, skipping")
				continue
			}
			skills = append(skills, skill.NewMusic(a.providers.Search, a.pipeline, a.queue))
		case "line":
			var opts []skill.LineOption
			if sc.Line.SecretEnv != "" {
				opts = append(opts, skill.WithLineChannelSecret(os.Getenv(sc.Line.SecretEnv)))
			}
			a.line = skill.NewLine(os.Getenv(sc.Line.TokenEnv), sc.Line.Users, a.queue, opts...)
			skills = append(skills, a.line)
		default:
			return fmt.Errorf("unknown skill %q", name)
		}
	}
	a.skills = skill.NewDispatcher(skills, skill.WithMetrics(a.metrics))
	return nil
}

func (a *App) initVoice() error {
	mic := a.cfg.Audio.Microphone
	lang := a.cfg.Providers.STT.Language
	if lang == "" {
		lang = config.DefaultLanguage
	}
	ctrl, err := voice.NewController(voice.ControllerConfig{
		Device:      a.providers.Device,
		InputDevice: mic.Device,
		Gate: voice.GateConfig{
			SampleRate:           mic.SampleRate,
			Channels:             mic.Channels,
			FrameSize:            mic.FrameSize,
			SilenceThreshold:     mic.SilenceThreshold,
			TerminationSilenceMs: mic.TerminationSilenceMs,
		},
		VAD:        a.providers.VAD,
		Language:   lang,
		STT:        a.providers.STT,
		TTS:        a.providers.TTS,
		Voices:     a.characters,
		Player:     a.pipeline,
		Interrupts: a.queue,
		Indicator:  a.indicator,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.voice = ctrl
	return nil
}

func (a *App) probes() []health.Probe {
	probes := []health.Probe{
		health.Executable("ffmpeg", executable(a.cfg.Audio.FFmpegPath, "ffmpeg")),
		health.Credentials(func() []string { return config.MissingCredentials(a.cfg) }),
	}
	if a.store != nil {
		probes = append(probes, health.Ping("store", a.store))
	}
	if slices.Contains(a.cfg.Skills.Enabled, "music") {
		probes = append(probes, health.Executable("yt-dlp", executable(a.cfg.Audio.YTDLPPath, "yt-dlp")))
	}
	return probes
}

// Handler returns the HTTP surface: probes, the LINE webhook, the settings
// endpoints and the remote websocket. /metrics is mounted by the caller.
func (a *App) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.line != nil {
		mux.Handle("POST /line/webhook", a.line.WebhookHandler())
	}
	if a.remote != nil {
		mux.Handle("GET "+a.cfg.Remote.Path, a.remote)
	}
	if a.settings != nil {
		mux.HandleFunc("GET /settings", a.getSettings)
		mux.HandleFunc("POST /settings", a.postSettings)
	}
	return mux
}

// Queue returns the interrupt queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Session returns the main loop manager.
func (a *App) Session() *SessionManager { return a.session }

// Run starts the skill pollers and button handling, then drives the main
// loop. It returns nil once the exit phrase was heard and ctx.Err() when
// ctx is cancelled first.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.skills.Start(ctx); err != nil {
		return fmt.Errorf("app: start skills: %w", err)
	}
	a.pipeline.Warm()
	a.startButtons(ctx)

	a.indicator.Set(hardware.PhaseIdle)
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	slog.Info("app: running",
		"skills", len(a.skills.Skills()),
		"characters", len(a.characters.List()),
		"remote", a.remote != nil,
		"gpio", a.gpio != nil,
	)

	select {
	case <-a.session.Done():
		return a.session.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) startButtons(ctx context.Context) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		_ = hardware.Serve(ctx, a.buttons, hardware.Handlers{
			Mute:       a.skills.Mute,
			VolumeUp:   func() { a.volume.Up() },
			VolumeDown: func() { a.volume.Down() },
			CharacterNext: func() {
				if _, ok := a.characters.Next(); !ok {
					slog.Info("app: no other character available")
				}
			},
		})
	}()

	if a.gpio == nil {
		return
	}
	if err := a.gpio.Setup(); err != nil {
		slog.Warn("app: gpio setup failed, buttons disabled", "err", err)
		return
	}
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		if err := a.gpio.Run(ctx, a.buttons); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("app: gpio stopped", "err", err)
		}
	}()
}

// answerTyped answers a remote utterance on the main loop.
func (a *App) answerTyped(ctx context.Context, text string) {
	a.session.Answer(ctx, text)
}

// ApplyConfig applies the parts of a reloaded config that can change while
// running. It is the callback for [config.NewWatcher].
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.CharactersChanged || d.CharacterChanged {
		// An unchanged active ID keeps a selection made with the button.
		active := ""
		if d.CharacterChanged {
			active = d.NewCharacter
		}
		if err := a.characters.Reload(updated.Characters, active); err != nil {
			slog.Warn("app: characters not reloaded", "err", err)
		}
	}
	if d.VolumeChanged {
		step := volume.DefaultStep
		if d.NewVolumeStep != nil {
			step = *d.NewVolumeStep
		}
		a.volume.Set(step)
		slog.Info("app: volume step changed", "step", a.volume.Step())
	}
	if len(d.RestartNeeded) > 0 {
		slog.Warn("app: config sections changed that need a restart", "sections", d.RestartNeeded)
	}
}

// Shutdown stops the loop and the pollers, then closes the pipeline, the
// remote server and the store. Joins are bounded by ctx; closers still run
// when a join times out and the first error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.session.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.skills.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if a.cancel != nil {
			a.cancel()
		}
		if err := waitGroup(ctx, &a.workers); err != nil {
			errs = append(errs, fmt.Errorf("app: join button workers: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				slog.Warn("app: close failed", "index", i, "err", err)
			}
		}
		a.indicator.Set(hardware.PhaseOff)
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlogLevel converts a config level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// modelParams reads the model, "temperature" and "max_tokens" of the
// primary LLM entry.
func modelParams(g config.ProviderGroup) (model string, temperature float64, maxTokens int) {
	model = g.Model
	if v := g.Option("temperature", ""); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			temperature = t
		} else {
			slog.Warn("app: invalid llm temperature", "value", v)
		}
	}
	if v := g.Option("max_tokens", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxTokens = n
		} else {
			slog.Warn("app: invalid llm max_tokens", "value", v)
		}
	}
	return model, temperature, maxTokens
}

func executable(path, def string) string {
	if path == "" {
		return def
	}
	return path
}
