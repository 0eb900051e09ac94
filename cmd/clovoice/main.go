// Command clovoice is the entry point of the clovoice voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/clovoice/internal/app"
	"github.com/MrWong99/clovoice/internal/config"
	"github.com/MrWong99/clovoice/internal/media"
	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/resilience"
	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/audio/null"
	"github.com/MrWong99/clovoice/pkg/audio/portaudio"
	"github.com/MrWong99/clovoice/pkg/provider/llm"
	"github.com/MrWong99/clovoice/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/clovoice/pkg/provider/llm/openai"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
	"github.com/MrWong99/clovoice/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/clovoice/pkg/provider/stt/openai"
	"github.com/MrWong99/clovoice/pkg/provider/stt/whisper"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
	"github.com/MrWong99/clovoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/clovoice/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/clovoice/pkg/provider/tts/openai"
	"github.com/MrWong99/clovoice/pkg/provider/tts/voicevox"
	"github.com/MrWong99/clovoice/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a .env file with provider credentials")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured TTS provider and exit")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "clovoice: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clovoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clovoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(os.Stderr, cfg.Server, &level))

	slog.Info("clovoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", level.Level(),
	)
	if missing := config.MissingCredentials(cfg); len(missing) > 0 {
		slog.Warn("credentials missing, affected providers will fail", "missing", missing)
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		AudioBackend:   cfg.Audio.Backend,
		Providers: map[string]string{
			"stt": cfg.Providers.STT.Name,
			"tts": cfg.Providers.TTS.Name,
			"llm": cfg.Providers.LLM.Name,
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if *listVoices {
		return printVoices(ctx, os.Stdout, providers.TTS)
	}

	device, closeDevice, err := openDevice(cfg.Audio.Backend)
	if err != nil {
		slog.Error("failed to open audio device", "err", err)
		return 1
	}
	defer func() {
		if err := closeDevice(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}()
	providers.Device = device

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		application.ServeSettings(watcher)
	}

	srv := startServer(cfg.Server, application.Handler(), metrics, stop)

	slog.Info("assistant ready, say 終了 or press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmVendors are the any-llm-go backends. openai has its own
// implementation with structured command support.
var anyllmVendors = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if ok, set := entry.BoolOption("structured_commands"); set {
			opts = append(opts, oallm.WithStructuredCommands(ok))
		}
		return oallm.New(entry.APIKey(), entry.Model, opts...)
	})

	for _, providerName := range anyllmVendors {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if key := entry.APIKey(); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithLanguage(entry.Language)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(baseURL(entry, "http://localhost:8080"), opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.Option("model_path", "")
		}
		return whisper.NewNative(modelPath, whisper.WithNativeLanguage(entry.Language))
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []oastt.Option{oastt.WithLanguage(entry.Language)}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		return oastt.New(entry.APIKey(), opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(entry.Language)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey(), opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("voicevox", func(entry config.ProviderEntry) (tts.Provider, error) {
		return voicevox.New(baseURL(entry, "http://localhost:50021"))
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithLanguage(entry.Language)}
		if mode := entry.Option("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(baseURL(entry, "http://localhost:5002"), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := entry.Option("output_format", ""); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey(), opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		return oatts.New(entry.APIKey(), opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// baseURL returns the entry's base_url or the local server default.
func baseURL(entry config.ProviderEntry, def string) string {
	if entry.BaseURL != "" {
		return entry.BaseURL
	}
	return def
}

type named[P any] struct {
	name     string
	provider P
}

// createGroup instantiates the primary and the fallbacks of g. A broken
// primary is fatal; a broken fallback is skipped with a warning.
func createGroup[P any](kind string, g config.ProviderGroup, create func(config.ProviderEntry) (P, error)) ([]named[P], error) {
	var out []named[P]
	for i, entry := range g.Entries() {
		p, err := create(entry)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
			}
			slog.Warn("fallback provider skipped", "kind", kind, "name", entry.Name, "err", err)
			continue
		}
		slog.Info("provider created", "kind", kind, "name", entry.Name, "fallback", i > 0)
		out = append(out, named[P]{name: entry.Name, provider: p})
	}
	return out, nil
}

// buildProviders instantiates every provider group of cfg behind a circuit
// breaking fallback and the converters the pipeline and the music skill use.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	fallback := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: metrics}
	}
	ps := &app.Providers{
		Decoder: &media.FFmpeg{Path: cfg.Audio.FFmpegPath, Rate: cfg.Audio.Speaker.SampleRate},
		Search:  &media.YTDLP{Path: cfg.Audio.YTDLPPath},
	}

	llms, err := createGroup("llm", cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	if len(llms) > 0 {
		fb := resilience.NewLLMFallback(llms[0].provider, llms[0].name, fallback("llm"))
		for _, n := range llms[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.LLM = fb
	} else {
		slog.Info("no llm configured, only skills will answer")
	}

	stts, err := createGroup("stt", cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(stts) > 0 {
		fb := resilience.NewSTTFallback(stts[0].provider, stts[0].name, fallback("stt"))
		for _, n := range stts[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.STT = fb
	}

	ttss, err := createGroup("tts", cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttss) > 0 {
		fb := resilience.NewTTSFallback(ttss[0].provider, ttss[0].name, fallback("tts"))
		for _, n := range ttss[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.TTS = fb
	}

	mode := energy.ModePeakToPeak
	if cfg.Audio.Microphone.Level != "" {
		mode = energy.Mode(cfg.Audio.Microphone.Level)
	}
	vad, err := energy.New(energy.WithMode(mode))
	if err != nil {
		return nil, err
	}
	ps.VAD = vad

	return ps, nil
}

// openDevice returns the sound card selected by backend and its release
// function.
func openDevice(backend string) (audio.Device, func() error, error) {
	if backend == "null" {
		slog.Info("audio backend is null, microphone and speaker are silent")
		return null.Device{}, func() error { return nil }, nil
	}
	dev, err := portaudio.New()
	if err != nil {
		return nil, nil, err
	}
	return dev, dev.Close, nil
}

// printVoices writes the voices of p, one "id<TAB>name" per line.
func printVoices(ctx context.Context, w io.Writer, p tts.Provider) int {
	lister, ok := p.(tts.VoiceLister)
	if p == nil || !ok {
		fmt.Fprintln(os.Stderr, "clovoice: the configured tts provider cannot list voices")
		return 1
	}
	voices, err := lister.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clovoice: list voices: %v\n", err)
		return 1
	}
	for _, v := range voices {
		fmt.Fprintf(w, "%s\t%s\n", v.ID, v.Name)
	}
	return 0
}

// ── HTTP surface ──────────────────────────────────────────────────────────────

// startServer serves the app handler and /metrics on cfg.ListenAddr. It
// returns nil when no address is configured. A failing listener cancels the
// run through stop.
func startServer(cfg config.ServerConfig, mux *http.ServeMux, metrics *observe.Metrics, stop context.CancelFunc) *http.Server {
	if cfg.ListenAddr == "" {
		return nil
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(metrics, "/healthz", "/readyz", "/metrics")(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "addr", cfg.ListenAddr, "err", err)
			stop()
		}
	}()
	slog.Info("http server listening", "addr", cfg.ListenAddr, "tls", cfg.TLS != nil)
	return srv
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        clovoice startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM)
	printProvider(w, "STT", cfg.Providers.STT)
	printProvider(w, "TTS", cfg.Providers.TTS)
	printRow(w, "Audio", cfg.Audio.Backend)
	printRow(w, "Characters", fmt.Sprint(len(cfg.Characters)))
	printRow(w, "Character", cfg.Character)
	printRow(w, "Skills", strings.Join(cfg.Skills.Enabled, ","))
	if cfg.Remote.Enabled {
		printRow(w, "Remote", cfg.Remote.Path)
	} else {
		printRow(w, "Remote", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind string, g config.ProviderGroup) {
	value := g.Name
	switch {
	case value == "":
		value = "(not configured)"
	case g.Model != "":
		value = g.Name + " / " + g.Model
	}
	if n := len(g.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the handler selected by cfg.LogFormat at cfg.LogLevel.
// CLOVA_DEBUG set to anything but "" or "0" forces debug.
func newLogger(w io.Writer, cfg config.ServerConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(app.SlogLevel(cfg.LogLevel))
	if v := os.Getenv("CLOVA_DEBUG"); v != "" && v != "0" {
		level.Set(slog.LevelDebug)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
