// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
)

const (
	defaultModel      = "whisper-1"
	defaultLanguage   = "ja"
	defaultSampleRate = 16000
)

// Provider implements stt.Provider using the OpenAI transcription endpoint.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	model      string
	language   string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides the transcription model. Default: whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the default recognition language. Default: ja.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs an OpenAI STT provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, language: defaultLanguage, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe implements [stt.Provider]. The PCM is uploaded as a WAV file.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	wav, err := audio.EncodeWAV(pcm, rate, max(cfg.Channels, 1))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
