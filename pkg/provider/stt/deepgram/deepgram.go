// Package deepgram provides a Deepgram-backed STT provider using the
// pre-recorded audio REST API (POST /v1/listen). It implements the
// stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/clovoice/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "https://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "ja"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default recognition language (e.g., "ja").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the listen endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram listen API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   deepgramEndpoint,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads pcm as raw linear16 audio and returns the first
// alternative of the first channel.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	listenURL, err := p.buildURL(cfg)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, listenURL, bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	return parseDeepgramResponse(data, lang)
}

// buildURL constructs the listen endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(max(cfg.Channels, 1)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned for pre-recorded audio.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseDeepgramResponse extracts the best transcript. A response without
// channels or alternatives is treated as silence.
func parseDeepgramResponse(data []byte, lang string) (string, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	text := strings.TrimSpace(resp.Results.Channels[0].Alternatives[0].Transcript)
	// Deepgram separates Japanese words with spaces.
	if strings.HasPrefix(lang, "ja") {
		text = strings.ReplaceAll(text, " ", "")
	}
	return text, nil
}
