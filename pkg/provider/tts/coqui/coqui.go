// Package coqui provides a TTS provider for a locally running Coqui server.
// It implements tts.Provider and tts.VoiceLister.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; the voice catalogue comes from
//     GET /studio_speakers.
//
// Both servers answer with a WAV file, which is returned unchanged.
//
//	p, _ := coqui.New("http://localhost:8002",
//	    coqui.WithLanguage("ja"),
//	    coqui.WithAPIMode(coqui.APIModeXTTS),
//	)
//	wav, err := p.Synthesize(ctx, "こんにちは", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultLanguage        = "ja"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language sent to the server. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	lang := voice.Language
	if lang == "" {
		lang = p.language
	}

	var req *http.Request
	var err error
	endpoint := apiTTSEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = ttsEndpoint
		data, merr := json.Marshal(ttsRequest{Text: text, SpeakerWav: voice.ID, Language: lang})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+endpoint, bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		params := url.Values{}
		params.Set("text", text)
		if voice.ID != "" {
			params.Set("speaker_id", voice.ID)
		}
		if lang != "" {
			params.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	if _, err := audio.ReadWAVHeader(wav); err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return wav, nil
}

// ListVoices implements [tts.VoiceLister]. Results are sorted by name.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		return profiles(names, map[string]string{"type": "studio"}), nil
	}

	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		return profiles(details.Speakers, map[string]string{
			"type":       "speaker",
			"model_name": details.ModelName,
		}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return profiles([]string{name}, map[string]string{
		"type":       "single-speaker",
		"model_name": name,
	}), nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

func profiles(names []string, meta map[string]string) []tts.VoiceProfile {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := make([]tts.VoiceProfile, 0, len(sorted))
	for _, n := range sorted {
		m := make(map[string]string, len(meta))
		for k, v := range meta {
			m[k] = v
		}
		out = append(out, tts.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: m})
	}
	return out
}
