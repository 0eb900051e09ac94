// Package voicevox provides a TTS provider for a VOICEVOX engine
// (https://github.com/VOICEVOX/voicevox_engine). Synthesis is the engine's
// two-step protocol: POST /audio_query builds an accent query for the text,
// POST /synthesis renders it to WAV.
//
// VoiceProfile.ID is the numeric style id ("speaker" in the engine API).
package voicevox

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
	"time"

	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultTimeout = 30 * time.Second
	// pitchStep converts VoiceProfile.PitchShift (±10) to pitchScale (±0.15).
	pitchStep = 0.015
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider for the VOICEVOX engine.
type Provider struct {
	engineURL  string
	httpClient *http.Client
}

// New creates a Provider for the engine at engineURL
// (e.g. "http://localhost:50021").
func New(engineURL string, opts ...Option) (*Provider, error) {
	if engineURL == "" {
		return nil, errors.New("voicevox: engineURL must not be empty")
	}
	p := &Provider{
		engineURL:  strings.TrimRight(engineURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	speaker, err := strconv.Atoi(strings.TrimSpace(voice.ID))
	if err != nil {
		return nil, fmt.Errorf("voicevox: speaker id %q is not numeric", voice.ID)
	}

	q := url.Values{}
	q.Set("speaker", strconv.Itoa(speaker))
	q.Set("text", text)
	query, err := p.post(ctx, "/audio_query", q, nil)
	if err != nil {
		return nil, err
	}
	if query, err = tune(query, voice); err != nil {
		return nil, err
	}

	q = url.Values{}
	q.Set("speaker", strconv.Itoa(speaker))
	return p.post(ctx, "/synthesis", q, query)
}

// tune applies the voice speed and pitch to an audio query.
func tune(query []byte, voice tts.VoiceProfile) ([]byte, error) {
	if voice.Speed() == 1 && voice.PitchShift == 0 {
		return query, nil
	}
	var m map[string]any
	if err := json.Unmarshal(query, &m); err != nil {
		return nil, fmt.Errorf("voicevox: decode audio query: %w", err)
	}
	m["speedScale"] = voice.Speed()
	m["pitchScale"] = voice.PitchShift * pitchStep
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("voicevox: encode audio query: %w", err)
	}
	return out, nil
}

func (p *Provider) post(ctx context.Context, path string, q url.Values, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.engineURL+path+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voicevox: create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.do(req, path)
}

func (p *Provider) do(req *http.Request, path string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: %s %s returned status %d: %s", req.Method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// speaker is one entry of GET /speakers.
type speaker struct {
	Name   string `json:"name"`
	Styles []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"styles"`
}

// ListVoices implements [tts.VoiceLister]: one profile per style.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.engineURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create /speakers request: %w", err)
	}
	data, err := p.do(req, "/speakers")
	if err != nil {
		return nil, err
	}
	var speakers []speaker
	if err := json.Unmarshal(data, &speakers); err != nil {
		return nil, fmt.Errorf("voicevox: decode speakers: %w", err)
	}

	var out []tts.VoiceProfile
	for _, s := range speakers {
		for _, st := range s.Styles {
			out = append(out, tts.VoiceProfile{
				ID:       strconv.Itoa(st.ID),
				Name:     s.Name + "（" + st.Name + "）",
				Provider: "voicevox",
				Language: "ja",
				Metadata: map[string]string{"style": st.Name},
			})
		}
	}
	return out, nil
}
