// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// nativeSampleRate is the only rate whisper.cpp accepts.
const nativeSampleRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; each call gets its own context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	conv     *audio.FormatConverter
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default recognition language. Defaults to "ja".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		conv:     &audio.FormatConverter{Target: audio.Format{SampleRate: nativeSampleRate, Channels: 1}},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements [stt.Provider]. whisper.cpp expects 16 kHz mono;
// other formats are converted first.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	pcm = p.conv.Convert(pcm, audio.Format{SampleRate: cfg.SampleRate, Channels: max(cfg.Channels, 1)})
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	return p.infer(audio.PCMToFloat32(pcm, 1), baseLanguage(lang))
}

// infer runs whisper.cpp on samples and returns the concatenated segments.
func (p *NativeProvider) infer(samples []float32, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, ""), nil
}
