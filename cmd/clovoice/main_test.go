package main

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/clovoice/internal/config"
)

func TestCreateGroup(t *testing.T) {
	t.Parallel()
	g := config.ProviderGroup{
		ProviderEntry: config.ProviderEntry{Name: "voicevox"},
		Fallbacks:     []config.ProviderEntry{{Name: "broken"}, {Name: "openai"}},
	}
	create := func(e config.ProviderEntry) (string, error) {
		if e.Name == "broken" {
			return "", errors.New("no key")
		}
		return e.Name, nil
	}

	got, err := createGroup("tts", g, create)
	if err != nil {
		t.Fatalf("createGroup: %v", err)
	}
	if len(got) != 2 || got[0].name != "voicevox" || got[1].provider != "openai" {
		t.Errorf("got %+v", got)
	}

	g.Name = "broken"
	if _, err := createGroup("tts", g, create); err == nil {
		t.Error("broken primary accepted")
	}

	if got, err := createGroup("llm", config.ProviderGroup{}, create); err != nil || len(got) != 0 {
		t.Errorf("empty group: %+v, %v", got, err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Setenv("CLOVA_DEBUG", "")

	var buf bytes.Buffer
	var level slog.LevelVar
	logger := newLogger(&buf, config.ServerConfig{LogLevel: config.LogWarn, LogFormat: config.LogFormatJSON}, &level)
	logger.Info("hidden")
	logger.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output: %s", out)
	}

	t.Setenv("CLOVA_DEBUG", "1")
	newLogger(&buf, config.ServerConfig{LogLevel: config.LogError}, &level)
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderGroup{ProviderEntry: config.ProviderEntry{Name: "whisper"}},
			TTS: config.ProviderGroup{
				ProviderEntry: config.ProviderEntry{Name: "voicevox"},
				Fallbacks:     []config.ProviderEntry{{Name: "openai"}},
			},
		},
		Audio:     config.AudioConfig{Backend: "null"},
		Character: "3",
	}
	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)
	out := buf.String()
	for _, want := range []string{"(not configured)", "voicevox +1", "(disabled)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary lacks %q:\n%s", want, out)
		}
	}
}
