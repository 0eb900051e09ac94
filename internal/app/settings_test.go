package app_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/clovoice/internal/app"
	"github.com/MrWong99/clovoice/internal/config"
)

func settingsServer(t *testing.T, opts ...app.Option) (*httptest.Server, string) {
	t.Helper()
	f := newFixture(t, "", opts...)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := config.NewWatcher(path, f.app.ApplyConfig, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	f.app.ServeSettings(w)

	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)
	return srv, path
}

func decodeSettings(t *testing.T, resp *http.Response) config.Settings {
	t.Helper()
	defer resp.Body.Close()
	var s config.Settings
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return s
}

func TestSettings_NotMountedWithoutStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/settings")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/settings = %d, want 404", resp.StatusCode)
	}
}

func TestSettings_Get(t *testing.T) {
	t.Parallel()
	srv, _ := settingsServer(t)

	resp, err := http.Get(srv.URL + "/settings")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	s := decodeSettings(t, resp)
	if s.Character != "3" || s.LogLevel != config.LogInfo || s.VolumeStep != nil {
		t.Errorf("settings = %+v", s)
	}
}

func TestSettings_PostAppliesAndPersists(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	srv, path := settingsServer(t, app.WithLevelVar(&level))

	// character is left out and keeps its value.
	resp, err := http.Post(srv.URL+"/settings", "application/json",
		strings.NewReader(`{"log_level":"debug","volume_step":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	s := decodeSettings(t, resp)
	if s.Character != "3" || s.LogLevel != config.LogDebug || s.VolumeStep == nil || *s.VolumeStep != 2 {
		t.Errorf("settings = %+v", s)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := config.SettingsOf(cfg); got.LogLevel != config.LogDebug || got.VolumeStep == nil || *got.VolumeStep != 2 {
		t.Errorf("saved settings = %+v", got)
	}
}

func TestSettings_PostRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown character", `{"character":"99"}`, http.StatusUnprocessableEntity},
		{"volume step out of range", `{"volume_step":99}`, http.StatusUnprocessableEntity},
		{"unknown field", `{"speaker":"loud"}`, http.StatusBadRequest},
		{"not json", `character=8`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, path := settingsServer(t)

			resp, err := http.Post(srv.URL+"/settings", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != testConfig {
				t.Error("rejected settings changed the config file")
			}
		})
	}
}
