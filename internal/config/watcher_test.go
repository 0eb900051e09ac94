package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clovoice/internal/config"
)

const watcherYAML = `# Kitchen assistant.
server:
  log_level: info # raise to debug when tuning the gate
audio:
  speaker:
    volume_step: 5
providers:
  stt:
    name: whisper
  tts:
    name: voicevox
characters:
  - id: "3"
    persona:
      name: ずんだもん
  - id: "8"
    persona:
      name: 春日部つむぎ
character: "3"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// reloads records the callback invocations of a watcher.
type reloads struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newReloads() *reloads { return &reloads{fired: make(chan struct{}, 8)} }

func (r *reloads) record(old, updated *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, updated})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newWatcher(t *testing.T, content string, onChange config.ReloadFunc) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	// A long interval keeps the poller out of tests that call Reload.
	w, err := config.NewWatcher(path, onChange, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherYAML, nil)

	cfg := w.Current()
	if cfg.Character != "3" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("character=%q log_level=%q", cfg.Character, cfg.Server.LogLevel)
	}
	if w.Path() != path {
		t.Errorf("Path() = %q, want %q", w.Path(), path)
	}
}

func TestWatcher_ReloadLiveSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		from  string
		to    string
		check func(t *testing.T, d config.ConfigDiff, cur *config.Config)
	}{
		{
			name: "active character",
			from: `character: "3"`,
			to:   `character: "8"`,
			check: func(t *testing.T, d config.ConfigDiff, cur *config.Config) {
				if !d.CharacterChanged || d.NewCharacter != "8" || cur.Character != "8" {
					t.Errorf("diff = %+v, current = %q", d, cur.Character)
				}
			},
		},
		{
			name: "persona edit",
			from: "name: 春日部つむぎ",
			to:   "name: 春日部つむぎ\n      myself: あーし",
			check: func(t *testing.T, d config.ConfigDiff, _ *config.Config) {
				if !d.CharactersChanged || d.CharacterChanged {
					t.Fatalf("diff = %+v", d)
				}
				if len(d.CharacterChanges) != 1 || d.CharacterChanges[0].ID != "8" || !d.CharacterChanges[0].PersonaChanged {
					t.Errorf("character changes = %+v", d.CharacterChanges)
				}
			},
		},
		{
			name: "volume step",
			from: "volume_step: 5",
			to:   "volume_step: 2",
			check: func(t *testing.T, d config.ConfigDiff, cur *config.Config) {
				if !d.VolumeChanged || d.NewVolumeStep == nil || *d.NewVolumeStep != 2 {
					t.Errorf("diff = %+v", d)
				}
				if len(d.RestartNeeded) != 0 {
					t.Errorf("volume step reported as needing a restart: %v", d.RestartNeeded)
				}
			},
		},
		{
			name: "log level",
			from: "log_level: info",
			to:   "log_level: debug",
			check: func(t *testing.T, d config.ConfigDiff, cur *config.Config) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || cur.Server.LogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "restart section",
			from: "name: whisper",
			to:   "name: deepgram",
			check: func(t *testing.T, d config.ConfigDiff, _ *config.Config) {
				if !slices.Contains(d.RestartNeeded, "providers") {
					t.Errorf("restart needed = %v", d.RestartNeeded)
				}
				if d.CharacterChanged || d.VolumeChanged || d.LogLevelChanged {
					t.Errorf("live settings reported changed: %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := newReloads()
			w, path := newWatcher(t, watcherYAML, got.record)
			before := w.Current()

			writeFile(t, path, strings.Replace(watcherYAML, tt.from, tt.to, 1))
			d, err := w.Reload()
			if err != nil {
				t.Fatalf("Reload: %v", err)
			}
			if got.count() != 1 {
				t.Fatalf("callback fired %d times, want 1", got.count())
			}
			if got.calls[0][0] != before || got.calls[0][1] != w.Current() {
				t.Error("callback did not receive the previous and the reloaded config")
			}
			tt.check(t, d, w.Current())
		})
	}
}

func TestWatcher_ReloadIgnoresCommentEdits(t *testing.T) {
	t.Parallel()
	got := newReloads()
	w, path := newWatcher(t, watcherYAML, got.record)

	writeFile(t, path, strings.Replace(watcherYAML, "# Kitchen assistant.", "# Living room assistant.", 1))
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.Empty() || got.count() != 0 {
		t.Errorf("comment edit reported: diff %+v, %d callbacks", d, got.count())
	}
}

func TestWatcher_ReloadInvalidKeepsPrevious(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from string
		to   string
	}{
		{"unknown log level", "log_level: info", "log_level: bananas"},
		{"unknown character", `character: "3"`, `character: "99"`},
		{"volume step out of range", "volume_step: 5", "volume_step: 42"},
		{"broken yaml", "server:", "server: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := newReloads()
			w, path := newWatcher(t, watcherYAML, got.record)
			before := w.Current()

			writeFile(t, path, strings.Replace(watcherYAML, tt.from, tt.to, 1))
			if _, err := w.Reload(); err == nil {
				t.Fatal("Reload accepted an invalid file")
			}
			if w.Current() != before || got.count() != 0 {
				t.Error("invalid edit replaced the running config")
			}

			// Fixing the file afterwards is picked up.
			writeFile(t, path, strings.Replace(watcherYAML, "log_level: info", "log_level: warn", 1))
			if _, err := w.Reload(); err != nil {
				t.Fatalf("Reload after fix: %v", err)
			}
			if w.Current().Server.LogLevel != config.LogWarn {
				t.Errorf("log_level = %q after fix", w.Current().Server.LogLevel)
			}
		})
	}
}

func TestWatcher_PollsForEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherYAML)
	got := newReloads()
	w, err := config.NewWatcher(path, got.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, strings.Replace(watcherYAML, `character: "3"`, `character: "8"`, 1))
	// Some filesystems keep whole-second mtimes.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	select {
	case <-got.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not picked up")
	}
	if w.Current().Character != "8" {
		t.Errorf("character = %q, want 8", w.Current().Character)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherYAML)
	got := newReloads()
	w, err := config.NewWatcher(path, got.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if got.count() != 0 {
		t.Errorf("callback fired %d times for a touch", got.count())
	}
}

func TestWatcher_SaveKeepsCommentsAndApplies(t *testing.T) {
	t.Parallel()
	got := newReloads()
	w, path := newWatcher(t, watcherYAML, got.record)

	step := 3
	d, err := w.Save(config.Settings{Character: "8", LogLevel: config.LogDebug, VolumeStep: &step})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !d.CharacterChanged || !d.LogLevelChanged || !d.VolumeChanged || len(d.RestartNeeded) != 0 {
		t.Errorf("diff = %+v", d)
	}
	if got.count() != 1 {
		t.Errorf("callback fired %d times, want 1", got.count())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{"# Kitchen assistant.", "# raise to debug when tuning the gate", "春日部つむぎ"} {
		if !strings.Contains(text, want) {
			t.Errorf("saved file lost %q:\n%s", want, text)
		}
	}

	// The saved file loads to the same settings after a restart.
	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := config.SettingsOf(reloaded)
	if s.Character != "8" || s.LogLevel != config.LogDebug || s.VolumeStep == nil || *s.VolumeStep != 3 {
		t.Errorf("settings after restart = %+v", s)
	}

	// Nothing left to apply: the poller sees the file Save wrote.
	if d, err := w.Reload(); err != nil || !d.Empty() {
		t.Errorf("Reload after Save = %+v, %v", d, err)
	}
}

func TestWatcher_SaveAddsMissingKeys(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, "providers:\n  stt:\n    name: whisper\n", nil)

	step := 7
	if _, err := w.Save(config.Settings{VolumeStep: &step}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.Speaker.VolumeStep == nil || *cfg.Audio.Speaker.VolumeStep != 7 {
		t.Errorf("volume_step = %v", cfg.Audio.Speaker.VolumeStep)
	}
	if cfg.Providers.STT.Name != "whisper" {
		t.Errorf("stt provider = %q", cfg.Providers.STT.Name)
	}
}

func TestWatcher_SaveRejectsInvalid(t *testing.T) {
	t.Parallel()
	got := newReloads()
	w, path := newWatcher(t, watcherYAML, got.record)

	if _, err := w.Save(config.Settings{Character: "99"}); err == nil {
		t.Fatal("Save accepted an unknown character")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != watcherYAML {
		t.Error("rejected settings were written to the file")
	}
	if w.Current().Character != "3" || got.count() != 0 {
		t.Error("rejected settings were applied")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherYAML, nil)
	w.Stop()
	w.Stop()
}
