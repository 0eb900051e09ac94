package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ReloadFunc receives the previous and the reloaded config. It is only
// called when [Diff] reports a change, and must not call back into the
// [Watcher].
type ReloadFunc func(old, updated *Config)

// Watcher keeps the assistant's config file and the running config in step.
//
// Edits made on disk are picked up by polling the modification time, or at
// once through [Watcher.Reload]. Settings changed while running (the active
// character, the volume step, the log level) are written back to the file
// by [Watcher.Save] so they survive a restart.
//
// An edit that does not parse or validate is logged and ignored; the previous
// config stays current. An edit that changes nothing [Diff] tracks, such as a
// reworded comment, does not reach the callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ReloadFunc

	// mu serialises reloads and saves; the callback runs under it so two
	// reloads never apply out of order.
	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. onChange may be nil.
func NewWatcher(path string, onChange ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = sha256.Sum256(data)
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. Reload and Save keep working.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}
	if _, err := w.Reload(); err != nil {
		slog.Warn("config: watcher kept previous config", "path", w.path, "err", err)
	}
}

// Reload reads the file now, whatever its modification time, and applies it
// when its content changed. It returns what changed. On error the previous
// config stays current.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, mtime, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		w.lastMtime = mtime
		return ConfigDiff{}, nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return ConfigDiff{}, err
	}
	w.lastHash = hash
	w.lastMtime = mtime
	return w.apply(cfg), nil
}

// Save writes s into the config file and applies it. Only the keys s covers
// are touched; comments and the rest of the file are kept. Settings that do
// not validate are rejected and the file is left as it was.
func (w *Watcher) Save(s Settings) (ConfigDiff, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, _, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}
	patched, err := s.patch(data)
	if err != nil {
		return ConfigDiff{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(patched))
	if err != nil {
		return ConfigDiff{}, err
	}
	if err := writeAtomic(w.path, patched); err != nil {
		return ConfigDiff{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}
	w.lastHash = sha256.Sum256(patched)
	w.lastMtime = info.ModTime()
	return w.apply(cfg), nil
}

// apply swaps in cfg and calls the callback. w.mu must be held.
func (w *Watcher) apply(cfg *Config) ConfigDiff {
	old := w.current
	w.current = cfg
	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config: file changed, settings did not", "path", w.path)
		return d
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"character", d.CharacterChanged,
		"characters", len(d.CharacterChanges),
		"volume_step", d.VolumeChanged,
		"restart_needed", d.RestartNeeded,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return d
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// writeAtomic replaces path through a temporary file in the same directory,
// so a crash mid-write never leaves a truncated config behind.
func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("config: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}

// Settings is the part of the config that can be changed while running.
type Settings struct {
	Character  string   `json:"character"`
	LogLevel   LogLevel `json:"log_level"`
	VolumeStep *int     `json:"volume_step,omitempty"`
}

// SettingsOf returns the live settings of cfg.
func SettingsOf(cfg *Config) Settings {
	return Settings{
		Character:  cfg.Character,
		LogLevel:   cfg.Server.LogLevel,
		VolumeStep: cfg.Audio.Speaker.VolumeStep,
	}
}

// patch sets the settings keys in the YAML document data.
func (s Settings) patch(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config: top level is not a mapping")
	}

	if s.Character != "" {
		setScalar(root, []string{"character"}, s.Character, "!!str")
	}
	if s.LogLevel != "" {
		setScalar(root, []string{"server", "log_level"}, string(s.LogLevel), "!!str")
	}
	if s.VolumeStep != nil {
		setScalar(root, []string{"audio", "speaker", "volume_step"}, fmt.Sprint(*s.VolumeStep), "!!int")
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// setScalar sets the value at path below m, creating mappings on the way.
func setScalar(m *yaml.Node, path []string, value, tag string) {
	for i, key := range path {
		var child *yaml.Node
		for j := 0; j+1 < len(m.Content); j += 2 {
			if m.Content[j].Value == key {
				child = m.Content[j+1]
				break
			}
		}
		last := i == len(path)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
		}
		if last {
			child.Kind = yaml.ScalarNode
			child.Tag = tag
			child.Value = value
			child.Style = 0
			child.Content = nil
			if tag == "!!str" {
				child.Style = yaml.DoubleQuotedStyle
			}
			return
		}
		if child.Kind != yaml.MappingNode {
			child.Kind = yaml.MappingNode
			child.Tag = "!!map"
			child.Value = ""
			child.Content = nil
		}
		m = child
	}
}
