// Package character keeps the selectable personas and the one that is
// currently speaking.
//
// A character pairs a persona, which is written into every prompt, with a
// voice used for synthesis. Switching characters announces the new one
// through the interrupt queue so the user hears who is talking now.
package character

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/clovoice/internal/config"
	"github.com/MrWong99/clovoice/pkg/provider/tts"
)

// ErrUnknown is returned by [Manager.Select] for an ID that is not configured.
var ErrUnknown = errors.New("character: unknown id")

// ErrUnavailable is returned by [Manager.Select] when the character's voice
// backend lacks credentials.
var ErrUnavailable = errors.New("character: voice backend unavailable")

// Pusher is the producer side of the interrupt queue.
type Pusher interface {
	PushText(text string) bool
}

// Availability reports whether a character can be voiced right now.
type Availability func(config.CharacterConfig) bool

// CredentialsAvailable returns an [Availability] that checks the
// character's TTS entry in group. A character without an explicit voice
// provider uses the primary entry.
func CredentialsAvailable(group config.ProviderGroup) Availability {
	return func(c config.CharacterConfig) bool {
		name := c.Voice.Provider
		if name == "" {
			name = group.Name
		}
		e := group.Entry(name)
		return e != nil && e.RequirementsMet()
	}
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithAvailability sets the check used to skip characters. Default: every
// character is available.
func WithAvailability(fn Availability) Option {
	return func(m *Manager) { m.available = fn }
}

// WithOnChange registers fn to be called after the active character changed.
func WithOnChange(fn func(config.CharacterConfig)) Option {
	return func(m *Manager) { m.onChange = append(m.onChange, fn) }
}

// Manager owns the character list and the active selection. It is safe for
// concurrent use.
type Manager struct {
	q         Pusher
	available Availability
	onChange  []func(config.CharacterConfig)

	mu      sync.RWMutex
	chars   []config.CharacterConfig
	current int
}

// New creates a Manager over chars with active selected. An empty active
// selects the first character. The start-up selection is not announced.
func New(chars []config.CharacterConfig, active string, q Pusher, opts ...Option) (*Manager, error) {
	m := &Manager{
		q:         q,
		available: func(config.CharacterConfig) bool { return true },
	}
	for _, o := range opts {
		o(m)
	}
	if err := m.Reload(chars, active); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload replaces the character list, e.g. after a config change. The
// active character is kept when it still exists; otherwise active (or the
// first character) is selected. Callbacks fire when the selection changed.
func (m *Manager) Reload(chars []config.CharacterConfig, active string) error {
	m.mu.Lock()
	prev, hadPrev := m.currentLocked()
	keep := ""
	if hadPrev {
		keep = prev.ID
	}
	if active == "" {
		active = keep
	}
	idx := 0
	if active != "" {
		idx = indexOf(chars, active)
		if idx < 0 {
			m.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknown, active)
		}
	}
	m.chars = append([]config.CharacterConfig(nil), chars...)
	m.current = idx
	cur, ok := m.currentLocked()
	m.mu.Unlock()

	if ok && hadPrev && cur.ID != prev.ID {
		m.notify(cur)
	}
	return nil
}

// Current returns the active character. ok is false when none is configured.
func (m *Manager) Current() (c config.CharacterConfig, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() (config.CharacterConfig, bool) {
	if m.current < 0 || m.current >= len(m.chars) {
		return config.CharacterConfig{}, false
	}
	return m.chars[m.current], true
}

// Persona returns the prompt description of the active character.
func (m *Manager) Persona() string {
	c, ok := m.Current()
	if !ok {
		return ""
	}
	return Describe(c.Persona)
}

// Voice returns the voice of the active character. The voice ID defaults
// to the character ID.
func (m *Manager) Voice() tts.VoiceProfile {
	c, ok := m.Current()
	if !ok {
		return tts.VoiceProfile{}
	}
	v := c.Voice
	if v.ID == "" {
		v.ID = c.ID
	}
	if v.Name == "" {
		v.Name = c.Persona.Name
	}
	return v
}

// List returns a copy of the configured characters in switch order.
func (m *Manager) List() []config.CharacterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]config.CharacterConfig(nil), m.chars...)
}

// Select activates the character with id and announces it.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	idx := indexOf(m.chars, id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknown, id)
	}
	c := m.chars[idx]
	if !m.available(c) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnavailable, id)
	}
	m.current = idx
	m.mu.Unlock()

	m.announce(c)
	return nil
}

// Next switches to the following character whose voice is available,
// wrapping around. It reports false and keeps the selection when no other
// character can be voiced.
func (m *Manager) Next() (config.CharacterConfig, bool) {
	m.mu.Lock()
	n := len(m.chars)
	for step := 1; step < n; step++ {
		idx := (m.current + step) % n
		if c := m.chars[idx]; m.available(c) {
			m.current = idx
			m.mu.Unlock()
			m.announce(c)
			return c, true
		}
		slog.Debug("character: skipping unavailable character", "id", m.chars[idx].ID)
	}
	cur, _ := m.currentLocked()
	m.mu.Unlock()
	return cur, false
}

func (m *Manager) announce(c config.CharacterConfig) {
	slog.Info("character: selected", "id", c.ID, "name", c.Persona.Name)
	if m.q != nil {
		m.q.PushText(Announcement(c))
	}
	m.notify(c)
}

func (m *Manager) notify(c config.CharacterConfig) {
	for _, fn := range m.onChange {
		fn(c)
	}
}

// Announcement is the sentence spoken when c becomes active.
func Announcement(c config.CharacterConfig) string {
	return fmt.Sprintf("キャラクタ %sさん CV %sが選択されました。", c.Persona.Name, c.ID)
}

// Describe renders p as prompt sentences, one per non-empty field.
func Describe(p config.PersonaConfig) string {
	var sb strings.Builder
	line := func(format, value string) {
		if value != "" {
			fmt.Fprintf(&sb, format, value)
		}
	}
	line("あなたの名前は %sです。\n", p.Name)
	line("あなたの性別は %sです。\n", p.Gender)
	line("あなたは一人称として %sを使います。\n", p.Myself)
	line("あなたの性格は %s\n", p.Type)
	line("あなたの話し方は %s\n", p.TalkStyle)
	line("あなたは %s\n", p.Detail)
	return sb.String()
}

func indexOf(chars []config.CharacterConfig, id string) int {
	for i, c := range chars {
		if c.ID == id {
			return i
		}
	}
	return -1
}
