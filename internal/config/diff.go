package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; provider,
// audio and store changes need a restart and are reported by RestartNeeded.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CharacterChanged is set when the active character ID changed.
	CharacterChanged bool
	NewCharacter     string

	// CharactersChanged is set when any persona or voice was edited, added
	// or removed.
	CharactersChanged bool
	CharacterChanges  []CharacterDiff

	VolumeChanged bool
	NewVolumeStep *int

	// RestartNeeded lists changed sections that are only read at start-up.
	RestartNeeded []string
}

// CharacterDiff describes what changed for a single character.
type CharacterDiff struct {
	ID             string
	PersonaChanged bool
	VoiceChanged   bool
	Added          bool
	Removed        bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CharacterChanged && !d.CharactersChanged &&
		!d.VolumeChanged && len(d.RestartNeeded) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Character != new.Character {
		d.CharacterChanged = true
		d.NewCharacter = new.Character
	}
	if !equalStep(old.Audio.Speaker.VolumeStep, new.Audio.Speaker.VolumeStep) {
		d.VolumeChanged = true
		d.NewVolumeStep = new.Audio.Speaker.VolumeStep
	}

	oldChars := make(map[string]*CharacterConfig, len(old.Characters))
	for i := range old.Characters {
		oldChars[old.Characters[i].ID] = &old.Characters[i]
	}
	newChars := make(map[string]*CharacterConfig, len(new.Characters))
	for i := range new.Characters {
		newChars[new.Characters[i].ID] = &new.Characters[i]
	}
	for id, oc := range oldChars {
		nc, ok := newChars[id]
		if !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Removed: true})
			continue
		}
		cd := CharacterDiff{
			ID:             id,
			PersonaChanged: oc.Persona != nc.Persona,
			VoiceChanged:   !reflect.DeepEqual(oc.Voice, nc.Voice),
		}
		if cd.PersonaChanged || cd.VoiceChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
		}
	}
	for id := range newChars {
		if _, ok := oldChars[id]; !ok {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{ID: id, Added: true})
		}
	}
	d.CharactersChanged = len(d.CharacterChanges) > 0 || !sameOrder(old.Characters, new.Characters)

	for section, changed := range map[string]bool{
		"server.listen_addr": old.Server.ListenAddr != new.Server.ListenAddr,
		"audio":              !reflect.DeepEqual(withoutVolume(old.Audio), withoutVolume(new.Audio)),
		"providers":          !reflect.DeepEqual(old.Providers, new.Providers),
		"skills":             !reflect.DeepEqual(old.Skills, new.Skills),
		"store":              old.Store != new.Store,
		"hardware":           old.Hardware != new.Hardware,
		"remote":             old.Remote != new.Remote,
	} {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, section)
		}
	}
	sort.Strings(d.RestartNeeded)
	return d
}

func equalStep(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func withoutVolume(a AudioConfig) AudioConfig {
	a.Speaker.VolumeStep = nil
	return a
}

func sameOrder(a, b []CharacterConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
