package character_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/clovoice/internal/character"
	"github.com/MrWong99/clovoice/internal/config"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) PushText(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return true
}

func (r *recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testCharacters() []config.CharacterConfig {
	return []config.CharacterConfig{
		{ID: "3", Persona: config.PersonaConfig{Name: "ずんだもん"}},
		{ID: "8", Persona: config.PersonaConfig{Name: "春日部つむぎ"}},
		{ID: "2", Persona: config.PersonaConfig{Name: "四国めたん"}},
	}
}

func TestNew_SelectsActiveWithoutAnnouncing(t *testing.T) {
	t.Parallel()
	q := &recorder{}
	m, err := character.New(testCharacters(), "8", q)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, ok := m.Current()
	if !ok || c.ID != "8" {
		t.Errorf("Current: got %q/%v, want 8", c.ID, ok)
	}
	if got := q.Texts(); len(got) != 0 {
		t.Errorf("start-up selection announced: %v", got)
	}

	if _, err := character.New(testCharacters(), "99", q); !errors.Is(err, character.ErrUnknown) {
		t.Errorf("unknown active: got %v, want ErrUnknown", err)
	}
}

func TestNext_CyclesAndAnnounces(t *testing.T) {
	t.Parallel()
	q := &recorder{}
	var changed []string
	m, err := character.New(testCharacters(), "", q, character.WithOnChange(func(c config.CharacterConfig) {
		changed = append(changed, c.ID)
	}))
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for range 3 {
		c, ok := m.Next()
		if !ok {
			t.Fatal("Next reported no switch")
		}
		ids = append(ids, c.ID)
	}
	want := []string{"8", "2", "3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order: got %v, want %v", ids, want)
		}
	}
	if len(changed) != 3 {
		t.Errorf("callbacks: got %v, want 3 calls", changed)
	}
	texts := q.Texts()
	if len(texts) != 3 || texts[0] != "キャラクタ 春日部つむぎさん CV 8が選択されました。" {
		t.Errorf("announcements: got %v", texts)
	}
}

func TestNext_SkipsUnavailable(t *testing.T) {
	t.Parallel()
	q := &recorder{}
	onlyThree := func(c config.CharacterConfig) bool { return c.ID != "8" }
	m, err := character.New(testCharacters(), "3", q, character.WithAvailability(onlyThree))
	if err != nil {
		t.Fatal(err)
	}

	c, ok := m.Next()
	if !ok || c.ID != "2" {
		t.Errorf("Next: got %q/%v, want 2", c.ID, ok)
	}
	if err := m.Select("8"); !errors.Is(err, character.ErrUnavailable) {
		t.Errorf("Select unavailable: got %v", err)
	}
}

func TestNext_NoAlternative(t *testing.T) {
	t.Parallel()
	q := &recorder{}
	none := func(c config.CharacterConfig) bool { return c.ID == "3" }
	m, err := character.New(testCharacters(), "3", q, character.WithAvailability(none))
	if err != nil {
		t.Fatal(err)
	}
	c, ok := m.Next()
	if ok {
		t.Error("Next switched although no other character is available")
	}
	if c.ID != "3" {
		t.Errorf("selection changed to %q", c.ID)
	}
	if got := q.Texts(); len(got) != 0 {
		t.Errorf("unexpected announcement %v", got)
	}
}

func TestCredentialsAvailable(t *testing.T) {
	t.Setenv("CLOVOICE_TEST_EL_KEY", "")
	group := config.ProviderGroup{
		ProviderEntry: config.ProviderEntry{Name: "voicevox"},
		Fallbacks:     []config.ProviderEntry{{Name: "elevenlabs", APIKeyEnv: "CLOVOICE_TEST_EL_KEY"}},
	}
	avail := character.CredentialsAvailable(group)

	tests := []struct {
		name     string
		provider string
		want     bool
	}{
		{"primary by default", "", true},
		{"explicit primary", "voicevox", true},
		{"missing key", "elevenlabs", false},
		{"not configured", "coqui", false},
	}
	for _, tt := range tests {
		c := config.CharacterConfig{ID: "x"}
		c.Voice.Provider = tt.provider
		if got := avail(c); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	got := character.Describe(config.PersonaConfig{
		Name:      "ずんだもん",
		Myself:    "ボク",
		TalkStyle: "語尾に「なのだ」を付けます。",
	})
	want := "あなたの名前は ずんだもんです。\n" +
		"あなたは一人称として ボクを使います。\n" +
		"あなたの話し方は 語尾に「なのだ」を付けます。\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := character.Describe(config.PersonaConfig{}); got != "" {
		t.Errorf("empty persona: got %q", got)
	}
}

func TestVoice_DefaultsToCharacter(t *testing.T) {
	t.Parallel()
	m, err := character.New(testCharacters(), "2", nil)
	if err != nil {
		t.Fatal(err)
	}
	v := m.Voice()
	if v.ID != "2" || v.Name != "四国めたん" {
		t.Errorf("Voice: got %+v", v)
	}
}

func TestReload_KeepsSelection(t *testing.T) {
	t.Parallel()
	var changed []string
	m, err := character.New(testCharacters(), "8", nil, character.WithOnChange(func(c config.CharacterConfig) {
		changed = append(changed, c.ID)
	}))
	if err != nil {
		t.Fatal(err)
	}
	edited := testCharacters()
	edited[1].Persona.Myself = "あーし"
	if err := m.Reload(edited, ""); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := m.Persona(); got != "あなたの名前は 春日部つむぎです。\nあなたは一人称として あーしを使います。\n" {
		t.Errorf("Persona after reload: %q", got)
	}
	if len(changed) != 0 {
		t.Errorf("callbacks fired without a selection change: %v", changed)
	}

	if err := m.Reload(edited, "2"); err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "2" {
		t.Errorf("callbacks: got %v, want [2]", changed)
	}
}
