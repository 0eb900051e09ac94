package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/clovoice/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{"empty provider", "", "gpt-4o"},
		{"empty model", "openai", ""},
		{"unknown provider", "fakecloud", "some-model"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.provider, tc.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

func TestSupportsStructuredCommands(t *testing.T) {
	tests := []struct {
		vendor string
		model  string
		want   bool
	}{
		{"openai", "gpt-4o-mini", true},
		{"anthropic", "claude-3-5-haiku-latest", true},
		{"gemini", "gemini-2.0-flash", true},
		{"ollama", "llama3", false},
		{"llamacpp", "gpt-4-distill", false},
		{"groq", "llama-3.1-8b-instant", false},
	}
	for _, tc := range tests {
		if got := followsCommands(tc.vendor, tc.model); got != tc.want {
			t.Errorf("followsCommands(%q, %q) = %v, want %v", tc.vendor, tc.model, got, tc.want)
		}
	}

	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if p.SupportsStructuredCommands() {
		t.Error("ollama model should default to unstructured")
	}
	if !p.WithStructuredCommands(true).SupportsStructuredCommands() {
		t.Error("override not applied")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}

	params := p.buildParams(llm.Request{
		SystemPrompt: "sys",
		Prompt:       "こんにちは",
		Temperature:  0.7,
		MaxTokens:    128,
	})
	if params.Model != "llama3" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != "system" || params.Messages[1].Role != "user" {
		t.Errorf("roles = %q, %q", params.Messages[0].Role, params.Messages[1].Role)
	}
	if params.Messages[1].ContentString() != "こんにちは" {
		t.Errorf("prompt = %q", params.Messages[1].ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}

	params = p.buildParams(llm.Request{Prompt: "x", Model: "qwen2"})
	if params.Model != "qwen2" || len(params.Messages) != 1 {
		t.Errorf("override: model=%q messages=%d", params.Model, len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero values should leave optional params unset")
	}
}
