package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/clovoice/pkg/provider/llm"
)

const completionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 0,
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "CALL_TIMER 60"}}],
	"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
}`

func TestAnswer(t *testing.T) {
	t.Parallel()
	var got struct {
		Model    string  `json:"model"`
		Temp     float64 `json:"temperature"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := p.Answer(context.Background(), llm.Request{
		SystemPrompt: "system",
		Prompt:       "1分後に知らせて",
		Temperature:  0.5,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if reply != "CALL_TIMER 60" {
		t.Errorf("reply = %q", reply)
	}
	if path != "/v1/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if got.Model != "gpt-4o-mini" || got.Temp != 0.5 {
		t.Errorf("model=%q temperature=%v", got.Model, got.Temp)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "1分後に知らせて" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestAnswer_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)
			p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
			if _, err := p.Answer(context.Background(), llm.Request{Prompt: "x"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "gpt-4o")

	params := p.buildParams(llm.Request{Prompt: "hi", Model: "gpt-4o-mini", MaxTokens: 64})
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q, want request override", params.Model)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without a system prompt", len(params.Messages))
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 64 {
		t.Errorf("max tokens = %+v", params.MaxCompletionTokens)
	}
	if params.Temperature.Valid() {
		t.Error("temperature set for zero value")
	}
}

func TestSupportsStructuredCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model string
		opts  []Option
		want  bool
	}{
		{model: "gpt-4o-mini", want: true},
		{model: "gpt-3.5-turbo", want: true},
		{model: "o3-mini", want: true},
		{model: "llama3", want: false},
		{model: "llama3", opts: []Option{WithStructuredCommands(true)}, want: true},
		{model: "gpt-4o", opts: []Option{WithStructuredCommands(false)}, want: false},
	}
	for _, tc := range tests {
		p, err := New("sk-test", tc.model, tc.opts...)
		if err != nil {
			t.Fatalf("New(%q): %v", tc.model, err)
		}
		if got := p.SupportsStructuredCommands(); got != tc.want {
			t.Errorf("%s: SupportsStructuredCommands = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}
