package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/clovoice/pkg/audio"
	"github.com/MrWong99/clovoice/pkg/provider/stt"
)

type seen struct {
	mu       sync.Mutex
	path     string
	model    string
	language string
	header   audio.WAVHeader
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.path = r.URL.Path
		s.model = r.FormValue("model")
		s.language = r.FormValue("language")
		if f, _, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(f)
			s.header, _ = audio.ReadWAVHeader(data)
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv, s := newServer(t, http.StatusOK, `{"text":" 今何時 "}`)
	p, err := New("sk-test", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), make([]byte, 3200), stt.Config{SampleRate: 16000, Channels: 1, Language: "ja-JP"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "今何時" {
		t.Errorf("text = %q, want %q", text, "今何時")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "/v1/audio/transcriptions" {
		t.Errorf("path = %q", s.path)
	}
	if s.model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", s.model)
	}
	if s.language != "ja" {
		t.Errorf("language = %q, want ja", s.language)
	}
	if s.header.SampleRate != 16000 || s.header.Channels != 1 {
		t.Errorf("wav header = %+v", s.header)
	}
}

func TestTranscribe_EmptyPCM(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", WithBaseURL("http://127.0.0.1:1/"))
	text, err := p.Transcribe(context.Background(), nil, stt.Config{})
	if err != nil || text != "" {
		t.Fatalf("Transcribe = (%q, %v), want empty", text, err)
	}
}

func TestTranscribe_APIError(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`)
	p, _ := New("sk-bad", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if _, err := p.Transcribe(context.Background(), make([]byte, 320), stt.Config{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
