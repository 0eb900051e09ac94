package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/clovoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/clovoice/pkg/provider/stt/mock"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Text: "こんにちは"}
	secondary := &sttmock.Provider{Text: "fallback"}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Transcribe(context.Background(), []byte{1, 2}, stt.Config{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "こんにちは" {
		t.Errorf("text = %q", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_EmptyTranscriptIsNotFailure(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{Text: "fallback"}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Transcribe(context.Background(), []byte{1, 2}, stt.Config{})
	if err != nil || got != "" {
		t.Fatalf("got (%q, %v), want empty success", got, err)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary should not be tried")
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Text: "fallback"}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	got, err := fb.Transcribe(context.Background(), []byte{1, 2}, stt.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback" {
		t.Errorf("text = %q", got)
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewSTTFallback(&sttmock.Provider{Err: errors.New("a")}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &sttmock.Provider{Err: errors.New("b")})

	if _, err := fb.Transcribe(context.Background(), []byte{1}, stt.Config{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
