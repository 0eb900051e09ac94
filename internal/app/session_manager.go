package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/clovoice/internal/conversation"
	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/queue"
	"github.com/MrWong99/clovoice/internal/remote"
	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/audio"
)

// FarewellReply is spoken when the user ends the session by voice.
const FarewellReply = "わかりました。終了します。さようなら。"

var exitPhrases = []string{"終了", "終了。"}

// IsExitPhrase reports whether text ends the session.
func IsExitPhrase(text string) bool {
	for _, p := range exitPhrases {
		if text == p {
			return true
		}
	}
	return false
}

// Voice is the speech side of the loop. *voice.Controller satisfies it.
type Voice interface {
	Record(ctx context.Context) (audio.Utterance, error)
	SpeechToText(ctx context.Context, utt audio.Utterance) (string, bool)
	Speak(ctx context.Context, text string) error
}

// Answerer is the conversation side of the loop.
// *conversation.Controller satisfies it.
type Answerer interface {
	CheckInterrupt() (queue.Item, bool)
	GetAnswer(ctx context.Context, utterance string) string
}

// Broadcaster receives every spoken line. *remote.Server satisfies it.
type Broadcaster interface {
	Broadcast(ex remote.Exchange)
}

// Pusher queues reply lines. *queue.Queue satisfies it.
type Pusher interface {
	PushText(text string) bool
}

// SessionInfo describes the running conversation loop.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
	Exchanges int
}

// SessionManagerConfig holds the collaborators of a [SessionManager].
// Broadcaster is optional.
type SessionManagerConfig struct {
	Voice       Voice
	Answerer    Answerer
	Queue       Pusher
	Broadcaster Broadcaster

	// DeviceRetry is the pause after a failed capture before the
	// microphone is opened again. Zero ends the session on the first
	// device failure.
	DeviceRetry time.Duration
}

// SessionManager owns the main conversation loop. Only one loop runs at a
// time. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu     sync.Mutex
	active bool
	info   SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// heard is the utterance whose reply lines are still queued. The first
	// spoken line carries it to the broadcaster. Loop goroutine only.
	heard string
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{cfg: cfg}
}

// Start launches the loop. It returns an error if a loop is already
// running.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active {
		return fmt.Errorf("app: session already active (id=%s)", sm.info.SessionID)
	}

	ctx, sm.cancel = context.WithCancel(ctx)
	sm.active = true
	sm.err = nil
	sm.done = make(chan struct{})
	sm.info = SessionInfo{SessionID: uuid.NewString(), StartedAt: time.Now().UTC()}
	done := sm.done

	slog.Info("app: session started", "session", sm.info.SessionID)
	go func() {
		err := sm.run(ctx)
		sm.mu.Lock()
		sm.active = false
		sm.err = err
		info := sm.info
		sm.mu.Unlock()
		slog.Info("app: session ended", "session", info.SessionID, "exchanges", info.Exchanges, "err", err)
		close(done)
	}()
	return nil
}

// Done is closed when the loop returns. It is nil before the first Start.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.done
}

// Err returns why the last loop ended: nil after the exit phrase, the
// context error after Stop and the device error otherwise.
func (sm *SessionManager) Err() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.err
}

// Stop cancels the loop and waits for it to return, at most until ctx
// expires. Stopping an inactive manager is a no-op.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	cancel, done := sm.cancel, sm.done
	sm.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: join session loop: %w", ctx.Err())
	}
}

// IsActive reports whether the loop is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the current or last loop.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

func (sm *SessionManager) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		exit, err := sm.Step(ctx)
		switch {
		case exit:
			return nil
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case voiceerr.Fatal(err) && sm.cfg.DeviceRetry > 0:
			slog.Error("app: device failure, retrying", "err", err, "retry_in", sm.cfg.DeviceRetry)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sm.cfg.DeviceRetry):
			}
		case voiceerr.Fatal(err):
			return err
		default:
			slog.Warn("app: loop iteration failed", "err", err)
		}
	}
}

// Step runs one iteration of the main loop. A queued item is handled
// first; otherwise one utterance is recorded and answered. The queue is
// checked again before the answer is computed, and a queued item wins over
// the utterance, which is dropped. It reports true once the exit phrase was
// heard and the farewell spoken.
func (sm *SessionManager) Step(ctx context.Context) (exit bool, err error) {
	if item, ok := sm.cfg.Answerer.CheckInterrupt(); ok {
		return false, sm.handleItem(ctx, item)
	}

	utt, err := sm.cfg.Voice.Record(ctx)
	if err != nil {
		return false, err
	}
	if utt.Interrupted {
		slog.Debug("app: capture interrupted, utterance dropped", "frames", len(utt.Frames))
		return false, sm.interrupt(ctx)
	}
	text, ok := sm.cfg.Voice.SpeechToText(ctx, utt)
	if !ok {
		return false, nil
	}

	ctx, span := observe.StartSpan(ctx, observe.SpanExchange)
	defer span.End()

	if IsExitPhrase(text) {
		sm.count()
		if err := sm.cfg.Voice.Speak(ctx, FarewellReply); err != nil && !errors.Is(err, context.Canceled) {
			observe.Logger(ctx).Warn("app: farewell not played", "err", err)
		}
		sm.broadcast(ctx, text, FarewellReply)
		return true, nil
	}

	if item, ok := sm.cfg.Answerer.CheckInterrupt(); ok {
		observe.Logger(ctx).Debug("app: interrupted before answering, utterance dropped", "heard", text)
		return false, sm.handleItem(ctx, item)
	}

	sm.Answer(ctx, text)
	return false, nil
}

// interrupt handles the item that cut a capture short, if it is still queued.
func (sm *SessionManager) interrupt(ctx context.Context) error {
	item, ok := sm.cfg.Answerer.CheckInterrupt()
	if !ok {
		return nil
	}
	return sm.handleItem(ctx, item)
}

// Answer queues the reply to text line by line as if text had been heard.
// It must be called from the loop goroutine, e.g. from a queued action.
func (sm *SessionManager) Answer(ctx context.Context, text string) {
	lines := conversation.Lines(sm.cfg.Answerer.GetAnswer(ctx, text))
	if len(lines) == 0 {
		observe.Logger(ctx).Debug("app: nothing to answer", "heard", text)
		return
	}
	sm.count()
	sm.heard = text
	for _, line := range lines {
		sm.cfg.Queue.PushText(line)
	}
}

func (sm *SessionManager) handleItem(ctx context.Context, item queue.Item) error {
	switch item.Kind {
	case queue.KindText:
		ctx, span := observe.StartSpan(ctx, observe.SpanSpeak)
		defer span.End()
		heard := sm.heard
		sm.heard = ""
		if err := sm.cfg.Voice.Speak(ctx, item.Text); err != nil {
			return err
		}
		sm.broadcast(ctx, heard, item.Text)
	case queue.KindAction:
		item.Action(ctx)
	}
	return nil
}

func (sm *SessionManager) broadcast(ctx context.Context, heard, reply string) {
	if sm.cfg.Broadcaster != nil {
		sm.cfg.Broadcaster.Broadcast(remote.Exchange{Heard: heard, Reply: reply, TraceID: observe.CorrelationID(ctx)})
	}
}

func (sm *SessionManager) count() {
	sm.mu.Lock()
	sm.info.Exchanges++
	sm.mu.Unlock()
}
