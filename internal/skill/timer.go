package skill

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimerState is the state of the [Timer] skill.
type TimerState int

const (
	TimerIdle TimerState = iota
	TimerArmed
	TimerRinging
)

func (s TimerState) String() string {
	switch s {
	case TimerIdle:
		return "idle"
	case TimerArmed:
		return "armed"
	case TimerRinging:
		return "ringing"
	default:
		return "TimerState(" + strconv.Itoa(int(s)) + ")"
	}
}

// timerRepeat is the re-announcement interval while ringing.
const timerRepeat = 10 * time.Second

var (
	timerRequest  = regexp.MustCompile(`.*後に.*知らせて|.*後に.*タイマ.*セット`)
	timerDuration = regexp.MustCompile(`^(?:(\d+)時間)?(?:(\d+)分)?(?:(\d+)秒)?`)
)

// Timer announces "time's up" after a spoken or commanded duration and keeps
// repeating it until acknowledged or muted.
type Timer struct {
	q   Pusher
	now func() time.Time

	mu       sync.Mutex
	state    TimerState
	deadline time.Time
	label    string
}

var (
	_ Skill  = (*Timer)(nil)
	_ Poller = (*Timer)(nil)
	_ Muter  = (*Timer)(nil)
)

// TimerOption configures a [Timer].
type TimerOption func(*Timer)

// WithTimerClock replaces time.Now.
func WithTimerClock(now func() time.Time) TimerOption {
	return func(t *Timer) { t.now = now }
}

// NewTimer creates an idle Timer that announces through q.
func NewTimer(q Pusher, opts ...TimerOption) *Timer {
	t := &Timer{q: q, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Timer) Name() string { return "timer" }

func (t *Timer) PromptFragment() string {
	return "TimerSkillProvider: これは指定時間後に自動返答するスキルです。 フォーマット: `CALL_TIMER [duration_in_seconds]`"
}

// State returns the current state.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PreProcess implements [Skill]. While ringing every utterance is consumed:
// a closing phrase silences the timer, anything else is answered with a
// waiting notice.
func (t *Timer) PreProcess(_ context.Context, utterance string, structured bool) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TimerRinging {
		if containsAny(utterance, "わかりました", "了解", "止めて") {
			t.state = TimerIdle
			slog.Info("skill: timer acknowledged")
			return "タイマ通知を終了します。", true
		}
		return "終了待ちです。", true
	}
	if structured || !timerRequest.MatchString(utterance) {
		return "", false
	}

	label, _, _ := strings.Cut(utterance, "後")
	secs, ok := parseDuration(label)
	if !ok {
		return "", false
	}
	t.arm(secs, label)
	return label + "後にタイマーをセットします。", true
}

// PostProcess implements [Skill] for "CALL_TIMER <seconds>".
func (t *Timer) PostProcess(_ context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_TIMER")
	if !ok {
		return "", false
	}
	const retry = "タイマーの時間を解釈できませんでした。もう一度お願いします。"
	if len(args) == 0 {
		return reprompt(t.Name(), reply, retry, errors.New("missing duration")), true
	}
	secs, err := strconv.Atoi(args[0])
	if err != nil {
		return reprompt(t.Name(), reply, retry, err), true
	}
	if secs <= 0 {
		return reprompt(t.Name(), reply, retry, errors.New("duration must be positive")), true
	}

	t.mu.Lock()
	t.arm(secs, strconv.Itoa(secs)+"秒")
	t.mu.Unlock()
	return "タイマーをセットしました", true
}

// arm must be called with mu held.
func (t *Timer) arm(secs int, label string) {
	t.state = TimerArmed
	t.label = label
	t.deadline = t.now().Add(time.Duration(secs) * time.Second)
	slog.Info("skill: timer armed", "seconds", secs, "deadline", t.deadline)
}

// Mute implements [Muter]: a ringing timer goes idle.
func (t *Timer) Mute() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TimerRinging {
		t.state = TimerIdle
		slog.Info("skill: timer muted")
	}
}

// Run implements [Poller].
func (t *Timer) Run(ctx context.Context) error {
	return poll(ctx, pollInterval, func(context.Context) { t.Tick(t.now()) })
}

// Tick advances the timer to now. Once the deadline has passed the timer
// rings and queues one notice, then moves the deadline on by the
// re-announcement interval.
func (t *Timer) Tick(now time.Time) {
	t.mu.Lock()
	if t.state == TimerIdle || now.Before(t.deadline) {
		t.mu.Unlock()
		return
	}
	t.state = TimerRinging
	t.deadline = t.deadline.Add(timerRepeat)
	notice := t.label + " 経ちました。"
	t.mu.Unlock()

	slog.Info("skill: timer ringing", "notice", notice)
	t.q.PushText(notice)
}

// parseDuration converts e.g. "1時間2分3秒" to seconds. At least one unit
// must be present and the total must be positive.
func parseDuration(s string) (int, bool) {
	m := timerDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[0] == "" {
		return 0, false
	}
	total := 0
	for i, mult := range []int{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, false
		}
		total += n * mult
	}
	return total, total > 0
}
