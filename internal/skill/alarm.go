package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/clovoice/internal/media"
	"github.com/MrWong99/clovoice/internal/queue"
	"github.com/MrWong99/clovoice/internal/store"
)

// alarmLayouts are the ISO 8601 forms accepted by CALL_ALARM. Layouts
// without a zone are read in local time.
var alarmLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Alarm rings at wall-clock times persisted in a [store.Store]. A poller
// fires at most one due alarm per tick; the alarm keeps announcing itself
// through the queue until the mute button is pressed.
type Alarm struct {
	db  store.Store
	q   Pusher
	now func() time.Time

	ringing atomic.Bool
	stop    media.StopFlag
}

var (
	_ Skill  = (*Alarm)(nil)
	_ Poller = (*Alarm)(nil)
	_ Muter  = (*Alarm)(nil)
)

// AlarmOption configures an [Alarm].
type AlarmOption func(*Alarm)

// WithAlarmClock replaces time.Now.
func WithAlarmClock(now func() time.Time) AlarmOption {
	return func(a *Alarm) { a.now = now }
}

// NewAlarm creates an Alarm storing its deadlines in db.
func NewAlarm(db store.Store, q Pusher, opts ...AlarmOption) *Alarm {
	a := &Alarm{db: db, q: q, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Alarm) Name() string { return "alarm" }

func (a *Alarm) PromptFragment() string {
	return "AlarmSkillProvider: これは指定時間に自動鳴動するスキルです。 時刻はISO 8601フォーマットです。 例：`2023-06-02T19:57:10+09:00` フォーマット: `CALL_ALARM <(iso8601)|delete_all>`"
}

// PreProcess implements [Skill]. Alarms can only be set through structured
// commands, so backends without them get an explanation.
func (a *Alarm) PreProcess(_ context.Context, utterance string, structured bool) (string, bool) {
	if structured || !strings.Contains(utterance, "アラーム") {
		return "", false
	}
	return "現在の言語モデルはアラーム機能をサポートしません。", true
}

// PostProcess implements [Skill] for "CALL_ALARM <iso8601>" and
// "CALL_ALARM delete_all".
func (a *Alarm) PostProcess(ctx context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_ALARM")
	if !ok {
		return "", false
	}
	const retry = "すみません。もう一度お願いします。"
	if len(args) == 0 {
		return reprompt(a.Name(), reply, retry, errors.New("missing time")), true
	}

	if args[0] == "delete_all" {
		if _, err := a.db.Execute(ctx, "DELETE FROM alarms", true); err != nil {
			return apologize(a.Name(), "アラームを削除できませんでした。", err), true
		}
		slog.Info("skill: all alarms deleted")
		return "設定されたアラームをすべて削除しました。", true
	}

	at, err := parseAlarmTime(args[0])
	if err != nil {
		return reprompt(a.Name(), reply, retry, err), true
	}
	if _, err := a.db.Execute(ctx, "INSERT INTO alarms (alarm_ts) VALUES (?)", true, at.Unix()); err != nil {
		return apologize(a.Name(), "アラームを設定できませんでした。", err), true
	}
	slog.Info("skill: alarm set", "at", at)
	return at.Format("2006年01月02日 15時04分") + " にアラームを設定しました。", true
}

// Mute implements [Muter]. It only has an effect while an alarm rings.
func (a *Alarm) Mute() {
	if a.ringing.Load() {
		a.stop.Stop()
	}
}

// Ringing reports whether an alarm is announcing itself.
func (a *Alarm) Ringing() bool { return a.ringing.Load() }

// Run implements [Poller].
func (a *Alarm) Run(ctx context.Context) error {
	return poll(ctx, pollInterval, func(ctx context.Context) {
		if err := a.Check(ctx); err != nil {
			slog.Warn("skill: alarm check failed", "err", err)
		}
	})
}

// Check deletes and fires one alarm whose time has passed.
func (a *Alarm) Check(ctx context.Context) error {
	rows, err := a.db.Execute(ctx, "SELECT id FROM alarms WHERE alarm_ts < ? ORDER BY alarm_ts LIMIT 1", false, a.now().Unix())
	if err != nil {
		return fmt.Errorf("skill: select due alarm: %w", err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}
	id := rows[0][0]
	if _, err := a.db.Execute(ctx, "DELETE FROM alarms WHERE id = ?", true, id); err != nil {
		return fmt.Errorf("skill: delete alarm %v: %w", id, err)
	}
	slog.Info("skill: alarm due", "id", id)

	// A second alarm due while one rings is covered by the running loop.
	if a.ringing.CompareAndSwap(false, true) {
		a.stop.Clear()
		a.ring(ctx)
	}
	return nil
}

// ring announces the time and re-queues itself until muted.
func (a *Alarm) ring(context.Context) {
	a.q.PushText(fmt.Sprintf("現在時刻は%s、です。ミュートボタンを押してアラームを停止します。", a.now().Format("15時04分")))
	if a.stop.Take() {
		a.ringing.Store(false)
		slog.Info("skill: alarm stopped")
		return
	}
	a.q.PushAction(queue.Action(a.ring))
}

func parseAlarmTime(s string) (time.Time, error) {
	for _, layout := range alarmLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
