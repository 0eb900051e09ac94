package skill

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var weekdays = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// DateTime answers questions about the current date and time.
type DateTime struct {
	now func() time.Time
}

var _ Skill = (*DateTime)(nil)

// NewDateTime creates the skill. A nil clock means time.Now.
func NewDateTime(now func() time.Time) *DateTime {
	if now == nil {
		now = time.Now
	}
	return &DateTime{now: now}
}

func (d *DateTime) Name() string { return "datetime" }

func (d *DateTime) PromptFragment() string {
	return "DateTimeSkillProvider: これは今日の日付を応答するスキルです。 フォーマット: `CALL_DATETIME [date|time]`"
}

func (d *DateTime) PreProcess(_ context.Context, utterance string, structured bool) (string, bool) {
	if structured {
		return "", false
	}
	if !strings.Contains(utterance, "今") || !strings.Contains(utterance, "何") || !containsAny(utterance, "日", "時") {
		return "", false
	}
	switch {
	case strings.Contains(utterance, "今何時"):
		return timeReply(d.now()), true
	case strings.Contains(utterance, "何日"):
		return dateReply(d.now()), true
	}
	return "", false
}

// PostProcess implements [Skill] for "CALL_DATETIME date|time".
func (d *DateTime) PostProcess(_ context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_DATETIME")
	if !ok {
		return "", false
	}
	if len(args) > 0 {
		switch args[0] {
		case "date":
			return dateReply(d.now()), true
		case "time":
			return timeReply(d.now()), true
		}
	}
	return reprompt(d.Name(), reply, "日付と時刻のどちらを知りたいですか。", fmt.Errorf("want date or time, got %v", args)), true
}

func timeReply(t time.Time) string {
	return fmt.Sprintf("今は%d時%d分%d秒です", t.Hour(), t.Minute(), t.Second())
}

func dateReply(t time.Time) string {
	return fmt.Sprintf("今日は%d年%d月%d日%s曜日です", t.Year(), int(t.Month()), t.Day(), weekdays[t.Weekday()])
}
