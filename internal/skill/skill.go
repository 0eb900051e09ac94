// Package skill implements the scripted abilities of the assistant and the
// ordered chain that dispatches utterances and backend replies to them.
//
// Each utterance is offered to every skill's [Skill.PreProcess] in
// registration order; the first skill that answers wins and the generative
// backend is not called. When the backend supports structured commands its
// reply is offered to every [Skill.PostProcess] in the same order so a skill
// can execute a command such as "CALL_TIMER 70".
//
// Skills never return errors to the dispatcher. Network and parse failures
// are logged as [voiceerr.SkillInternalError] and answered with an apology;
// malformed commands are logged as [voiceerr.InvalidCommand] and answered
// with a re-prompt.
package skill

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/clovoice/internal/queue"
	"github.com/MrWong99/clovoice/internal/voiceerr"
)

// Skill is one scripted ability.
type Skill interface {
	// Name identifies the skill in config, logs and metrics.
	Name() string

	// PromptFragment describes the skill's command grammar for the
	// generative backend.
	PromptFragment() string

	// PreProcess may answer utterance directly. structured reports whether
	// the generative backend understands structured commands; most skills
	// only pattern-match when it does not. ok=false passes the utterance on.
	PreProcess(ctx context.Context, utterance string, structured bool) (reply string, ok bool)

	// PostProcess may execute a structured command found in a backend
	// reply. An empty reply with ok=true means the effect (e.g. queued
	// playback) is the whole answer.
	PostProcess(ctx context.Context, reply string) (answer string, ok bool)
}

// Poller is implemented by skills that need a background loop. Run blocks
// until ctx is cancelled.
type Poller interface {
	Run(ctx context.Context) error
}

// Muter is implemented by skills that react to the hardware mute button.
type Muter interface {
	Mute()
}

// Pusher is the producer side of the interrupt queue. *queue.Queue
// satisfies it.
type Pusher interface {
	PushText(text string) bool
	PushAction(fn queue.Action) bool
}

// command returns the space-separated arguments of a structured command on
// the first line of reply when it starts with prefix.
func command(reply, prefix string) ([]string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(reply), "\n")
	if !strings.HasPrefix(line, prefix) {
		return nil, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != prefix {
		return nil, false
	}
	return fields[1:], true
}

// apologize logs err as a skill failure and returns msg.
func apologize(skill, msg string, err error) string {
	slog.Warn("skill: internal error", "err", &voiceerr.SkillInternalError{Skill: skill, Err: err})
	return msg
}

// reprompt logs a malformed command and returns msg.
func reprompt(skill, cmd, msg string, err error) string {
	slog.Warn("skill: invalid command", "err", &voiceerr.InvalidCommand{Skill: skill, Command: cmd, Err: err})
	return msg
}

// containsAny reports whether s contains any of subs.
func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
