// Package conversation turns a transcribed utterance into the reply text.
//
// An utterance is answered, in order, by the name call, by the first skill
// whose pre-processing recognises it, or by the generative backend. When the
// backend follows structured commands its reply is handed to the skills'
// post-processing so that a command such as "CALL_TIMER 70" is executed
// instead of spoken.
package conversation

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/queue"
	"github.com/MrWong99/clovoice/internal/voiceerr"
	"github.com/MrWong99/clovoice/pkg/provider/llm"
)

// Fixed replies.
const (
	// SystemPrompt is sent as the system message of every backend request.
	SystemPrompt = "あなたはサービス終了で使えなくなったクローバの後を次ぎました。"

	NameCallReply = "はい。何でしょう。"
	ApologyReply  = "すみません。質問が理解できませんでした。"
)

// nameCalls are answered without consulting skills or the backend.
var nameCalls = []string{"ねえクローバー", "ねえクローバ"}

// promptTemplate wraps the utterance for backends that follow structured
// commands.
const promptTemplate = "\n{CURRENT_DATETIME}\n\n使用可能なスキル：\n```\n{SKILL_LIST}\n```\n" +
	"スキルを使用し、特殊な応答が可能です。\n" +
	"あなたがこれらの応答を使用する際、このフォーマットに従った回答をします。\n" +
	"説明等は含めないでください。これは機械によって読み取られます。\n" +
	"これらに該当すると思われない文章があった場合、そのまま日本語で応答してください。\n\n" +
	"以下がユーザーの文書です。これに応答して下さい。\n```\n{STT_RESULT}\n```\n"

// datetimeLayout renders the prompt's current time, e.g. "2024年03月05日 07時09分".
const datetimeLayout = "2006年01月02日 15時04分"

// Skills is the dispatch chain. *skill.Dispatcher satisfies it.
type Skills interface {
	PromptFragments() string
	PreProcess(ctx context.Context, utterance string, structured bool) (reply, skill string, ok bool)
	PostProcess(ctx context.Context, reply string) (answer, skill string, ok bool)
}

// Persona supplies the active character description. *character.Manager
// satisfies it.
type Persona interface {
	Persona() string
}

// Source is the consumer side of the interrupt queue.
type Source interface {
	Pop() (queue.Item, bool)
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithModelParams sets the model, temperature and token limit sent with
// every backend request. Zero values keep the backend defaults.
func WithModelParams(model string, temperature float64, maxTokens int) Option {
	return func(c *Controller) {
		c.params.Model = model
		c.params.Temperature = temperature
		c.params.MaxTokens = maxTokens
	}
}

// WithClock replaces time.Now for the prompt's current time.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records backend latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller answers utterances. It is driven by the main loop only.
type Controller struct {
	source  Source
	skills  Skills
	backend llm.Provider
	persona Persona
	params  llm.Request
	now     func() time.Time
	metrics *observe.Metrics
}

// New creates a Controller. backend may be nil, in which case only the name
// call and skills answer.
func New(source Source, skills Skills, backend llm.Provider, persona Persona, opts ...Option) *Controller {
	c := &Controller{
		source:  source,
		skills:  skills,
		backend: backend,
		persona: persona,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckInterrupt pops the next queued item without blocking.
func (c *Controller) CheckInterrupt() (queue.Item, bool) {
	return c.source.Pop()
}

// Structured reports whether the backend follows structured commands.
func (c *Controller) Structured() bool {
	return c.backend != nil && c.backend.SupportsStructuredCommands()
}

// GetAnswer returns the reply to utterance. The reply may span several
// lines and is empty when there is nothing to say.
func (c *Controller) GetAnswer(ctx context.Context, utterance string) string {
	if utterance == "" {
		return ""
	}
	for _, call := range nameCalls {
		if utterance == call {
			return NameCallReply
		}
	}

	ctx, span := observe.StartSpan(ctx, observe.SpanAnswer)
	defer span.End()
	log := observe.Logger(ctx)

	structured := c.Structured()
	span.SetAttributes(observe.AttrStructured.Bool(structured))
	if c.skills != nil {
		if reply, name, ok := c.skills.PreProcess(ctx, utterance, structured); ok {
			observe.AnsweredBy(span, name, observe.StagePre)
			return reply
		}
	}
	if c.backend == nil {
		log.Warn("conversation: no generative backend configured")
		return ApologyReply
	}

	fragments := ""
	if c.skills != nil {
		fragments = c.skills.PromptFragments()
	}
	var persona string
	if c.persona != nil {
		persona = c.persona.Persona()
	}
	req := c.params
	req.SystemPrompt = SystemPrompt
	req.Prompt = BuildPrompt(persona, utterance, fragments, c.now(), structured)
	log.Debug("conversation: prompt", "prompt", req.Prompt, "structured", structured)

	start := time.Now()
	reply, err := c.backend.Answer(ctx, req)
	c.recordLatency(ctx, time.Since(start), err)
	if err != nil {
		log.Warn("conversation: backend failed", "err", &voiceerr.BackendUnavailable{Backend: "llm", Err: err})
		return ApologyReply
	}
	if strings.TrimSpace(reply) == "" {
		log.Warn("conversation: backend returned an empty reply")
		return ApologyReply
	}

	if structured && c.skills != nil {
		if answer, name, ok := c.skills.PostProcess(ctx, reply); ok {
			observe.AnsweredBy(span, name, observe.StagePost)
			return answer
		}
	}
	return reply
}

// BuildPrompt assembles the user message for the backend. Structured
// prompts list the skill commands and the current time; plain prompts are
// the persona followed by the utterance.
func BuildPrompt(persona, utterance, skillList string, now time.Time, structured bool) string {
	if !structured {
		return persona + "\n" + utterance + "\n"
	}
	body := strings.NewReplacer(
		"{CURRENT_DATETIME}", now.Format(datetimeLayout),
		"{SKILL_LIST}", skillList,
		"{STT_RESULT}", utterance,
	).Replace(promptTemplate)
	return persona + "\n" + body + "\n\n"
}

func (c *Controller) recordLatency(ctx context.Context, d time.Duration, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// Lines splits a reply into the lines queued for speech. Empty lines are
// dropped.
func Lines(reply string) []string {
	var out []string
	for line := range strings.SplitSeq(reply, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
