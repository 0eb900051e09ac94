package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the clovoice tracer.
const tracerName = "github.com/MrWong99/clovoice"

// Span names. An exchange (one utterance and its answer, or one queued line
// being spoken) is a root span; the pipeline stages are its children.
const (
	SpanExchange = "app.exchange"
	SpanSpeak    = "app.speak"
	SpanRecord   = "voice.record"
	SpanSTT      = "voice.stt"
	SpanTTS      = "voice.tts"
	SpanAnswer   = "conversation.answer"
)

// Span attribute keys.
const (
	AttrFrames      = attribute.Key("frames")
	AttrInterrupted = attribute.Key("interrupted")
	AttrVoice       = attribute.Key("voice")
	AttrSkill       = attribute.Key("skill")
	AttrSkillStage  = attribute.Key("skill.stage")
	AttrStructured  = attribute.Key("structured")
)

// Skill stages reported with [AttrSkillStage].
const (
	StagePre  = "pre"
	StagePost = "post"
)

// Tracer returns the clovoice tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AnsweredBy marks span as answered by skill at stage ([StagePre] when the
// utterance was handled before the backend, [StagePost] when a structured
// command in the backend reply was).
func AnsweredBy(span trace.Span, skill, stage string) {
	span.SetAttributes(AttrSkill.String(skill), AttrSkillStage.String(stage))
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// Broadcast exchanges carry it so a remote client can find the log lines of
// the exchange it was shown.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx attached. Without a span it is [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
