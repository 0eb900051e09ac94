package skill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/clovoice/internal/media"
)

// musicGain attenuates streamed music relative to speech.
const musicGain = 0.25

var musicTrigger = regexp.MustCompile(`(?:の)?音楽を?(?:かけて|再生して|再生)(?:ください)?[。！!]*$`)

// Searcher opens an audio stream for a free-text query. *media.YTDLP
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string) (io.ReadCloser, error)
}

// StreamPlayer plays a compressed stream. *media.Pipeline satisfies it.
type StreamPlayer interface {
	PlayStream(ctx context.Context, src io.Reader, opts media.StreamOptions) error
}

// Music searches for a song and streams it to the speaker. Playback runs as
// a deferred action on the main loop and stops on mute.
type Music struct {
	search Searcher
	player StreamPlayer
	q      Pusher
	stop   media.StopFlag
}

var (
	_ Skill = (*Music)(nil)
	_ Muter = (*Music)(nil)
)

// NewMusic creates the skill.
func NewMusic(search Searcher, player StreamPlayer, q Pusher) *Music {
	return &Music{search: search, player: player, q: q}
}

func (m *Music) Name() string { return "music" }

func (m *Music) PromptFragment() string {
	return "MusicSkillProvider: これは音楽を再生するスキルです。このスキルを使用すると音楽が再生できます。  フォーマット: `CALL_MUSIC [search_query_multilang]`"
}

func (m *Music) PreProcess(_ context.Context, utterance string, structured bool) (string, bool) {
	if structured || !strings.Contains(utterance, "音楽") || !containsAny(utterance, "かけて", "再生") {
		return "", false
	}
	query := strings.TrimSpace(musicTrigger.ReplaceAllString(utterance, ""))
	if query == "" {
		query = utterance
	}
	m.enqueue(query)
	return "", true
}

// PostProcess implements [Skill] for "CALL_MUSIC <query...>".
func (m *Music) PostProcess(_ context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_MUSIC")
	if !ok {
		return "", false
	}
	if len(args) == 0 {
		return reprompt(m.Name(), reply, "曲名を聞き取れませんでした。もう一度お願いします。", errors.New("missing query")), true
	}
	m.enqueue(strings.Join(args, " "))
	return "", true
}

// Mute implements [Muter]: the current stream stops at its next chunk.
func (m *Music) Mute() { m.stop.Stop() }

// enqueue lowers a stale stop flag, so a mute pressed from here on, even
// during the announcement, cancels this song.
func (m *Music) enqueue(query string) {
	m.stop.Clear()
	m.q.PushText("曲 " + query + " を再生します。 ミュートボタンを押して停止します。")
	m.q.PushAction(func(ctx context.Context) { m.Play(ctx, query) })
}

// Play searches for query and blocks until the stream ends or is stopped.
func (m *Music) Play(ctx context.Context, query string) {
	if m.stop.Take() {
		slog.Info("skill: music cancelled before playback", "query", query)
		return
	}
	slog.Info("skill: music search", "query", query)
	src, err := m.search.Search(ctx, query)
	if err != nil {
		m.q.PushText(apologize(m.Name(), "曲を再生できませんでした。", err))
		return
	}
	defer src.Close()

	err = m.player.PlayStream(ctx, src, media.StreamOptions{
		Container: "m4a",
		Channels:  1,
		Gain:      musicGain,
		Stop:      &m.stop,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.q.PushText(apologize(m.Name(), "曲を再生できませんでした。", err))
	}
}
