package skill

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultLinePushURL is the LINE Messaging API push endpoint.
const DefaultLinePushURL = "https://api.line.me/v2/bot/message/push"

// lineRequest splits "<name>に<message>って LINE して" style requests.
var lineRequest = regexp.MustCompile(`^(?P<name>.+?) *に *(?P<message>.+?)\s*[とって]+ *[ラインLINE]+ *[してを送信]+[。]*$`)

// LineUser maps a spoken call name to a LINE user id. The entry named
// "default" receives messages for unknown names.
type LineUser struct {
	Name     string `yaml:"name"`
	CallName string `yaml:"call_name"`
	ID       string `yaml:"id"`
}

// Line sends LINE messages on request and reads out received ones.
type Line struct {
	client  *http.Client
	pushURL string
	token   string
	secret  string
	users   []LineUser
	q       Pusher
}

var _ Skill = (*Line)(nil)

// LineOption configures a [Line] skill.
type LineOption func(*Line)

// WithLineClient sets the HTTP client. Default: 10 s timeout.
func WithLineClient(c *http.Client) LineOption {
	return func(l *Line) { l.client = c }
}

// WithLinePushURL replaces [DefaultLinePushURL].
func WithLinePushURL(u string) LineOption {
	return func(l *Line) { l.pushURL = u }
}

// WithLineChannelSecret enables X-Line-Signature verification on the
// webhook.
func WithLineChannelSecret(secret string) LineOption {
	return func(l *Line) { l.secret = secret }
}

// NewLine creates the skill. token is the channel access token.
func NewLine(token string, users []LineUser, q Pusher, opts ...LineOption) *Line {
	l := &Line{
		client:  &http.Client{Timeout: 10 * time.Second},
		pushURL: DefaultLinePushURL,
		token:   token,
		users:   users,
		q:       q,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Line) Name() string { return "line" }

func (l *Line) PromptFragment() string {
	return "LineSkillProvider: これはモバイルメッセンジャーアプリケーションの「LINE」を送信するスキルです。 フォーマット: `CALL_LINE [name] [message]`"
}

func (l *Line) PreProcess(ctx context.Context, utterance string, structured bool) (string, bool) {
	if structured || !containsAny(utterance, "LINE", "ライン") || !containsAny(utterance, "送信して", "送って", "して") {
		return "", false
	}
	m := lineRequest.FindStringSubmatch(utterance)
	if m == nil {
		slog.Info("skill: line request not understood", "utterance", utterance)
		return "メッセージを解釈できませんでした。", true
	}
	name := m[lineRequest.SubexpIndex("name")]
	message := m[lineRequest.SubexpIndex("message")]
	return l.send(ctx, name, message), true
}

// PostProcess implements [Skill] for "CALL_LINE <name> <message...>".
func (l *Line) PostProcess(ctx context.Context, reply string) (string, bool) {
	args, ok := command(reply, "CALL_LINE")
	if !ok {
		return "", false
	}
	if len(args) < 2 {
		return reprompt(l.Name(), reply, "メッセージを解釈できませんでした。", errors.New("want name and message")), true
	}
	return l.send(ctx, args[0], strings.Join(args[1:], " ")), true
}

func (l *Line) send(ctx context.Context, name, message string) string {
	to := l.userID(name)
	if err := l.Push(ctx, to, message); err != nil {
		return apologize(l.Name(), "ラインメッセージを送信できませんでした。", err)
	}
	slog.Info("skill: line message sent", "name", name)
	return fmt.Sprintf("%s に %s とラインメッセージ送りました", name, message)
}

// userID resolves a call name, falling back to the "default" entry.
func (l *Line) userID(callName string) string {
	def := ""
	for _, u := range l.users {
		if u.Name == "default" {
			def = u.ID
			continue
		}
		if u.CallName == callName {
			return u.ID
		}
	}
	slog.Debug("skill: line call name unknown, using default", "call_name", callName)
	return def
}

// callName resolves a user id back to its call name.
func (l *Line) callName(id string) string {
	for _, u := range l.users {
		if id != "" && u.ID == id && u.CallName != "" {
			return u.CallName
		}
	}
	return "誰か"
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// Push sends a text message to the LINE user id to.
func (l *Line) Push(ctx context.Context, to, text string) error {
	if to == "" {
		return errors.New("line: no recipient")
	}
	body, err := json.Marshal(linePush{To: to, Messages: []lineMessage{{Type: "text", Text: text}}})
	if err != nil {
		return fmt.Errorf("line: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("line: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("line: push: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type lineWebhook struct {
	Events []struct {
		Type   string `json:"type"`
		Source struct {
			UserID string `json:"userId"`
		} `json:"source"`
		Message lineMessage `json:"message"`
	} `json:"events"`
}

// WebhookHandler receives LINE webhook events and queues every text message
// for read-out, preceded by a sender notice.
func (l *Line) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if l.secret != "" && !l.validSignature(body, r.Header.Get("X-Line-Signature")) {
			slog.Warn("skill: line webhook signature mismatch")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		var hook lineWebhook
		if err := json.Unmarshal(body, &hook); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for _, ev := range hook.Events {
			if (ev.Type != "" && ev.Type != "message") || ev.Message.Type != "text" {
				continue
			}
			sender := l.callName(ev.Source.UserID)
			slog.Info("skill: line message received", "sender", sender)
			l.q.PushText(sender + " さんから次のラインメッセージが届きました。")
			for _, line := range strings.Split(ev.Message.Text, "\n") {
				l.q.PushText(line)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (l *Line) validSignature(body []byte, sig string) bool {
	want, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(l.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
