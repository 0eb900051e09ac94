package skill

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/clovoice/internal/queue"
)

type pushRecorder struct {
	mu     sync.Mutex
	auth   []string
	bodies []linePush
	status int
}

func (p *pushRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body linePush
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	p.auth = append(p.auth, r.Header.Get("Authorization"))
	p.bodies = append(p.bodies, body)
	status := p.status
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, "nope", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *pushRecorder) snapshot() ([]string, []linePush) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.auth...), append([]linePush(nil), p.bodies...)
}

var testLineUsers = []LineUser{
	{Name: "default", ID: "Udefault"},
	{Name: "clova", CallName: "クローバ", ID: "Uclova"},
}

func newTestLine(t *testing.T, rec *pushRecorder, q *queue.Queue, opts ...LineOption) *Line {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	opts = append([]LineOption{WithLinePushURL(srv.URL), WithLineClient(srv.Client())}, opts...)
	return NewLine("tok", testLineUsers, q, opts...)
}

func TestLine_PreProcessSends(t *testing.T) {
	t.Parallel()
	rec := &pushRecorder{}
	l := newTestLine(t, rec, queue.New())

	reply, ok := l.PreProcess(context.Background(), "クローバに おはようございます！ って LINE して。", false)
	if !ok || reply != "クローバ に おはようございます！ とラインメッセージ送りました" {
		t.Fatalf("PreProcess = %q, %v", reply, ok)
	}
	auth, bodies := rec.snapshot()
	if len(bodies) != 1 {
		t.Fatalf("pushes = %d", len(bodies))
	}
	b := bodies[0]
	if b.To != "Uclova" || len(b.Messages) != 1 || b.Messages[0].Text != "おはようございます！" || b.Messages[0].Type != "text" {
		t.Errorf("push body = %+v", b)
	}
	if auth[0] != "Bearer tok" {
		t.Errorf("Authorization = %q", auth[0])
	}
}

func TestLine_PreProcessUnparsable(t *testing.T) {
	t.Parallel()
	rec := &pushRecorder{}
	l := newTestLine(t, rec, queue.New())
	reply, ok := l.PreProcess(context.Background(), "ラインして", false)
	if !ok || reply != "メッセージを解釈できませんでした。" {
		t.Fatalf("PreProcess = %q, %v", reply, ok)
	}
	if _, bodies := rec.snapshot(); len(bodies) != 0 {
		t.Error("nothing should be sent")
	}
	if _, ok := l.PreProcess(context.Background(), "クローバに やあ って LINE して", true); ok {
		t.Error("structured backends must reach the generative backend")
	}
	if _, ok := l.PreProcess(context.Background(), "こんにちは", false); ok {
		t.Error("unrelated utterance answered")
	}
}

func TestLine_PostProcessDefaultRecipient(t *testing.T) {
	t.Parallel()
	rec := &pushRecorder{}
	l := newTestLine(t, rec, queue.New())
	reply, ok := l.PostProcess(context.Background(), "CALL_LINE 太郎 今 帰る")
	if !ok || reply != "太郎 に 今 帰る とラインメッセージ送りました" {
		t.Fatalf("PostProcess = %q, %v", reply, ok)
	}
	if _, bodies := rec.snapshot(); bodies[0].To != "Udefault" {
		t.Errorf("to = %q, want default id", bodies[0].To)
	}

	reply, ok = l.PostProcess(context.Background(), "CALL_LINE 太郎")
	if !ok || reply != "メッセージを解釈できませんでした。" {
		t.Errorf("short command = %q, %v", reply, ok)
	}
}

func TestLine_PushFailureApologises(t *testing.T) {
	t.Parallel()
	rec := &pushRecorder{status: http.StatusUnauthorized}
	l := newTestLine(t, rec, queue.New())
	reply, ok := l.PostProcess(context.Background(), "CALL_LINE クローバ やあ")
	if !ok || reply != "ラインメッセージを送信できませんでした。" {
		t.Fatalf("PostProcess = %q, %v", reply, ok)
	}
}

const webhookBody = `{"events":[{"type":"message","source":{"userId":"Uclova"},"message":{"id":"1","type":"text","text":"こんにちは\nまたね"}},
{"type":"message","source":{"userId":"Ustranger"},"message":{"id":"2","type":"text","text":"どなた"}},
{"type":"message","source":{"userId":"Uclova"},"message":{"id":"3","type":"sticker"}}]}`

func TestLine_Webhook(t *testing.T) {
	t.Parallel()
	q := queue.New()
	l := NewLine("tok", testLineUsers, q)
	rr := httptest.NewRecorder()
	l.WebhookHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/line/webhook", strings.NewReader(webhookBody)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	texts, _ := drain(q)
	want := []string{
		"クローバ さんから次のラインメッセージが届きました。", "こんにちは", "またね",
		"誰か さんから次のラインメッセージが届きました。", "どなた",
	}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("queued = %q, want %q", texts, want)
	}
}

func TestLine_WebhookRejects(t *testing.T) {
	t.Parallel()
	l := NewLine("tok", testLineUsers, queue.New(), WithLineChannelSecret("s3cret"))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(webhookBody))
	good := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name   string
		method string
		body   string
		sig    string
		want   int
	}{
		{"get", http.MethodGet, "", "", http.StatusMethodNotAllowed},
		{"bad signature", http.MethodPost, webhookBody, "AAAA", http.StatusUnauthorized},
		{"good signature", http.MethodPost, webhookBody, good, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/line/webhook", strings.NewReader(tc.body))
			req.Header.Set("X-Line-Signature", tc.sig)
			rr := httptest.NewRecorder()
			l.WebhookHandler().ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}

	rr := httptest.NewRecorder()
	NewLine("tok", nil, queue.New()).WebhookHandler().ServeHTTP(rr,
		httptest.NewRequest(http.MethodPost, "/line/webhook", strings.NewReader("{not json")))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid json status = %d", rr.Code)
	}
}
