// Package remote is the websocket control plane of the assistant.
//
// A connected client receives every spoken exchange as JSON and may send
// text to be spoken, typed utterances to be answered as if they were heard,
// and virtual button presses. A frame that is not JSON is treated as text
// to be spoken.
//
// Inbound:
//
//	{"type":"say","text":"こんにちは"}
//	{"type":"utterance","text":"今何時？"}
//	{"type":"button","button":"mute"}
//
// Outbound:
//
//	{"type":"hello","id":"<client id>"}
//	{"type":"exchange","id":"<uuid>","heard":"今何時？","reply":"10時です。","time":"..."}
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/clovoice/internal/hardware"
	"github.com/MrWong99/clovoice/internal/observe"
	"github.com/MrWong99/clovoice/internal/queue"
)

// Message types.
const (
	TypeHello     = "hello"
	TypeSay       = "say"
	TypeUtterance = "utterance"
	TypeButton    = "button"
	TypeExchange  = "exchange"
	TypeError     = "error"
)

// sendBuffer is the number of outbound messages held per client before the
// client is considered too slow and messages are dropped.
const sendBuffer = 32

// Message is the JSON envelope exchanged with clients.
type Message struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Text    string    `json:"text,omitempty"`
	Button  string    `json:"button,omitempty"`
	Heard   string    `json:"heard,omitempty"`
	Reply   string    `json:"reply,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	Time    time.Time `json:"time,omitzero"`
}

// Exchange is one utterance and the reply spoken for it. Heard is empty for
// queued announcements. TraceID is the trace the reply was spoken in, if any.
type Exchange struct {
	Heard   string
	Reply   string
	TraceID string
}

// Pusher is the producer side of the interrupt queue.
type Pusher interface {
	PushText(text string) bool
	PushAction(fn queue.Action) bool
}

// Injector accepts virtual button presses. *hardware.Bus satisfies it.
type Injector interface {
	Inject(e hardware.Event) bool
}

// Option is a functional option for [New].
type Option func(*Server)

// WithUtteranceHandler answers typed utterances. The handler runs on the
// main loop as a queued action. Without it utterances are rejected.
func WithUtteranceHandler(fn func(ctx context.Context, text string)) Option {
	return func(s *Server) { s.onUtterance = fn }
}

// WithOriginPatterns allows cross-origin browser clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithMetrics tracks connected clients.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts websocket clients. It implements [http.Handler].
type Server struct {
	q           Pusher
	buttons     Injector
	onUtterance func(ctx context.Context, text string)
	origins     []string
	metrics     *observe.Metrics
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

var _ http.Handler = (*Server)(nil)

// New creates a Server that pushes text to q and button presses to buttons.
func New(q Pusher, buttons Injector, opts ...Option) *Server {
	s := &Server{
		q:       q,
		buttons: buttons,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("remote: accept failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := slog.With("client", c.id, "remote_addr", r.RemoteAddr)
	log.Info("remote: client connected")

	s.sendTo(c, Message{Type: TypeHello, ID: c.id})
	go s.writeLoop(ctx, c, log)

	err = s.readLoop(ctx, c, log)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway, errors.Is(err, context.Canceled):
		log.Info("remote: client disconnected")
	default:
		log.Warn("remote: client dropped", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *client, log *slog.Logger) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.sendTo(c, Message{Type: TypeError, Text: "binary frames are not supported"})
			continue
		}
		if reply, ok := s.handle(data); !ok {
			log.Debug("remote: rejected message", "reason", reply)
			s.sendTo(c, Message{Type: TypeError, Text: reply})
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("remote: write failed", "err", err)
				return
			}
		}
	}
}

// handle applies one inbound frame. It returns a reason and false when the
// frame was rejected.
func (s *Server) handle(data []byte) (string, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		msg = Message{Type: TypeSay, Text: string(data)}
	}
	switch msg.Type {
	case TypeSay:
		if !s.q.PushText(msg.Text) {
			return "nothing to say", false
		}
	case TypeUtterance:
		if s.onUtterance == nil {
			return "utterances are not enabled", false
		}
		if queue.IsEmptyText(msg.Text) {
			return "empty utterance", false
		}
		text, answer := msg.Text, s.onUtterance
		s.q.PushAction(func(ctx context.Context) { answer(ctx, text) })
	case TypeButton:
		e, ok := hardware.ParseEvent(msg.Button)
		if !ok {
			return "unknown button " + msg.Button, false
		}
		if s.buttons == nil || !s.buttons.Inject(e) {
			return "button not accepted", false
		}
	default:
		return "unknown message type " + msg.Type, false
	}
	return "", true
}

// Broadcast sends ex to every connected client. Slow clients miss the
// message instead of blocking the caller.
func (s *Server) Broadcast(ex Exchange) {
	msg := Message{Type: TypeExchange, ID: uuid.NewString(), Heard: ex.Heard, Reply: ex.Reply, TraceID: ex.TraceID, Time: s.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		s.sendToLocked(c, msg)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	if s.metrics != nil {
		s.metrics.RemoteClients.Add(context.Background(), 1)
	}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	if s.metrics != nil {
		s.metrics.RemoteClients.Add(context.Background(), -1)
	}
}

func (s *Server) sendTo(c *client, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendToLocked(c, msg)
}

func (s *Server) sendToLocked(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("remote: marshal message", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("remote: client too slow, message dropped", "client", c.id, "type", msg.Type)
	}
}
