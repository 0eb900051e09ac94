// Package queue implements the interrupt queue: the FIFO mailbox through which
// skills, hardware buttons, the remote control plane and volume changes
// preempt microphone capture.
//
// Any goroutine may push; exactly one goroutine (the main loop) pops. The main
// loop never blocks on the queue: it checks [Queue.Len] before starting a
// capture and the capture loop checks it again before every frame read.
package queue

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// emptyText matches text made only of Unicode punctuation, symbols,
// separators and newlines. Such text carries nothing worth speaking.
var emptyText = regexp.MustCompile(`^[\p{P}\p{S}\p{Z}\n]*$`)

// Kind tags the variant held by an [Item].
type Kind int

const (
	// KindText is a line of text to be spoken.
	KindText Kind = iota

	// KindAction is a deferred zero-argument action run by the main loop.
	KindAction
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAction:
		return "action"
	default:
		return "unknown"
	}
}

// Action is a deferred side effect executed on the main loop goroutine. The
// context is cancelled when the application shuts down.
type Action func(ctx context.Context)

// Item is a tagged union of SpokenText and DeferredAction.
type Item struct {
	Kind   Kind
	Text   string
	Action Action
}

// SpokenText returns a text item.
func SpokenText(text string) Item { return Item{Kind: KindText, Text: text} }

// DeferredAction returns an action item.
func DeferredAction(fn Action) Item { return Item{Kind: KindAction, Action: fn} }

// IsEmptyText reports whether text would be rejected by the queue: empty after
// trimming, or made solely of punctuation, symbols and whitespace.
func IsEmptyText(text string) bool {
	return strings.TrimSpace(text) == "" || emptyText.MatchString(text)
}

// Queue is a concurrency-safe FIFO of [Item] values. The zero value is not
// usable; create one with [New].
type Queue struct {
	mu     sync.Mutex
	items  []Item
	notify chan struct{}
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends item. Text items that are empty or punctuation-only and action
// items with a nil function are dropped and logged. It reports whether the
// item was accepted.
func (q *Queue) Push(item Item) bool {
	switch item.Kind {
	case KindText:
		if IsEmptyText(item.Text) {
			slog.Debug("queue: rejected empty text", "text", item.Text)
			return false
		}
	case KindAction:
		if item.Action == nil {
			slog.Warn("queue: rejected nil action")
			return false
		}
	default:
		slog.Warn("queue: rejected item of unknown kind", "kind", item.Kind)
		return false
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	slog.Debug("queue: pushed", "kind", item.Kind, "text", item.Text)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// PushText is shorthand for Push(SpokenText(text)).
func (q *Queue) PushText(text string) bool { return q.Push(SpokenText(text)) }

// PushAction is shorthand for Push(DeferredAction(fn)).
func (q *Queue) PushAction(fn Action) bool { return q.Push(DeferredAction(fn)) }

// Pop removes and returns the oldest item. ok is false when the queue is empty.
func (q *Queue) Pop() (item Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item = q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending reports whether at least one item is waiting. It is the interrupt
// signal polled by the capture loop.
func (q *Queue) Pending() bool { return q.Len() > 0 }

// Clear drops all pending items.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Notify returns a channel that receives a value after a push. Signals are
// coalesced: several pushes may produce a single wake-up, so receivers must
// re-check Len.
func (q *Queue) Notify() <-chan struct{} { return q.notify }
