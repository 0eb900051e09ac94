package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clovoice/internal/observe"
)

// DefaultOrder is the registration order used when config does not name one.
var DefaultOrder = []string{"timer", "news", "line", "datetime", "music", "alarm"}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithMetrics records one dispatch counter per answering skill.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher offers utterances and backend replies to skills in a fixed
// order and owns the lifetime of their background pollers.
//
// PreProcess and PostProcess are called from the main loop only. Start,
// Stop and Mute are safe for concurrent use.
type Dispatcher struct {
	skills  []Skill
	metrics *observe.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

// NewDispatcher creates a Dispatcher over skills in the given order. Nil
// entries are skipped.
func NewDispatcher(skills []Skill, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{}
	for _, s := range skills {
		if s != nil {
			d.skills = append(d.skills, s)
		}
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Skills returns the registered skills in dispatch order.
func (d *Dispatcher) Skills() []Skill {
	return append([]Skill(nil), d.skills...)
}

// PromptFragments joins every skill's command grammar, one per line.
func (d *Dispatcher) PromptFragments() string {
	parts := make([]string, 0, len(d.skills))
	for _, s := range d.skills {
		parts = append(parts, s.PromptFragment())
	}
	return strings.Join(parts, "\n")
}

// PreProcess returns the reply of the first skill that answers utterance.
func (d *Dispatcher) PreProcess(ctx context.Context, utterance string, structured bool) (reply, skill string, ok bool) {
	for _, s := range d.skills {
		if reply, ok := s.PreProcess(ctx, utterance, structured); ok {
			d.record(ctx, s.Name(), "pre")
			slog.Debug("skill: pre-process answered", "skill", s.Name())
			return reply, s.Name(), true
		}
	}
	return "", "", false
}

// PostProcess returns the answer of the first skill that recognises a
// structured command in reply.
func (d *Dispatcher) PostProcess(ctx context.Context, reply string) (answer, skill string, ok bool) {
	for _, s := range d.skills {
		if answer, ok := s.PostProcess(ctx, reply); ok {
			d.record(ctx, s.Name(), "post")
			slog.Debug("skill: post-process answered", "skill", s.Name())
			return answer, s.Name(), true
		}
	}
	return "", "", false
}

// Mute forwards the hardware mute signal to every skill that handles it.
func (d *Dispatcher) Mute() {
	for _, s := range d.skills {
		if m, ok := s.(Muter); ok {
			m.Mute()
		}
	}
}

// Start launches the background loop of every [Poller] skill. The loops run
// until [Dispatcher.Stop] is called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("skill: dispatcher already started")
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.skills {
		p, ok := s.(Poller)
		if !ok {
			continue
		}
		name := s.Name()
		g.Go(func() error {
			slog.Debug("skill: poller started", "skill", name)
			err := p.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("skill %s: %w", name, err)
			}
			slog.Debug("skill: poller stopped", "skill", name)
			return nil
		})
	}
	go func() {
		err := g.Wait()
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		close(d.done)
	}()
	return nil
}

// Stop signals every poller and waits for all of them to return. It returns
// ctx.Err() if ctx expires first. Stop on a dispatcher that was never
// started returns nil.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("skill: join pollers: %w", ctx.Err())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

func (d *Dispatcher) record(ctx context.Context, skill, stage string) {
	if d.metrics != nil {
		d.metrics.RecordSkillDispatch(ctx, skill, stage)
	}
}
