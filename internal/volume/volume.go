// Package volume holds the speaker volume step shared by the playback path
// and the hardware buttons.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/clovoice/internal/queue"
)

// Table maps a volume step to the multiplier applied to every sample.
var Table = [...]float64{0.001, 0.01, 0.1, 0.15, 0.2, 0.3, 0.5, 0.8, 1.0, 1.2, 1.5, 1.8, 2.0}

const (
	// MinStep and MaxStep bound the step index into Table.
	MinStep = 0
	MaxStep = len(Table) - 1

	// DefaultStep is the step at start-up.
	DefaultStep = 7
)

// Pusher is the producer side of the interrupt queue.
type Pusher interface {
	PushText(text string) bool
	PushAction(fn queue.Action) bool
}

// Control is the live volume. Factor is safe to call from the playback drain
// goroutine while button handlers call Up and Down.
type Control struct {
	q       Pusher
	step    atomic.Int32
	factor  atomic.Uint64
	pending atomic.Bool
}

// New creates a Control at step. Out-of-range steps are clamped.
func New(q Pusher, step int) *Control {
	c := &Control{q: q}
	c.set(step)
	return c
}

// Factor returns the current multiplier.
func (c *Control) Factor() float64 {
	return math.Float64frombits(c.factor.Load())
}

// Step returns the current step.
func (c *Control) Step() int { return int(c.step.Load()) }

// Up raises the volume by one step. It reports false at the top of the range.
func (c *Control) Up() bool { return c.move(+1) }

// Down lowers the volume by one step. It reports false at the bottom of the
// range.
func (c *Control) Down() bool { return c.move(-1) }

// Set jumps to step, e.g. after a config reload. No announcement is queued.
func (c *Control) Set(step int) {
	c.set(step)
}

func (c *Control) move(delta int) bool {
	for {
		cur := c.step.Load()
		next := int(cur) + delta
		if next < MinStep || next > MaxStep {
			return false
		}
		if c.step.CompareAndSwap(cur, int32(next)) {
			c.factor.Store(math.Float64bits(Table[next]))
			slog.Info("volume: changed", "step", next, "factor", Table[next])
			c.announce()
			return true
		}
	}
}

func (c *Control) set(step int) {
	step = min(max(step, MinStep), MaxStep)
	c.step.Store(int32(step))
	c.factor.Store(math.Float64bits(Table[step]))
}

// announce queues one deferred announcement. Presses that arrive before it
// runs are folded into it; it reads the step when it runs.
func (c *Control) announce() {
	if c.q == nil || !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.q.PushAction(func(context.Context) {
		c.pending.Store(false)
		c.q.PushText(fmt.Sprintf("ボリュームを %d に設定しました。", c.Step()))
	})
}
