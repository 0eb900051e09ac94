// Package hardware connects the device's physical controls to the assistant:
// push buttons arrive as typed [Event]s on a [Bus], and the status light is
// driven through an [Indicator].
//
// Buttons are read from the Linux sysfs GPIO interface by [GPIO]. The remote
// control plane injects the same events into the bus, so a virtual button
// press is indistinguishable from a physical one.
package hardware

import (
	"context"
	"log/slog"
)

// Event is a button press.
type Event int

const (
	// EventMute silences ringing timers and alarms and stops music.
	EventMute Event = iota + 1

	// EventVolumeUp raises the volume by one step.
	EventVolumeUp

	// EventVolumeDown lowers the volume by one step.
	EventVolumeDown

	// EventCharacterNext switches to the next available character.
	EventCharacterNext
)

// String returns the button name used in config and remote messages.
func (e Event) String() string {
	switch e {
	case EventMute:
		return "mute"
	case EventVolumeUp:
		return "plus"
	case EventVolumeDown:
		return "minus"
	case EventCharacterNext:
		return "character"
	default:
		return "unknown"
	}
}

// ParseEvent maps a button name to its event.
func ParseEvent(name string) (Event, bool) {
	switch name {
	case "mute":
		return EventMute, true
	case "plus", "volume_up":
		return EventVolumeUp, true
	case "minus", "volume_down":
		return EventVolumeDown, true
	case "character", "bt":
		return EventCharacterNext, true
	}
	return 0, false
}

// busBuffer is the number of presses held before new ones are dropped.
const busBuffer = 16

// Bus carries button events from any number of producers to one consumer.
type Bus struct {
	ch chan Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, busBuffer)}
}

// Inject delivers e without blocking. It reports false when the consumer
// is too far behind and the press was dropped.
func (b *Bus) Inject(e Event) bool {
	select {
	case b.ch <- e:
		return true
	default:
		slog.Warn("hardware: event dropped, bus full", "event", e.String())
		return false
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event { return b.ch }

// Handlers are called by [Serve] for each event. Nil handlers ignore the
// event.
type Handlers struct {
	Mute          func()
	VolumeUp      func()
	VolumeDown    func()
	CharacterNext func()
}

// Serve dispatches events from b to h until ctx is cancelled. Handlers run
// on the Serve goroutine one at a time.
func Serve(ctx context.Context, b *Bus, h Handlers) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.ch:
			slog.Debug("hardware: button", "event", e.String())
			var fn func()
			switch e {
			case EventMute:
				fn = h.Mute
			case EventVolumeUp:
				fn = h.VolumeUp
			case EventVolumeDown:
				fn = h.VolumeDown
			case EventCharacterNext:
				fn = h.CharacterNext
			}
			if fn != nil {
				fn()
			}
		}
	}
}
