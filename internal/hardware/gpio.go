package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Button binds a GPIO pin to the event it raises when pressed.
type Button struct {
	Pin   int
	Event Event
}

// GPIOOption configures a [GPIO].
type GPIOOption func(*GPIO)

// WithActiveLow treats a pin value of 0 as pressed.
func WithActiveLow(v bool) GPIOOption {
	return func(g *GPIO) { g.activeLow = v }
}

// WithPollInterval sets the sampling period. The default is 20ms.
func WithPollInterval(d time.Duration) GPIOOption {
	return func(g *GPIO) {
		if d > 0 {
			g.interval = d
		}
	}
}

// GPIO polls sysfs input pins and injects an event on every press edge.
type GPIO struct {
	root      string
	buttons   []Button
	activeLow bool
	interval  time.Duration
}

// NewGPIO creates a poller for buttons under the sysfs directory root
// (normally /sys/class/gpio). Buttons with pin 0 are skipped.
func NewGPIO(root string, buttons []Button, opts ...GPIOOption) *GPIO {
	g := &GPIO{root: root, interval: 20 * time.Millisecond}
	for _, b := range buttons {
		if b.Pin > 0 {
			g.buttons = append(g.buttons, b)
		}
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Setup exports every pin that is not exported yet and configures it as an
// input.
func (g *GPIO) Setup() error {
	var errs []error
	for _, b := range g.buttons {
		dir := g.pinDir(b.Pin)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(filepath.Join(g.root, "export"), []byte(strconv.Itoa(b.Pin)), 0o200); err != nil {
				errs = append(errs, fmt.Errorf("hardware: export gpio%d: %w", b.Pin, err))
				continue
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("hardware: set gpio%d direction: %w", b.Pin, err))
		}
	}
	return errors.Join(errs...)
}

// Run samples the pins until ctx is cancelled and injects press events into
// bus. A pin that cannot be read is logged once and treated as released.
func (g *GPIO) Run(ctx context.Context, bus *Bus) error {
	if len(g.buttons) == 0 {
		return nil
	}
	pressed := make([]bool, len(g.buttons))
	failing := make([]bool, len(g.buttons))

	// Buttons held at start-up do not fire.
	for i, b := range g.buttons {
		pressed[i], _ = g.read(b.Pin)
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for i, b := range g.buttons {
			now, err := g.read(b.Pin)
			if err != nil {
				if !failing[i] {
					slog.Warn("hardware: gpio read failed", "pin", b.Pin, "err", err)
					failing[i] = true
				}
				pressed[i] = false
				continue
			}
			failing[i] = false
			if now && !pressed[i] {
				slog.Debug("hardware: button pressed", "pin", b.Pin, "event", b.Event.String())
				bus.Inject(b.Event)
			}
			pressed[i] = now
		}
	}
}

func (g *GPIO) read(pin int) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(g.pinDir(pin), "value"))
	if err != nil {
		return false, err
	}
	high := strings.TrimSpace(string(raw)) == "1"
	return high != g.activeLow, nil
}

func (g *GPIO) pinDir(pin int) string {
	return filepath.Join(g.root, "gpio"+strconv.Itoa(pin))
}
