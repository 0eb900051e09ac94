package hardware_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clovoice/internal/hardware"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()
	for _, e := range []hardware.Event{
		hardware.EventMute, hardware.EventVolumeUp, hardware.EventVolumeDown, hardware.EventCharacterNext,
	} {
		got, ok := hardware.ParseEvent(e.String())
		if !ok || got != e {
			t.Errorf("ParseEvent(%q): got %v/%v", e.String(), got, ok)
		}
	}
	if _, ok := hardware.ParseEvent("reboot"); ok {
		t.Error("unknown button accepted")
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	t.Parallel()
	b := hardware.NewBus()
	accepted := 0
	for range 100 {
		if b.Inject(hardware.EventMute) {
			accepted++
		}
	}
	if accepted == 0 || accepted == 100 {
		t.Errorf("accepted %d of 100 presses, want a bounded buffer", accepted)
	}
}

func TestServe_Dispatches(t *testing.T) {
	t.Parallel()
	b := hardware.NewBus()
	var mu sync.Mutex
	var got []string
	rec := func(name string) func() {
		return func() {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hardware.Serve(ctx, b, hardware.Handlers{
			Mute:          rec("mute"),
			VolumeUp:      rec("up"),
			CharacterNext: rec("next"),
		})
	}()

	for _, e := range []hardware.Event{hardware.EventVolumeUp, hardware.EventVolumeDown, hardware.EventMute, hardware.EventCharacterNext} {
		b.Inject(e)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("handlers called %d times, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	want := []string{"up", "mute", "next"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestLogIndicator(t *testing.T) {
	t.Parallel()
	ind := hardware.NewIndicator("log").(*hardware.LogIndicator)
	ind.Set(hardware.PhaseRecording)
	ind.Set(hardware.PhaseRecording)
	if ind.Phase() != hardware.PhaseRecording {
		t.Errorf("phase: got %v", ind.Phase())
	}
	if _, ok := hardware.NewIndicator("none").(hardware.Nop); !ok {
		t.Error("none indicator is not a Nop")
	}
}

// fakeSysfs lays out gpioN/value files under a temp dir.
func fakeSysfs(t *testing.T, pins ...int) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range pins {
		dir := filepath.Join(root, "gpio"+strconv.Itoa(p))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		setPin(t, root, p, "0")
	}
	return root
}

func setPin(t *testing.T, root string, pin int, value string) {
	t.Helper()
	path := filepath.Join(root, "gpio"+strconv.Itoa(pin), "value")
	if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, b *hardware.Bus) hardware.Event {
	t.Helper()
	select {
	case e := <-b.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event within timeout")
		return 0
	}
}

func TestGPIO_PressEdges(t *testing.T) {
	t.Parallel()
	root := fakeSysfs(t, 17, 27)
	g := hardware.NewGPIO(root, []hardware.Button{
		{Pin: 17, Event: hardware.EventMute},
		{Pin: 27, Event: hardware.EventVolumeUp},
		{Pin: 0, Event: hardware.EventVolumeDown},
	}, hardware.WithPollInterval(5*time.Millisecond))
	if err := g.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	dir, err := os.ReadFile(filepath.Join(root, "gpio17", "direction"))
	if err != nil || string(dir) != "in" {
		t.Errorf("direction: got %q, %v", dir, err)
	}

	bus := hardware.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, bus) }()

	time.Sleep(20 * time.Millisecond)
	setPin(t, root, 27, "1")
	if e := waitEvent(t, bus); e != hardware.EventVolumeUp {
		t.Errorf("got %v, want plus", e)
	}

	// Holding the button does not repeat.
	time.Sleep(30 * time.Millisecond)
	select {
	case e := <-bus.Events():
		t.Fatalf("held button repeated: %v", e)
	default:
	}

	setPin(t, root, 27, "0")
	time.Sleep(20 * time.Millisecond)
	setPin(t, root, 17, "1")
	if e := waitEvent(t, bus); e != hardware.EventMute {
		t.Errorf("got %v, want mute", e)
	}
}

func TestGPIO_ActiveLow(t *testing.T) {
	t.Parallel()
	root := fakeSysfs(t, 5)
	setPin(t, root, 5, "1")
	g := hardware.NewGPIO(root, []hardware.Button{{Pin: 5, Event: hardware.EventCharacterNext}},
		hardware.WithActiveLow(true), hardware.WithPollInterval(5*time.Millisecond))

	bus := hardware.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, bus) }()

	time.Sleep(20 * time.Millisecond)
	setPin(t, root, 5, "0")
	if e := waitEvent(t, bus); e != hardware.EventCharacterNext {
		t.Errorf("got %v, want character", e)
	}
}
