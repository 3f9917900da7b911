//go:build !no_automation

package automation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"olarm-bridge/internal/state"
)

type sentCommand struct {
	action string
	num    int
}

type commandRecorder struct {
	mu   sync.Mutex
	sent []sentCommand
}

func (c *commandRecorder) send(_ context.Context, actionCmd string, actionNum int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentCommand{action: actionCmd, num: actionNum})
}

func (c *commandRecorder) commands() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCommand(nil), c.sent...)
}

func newTestEngine(t *testing.T, scripts map[string]string) (*Engine, *state.EventBus, *commandRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := state.NewEventBus(logger)
	rec := &commandRecorder{}

	dir := t.TempDir()
	for name, code := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name+".lua"), []byte(code), 0644); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine(bus, rec.send, logger)
	e.Start(dir)
	t.Cleanup(e.Stop)
	return e, bus, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScriptReceivesChangeEvent(t *testing.T) {
	_, bus, rec := newTestEngine(t, map[string]string{
		"siren": `
			panel.on("state_change", function(event)
				if event.data.field == "zones" and event.data.new == "a" then
					panel.send("area-arm", 1)
				end
			end)
		`,
	})

	bus.Emit(state.Event{Type: state.EventStateChange, Data: state.Change{
		Field: state.FieldZones, Index: 2, Old: "c", New: "a",
	}})

	waitFor(t, func() bool { return len(rec.commands()) == 1 })

	got := rec.commands()[0]
	if got.action != "area-arm" || got.num != 1 {
		t.Errorf("command = %+v", got)
	}
}

func TestScriptIgnoresOtherEvents(t *testing.T) {
	_, bus, rec := newTestEngine(t, map[string]string{
		"siren": `
			panel.on("state_change", function(event)
				panel.send("area-arm", 1)
			end)
		`,
	})

	bus.Emit(state.Event{Type: state.EventConnectivity, Data: "polling"})
	time.Sleep(50 * time.Millisecond)

	if got := rec.commands(); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

func TestScriptReceivesSnapshot(t *testing.T) {
	_, bus, rec := newTestEngine(t, map[string]string{
		"watch": `
			panel.on("snapshot", function(event)
				if event.data.areas[1] == "alarm" then
					panel.send("area-disarm", 1)
				end
			end)
		`,
	})

	bus.Emit(state.Event{Type: state.EventSnapshot, Data: &state.Snapshot{
		Areas: []string{"alarm"},
		Zones: []string{"c"},
	}})

	waitFor(t, func() bool { return len(rec.commands()) == 1 })
}

func TestBrokenScriptDoesNotStartOthers(t *testing.T) {
	e, bus, rec := newTestEngine(t, map[string]string{
		"broken": `this is not lua`,
		"good": `
			panel.on("state_change", function(event)
				panel.send("area-stay", 2)
			end)
		`,
	})

	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	if running != 1 {
		t.Errorf("running scripts = %d, want 1", running)
	}

	bus.Emit(state.Event{Type: state.EventStateChange, Data: state.Change{Field: state.FieldAreas}})
	waitFor(t, func() bool { return len(rec.commands()) == 1 })
}

func TestMissingScriptsDirIsNotFatal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := state.NewEventBus(logger)
	e := NewEngine(bus, func(context.Context, string, int) {}, logger)

	e.Start(filepath.Join(t.TempDir(), "does-not-exist"))
	defer e.Stop()

	// Emitting must not panic with zero scripts loaded.
	bus.Emit(state.Event{Type: state.EventSnapshot, Data: &state.Snapshot{}})
}

func TestStopCancelsScripts(t *testing.T) {
	e, bus, rec := newTestEngine(t, map[string]string{
		"siren": `
			panel.on("state_change", function(event)
				panel.send("area-arm", 1)
			end)
		`,
	})

	e.Stop()
	bus.Emit(state.Event{Type: state.EventStateChange, Data: state.Change{}})
	time.Sleep(50 * time.Millisecond)

	if got := rec.commands(); len(got) != 0 {
		t.Errorf("commands after stop = %v, want none", got)
	}
}
