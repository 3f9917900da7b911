//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"olarm-bridge/internal/state"
)

// CommandFunc sends a panel action on behalf of a script.
type CommandFunc func(ctx context.Context, actionCmd string, actionNum int)

// luaEventHandler is a registered Lua callback for one event type.
type luaEventHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	name     string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs user Lua scripts and dispatches bridge events to their
// registered handlers.
type Engine struct {
	events *state.EventBus
	send   CommandFunc
	logger *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script name -> running VM
	unsub func()
}

// NewEngine creates an automation engine publishing panel commands
// through send.
func NewEngine(events *state.EventBus, send CommandFunc, logger *slog.Logger) *Engine {
	return &Engine{
		events: events,
		send:   send,
		logger: logger.With("component", "automation"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start loads every .lua file in dir and subscribes to the event bus.
// A missing directory disables automation without error.
func (e *Engine) Start(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Error("read scripts dir", "dir", dir, "err", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		code, err := os.ReadFile(path)
		if err != nil {
			e.logger.Error("read script", "path", path, "err", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.startScript(name, string(code)); err != nil {
			e.logger.Error("start script", "name", name, "err", err)
		}
	}

	e.unsub = e.events.OnAll(func(event state.Event) {
		e.dispatchEvent(event)
	})

	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, vm := range e.vms {
		vm.cancel()
		delete(e.vms, name)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("automation engine stopped")
}

// startScript executes the script's top-level code, which registers
// handlers via panel.on, and starts its command loop.
func (e *Engine) startScript(name, code string) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	vm := &scriptVM{
		name:     name,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.registerPanelModule(L, vm)

	if err := L.DoString(code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", name, err)
	}

	e.mu.Lock()
	e.vms[name] = vm
	e.mu.Unlock()

	// Command loop goroutine exits when the context is cancelled.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "name", name)
	return nil
}

// registerPanelModule exposes the panel API to a script.
func (e *Engine) registerPanelModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		actionCmd := L.CheckString(1)
		actionNum := L.OptInt(2, 0)
		e.send(vm.ctx, actionCmd, actionNum)
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "name", vm.name, "msg", msg)
		return 0
	}))

	L.SetGlobal("panel", mod)
}

// dispatchEvent routes a bus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event state.Event) {
	e.mu.Lock()
	vmsCopy := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vmsCopy = append(vmsCopy, vm)
	}
	e.mu.Unlock()

	for _, vm := range vmsCopy {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type {
				continue
			}

			fn := h.fn
			// Send to the VM's command channel for thread-safe Lua
			// execution. Check context first to avoid a stopped VM.
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "name", vm.name)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event state.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(event.Type))
	eventTable.RawSetString("data", goToLua(L, eventData(event)))

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventData flattens typed event payloads into plain values for Lua.
func eventData(event state.Event) interface{} {
	switch d := event.Data.(type) {
	case state.Change:
		return map[string]interface{}{
			"field": d.Field,
			"index": d.Index,
			"old":   d.Old,
			"new":   d.New,
		}
	case *state.Snapshot:
		return map[string]interface{}{
			"areas": toAnySlice(d.Areas),
			"zones": toAnySlice(d.Zones),
			"pgm":   toAnySlice(d.PGM),
			"ukeys": toAnySlice(d.Ukeys),
		}
	default:
		return d
	}
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
