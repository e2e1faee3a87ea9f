//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"xteink-flasher/internal/flasher"
)

// DefaultTimeout bounds a one-shot run when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

// luaEventHandler is a registered Lua callback for a flasher event.
type luaEventHandler struct {
	eventType string // "*" matches every event
	workflow  string // filter: only match this workflow (empty = any)
	fn        *lua.LFunction
}

// scriptVM is one Lua state. Persistent VMs serialize handler calls through
// commands; one-shot VMs run on the caller's goroutine.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers and logs

	capture bool
	logs    []string

	// inWorkflow is set while a flasher call made by this VM runs.
	inWorkflow atomic.Bool
}

func (vm *scriptVM) appendLog(line string) {
	if !vm.capture {
		return
	}
	vm.mu.Lock()
	vm.logs = append(vm.logs, line)
	vm.mu.Unlock()
}

func (vm *scriptVM) capturedLogs() []string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]string(nil), vm.logs...)
}

// Engine runs Lua scripts against the flasher and dispatches flasher events
// to enabled scripts.
type Engine struct {
	fl      Flasher
	manager *Manager
	logger  *slog.Logger
	cfg     Config

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(fl Flasher, mgr *Manager, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		fl:      fl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		cfg:     cfg,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to flasher events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.fl.Events().OnAll(e.dispatchEvent)

	if e.manager == nil {
		return
	}
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from flasher events.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a managed script once.
func (e *Engine) RunScript(ctx context.Context, id string) *RunResult {
	if e.manager == nil {
		return &RunResult{OK: false, Error: "no scripts directory configured"}
	}
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error()}
	}
	return e.RunLuaCode(ctx, s.LuaCode)
}

// RunLuaCode executes code once in a fresh sandboxed VM and returns its log
// output. Handlers registered with flasher.on live only as long as the run.
func (e *Engine) RunLuaCode(ctx context.Context, code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	vm := &scriptVM{ctx: ctx, cancel: cancel, capture: true}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)
	vm.state = L

	// Handlers of a one-shot run fire synchronously, and only for workflows
	// the run itself started, which execute on this goroutine.
	unsub := e.fl.Events().OnAll(func(event flasher.Event) {
		if !vm.inWorkflow.Load() {
			return
		}
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()
		for _, h := range handlers {
			if matchesHandler(h, event) {
				e.callHandler(L, h.fn, event)
			}
		}
	})
	defer unsub()

	e.logger.Info("running script", "code_len", len(code))

	if err := L.DoString(code); err != nil {
		errStr := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(errStr, "context deadline exceeded") {
			errStr = fmt.Sprintf("timeout (%s)", e.cfg.Timeout)
		}
		e.logger.Warn("script error", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: vm.capturedLogs(), Duration: time.Since(start).String()}
	}

	dur := time.Since(start)
	logs := vm.capturedLogs()
	e.logger.Info("script complete", "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newState creates a sandboxed Lua state with the flasher, firmware and
// system modules.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	registerFlasherModule(L, vm, e)
	registerFirmwareModule(L, e)
	registerSystemModule(L, vm, e)
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	vm := &scriptVM{
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(vm)
	vm.state = L

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

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

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their script's VM. It runs on the
// workflow goroutine and never blocks it. A VM busy with its own workflow
// call does not receive that workflow's events.
func (e *Engine) dispatchEvent(event flasher.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		if vm.inWorkflow.Load() {
			continue
		}
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func eventWorkflow(event flasher.Event) string {
	switch d := event.Data.(type) {
	case flasher.WorkflowStarted:
		return string(d.Workflow)
	case flasher.WorkflowFinished:
		return string(d.Workflow)
	}
	return ""
}

func matchesHandler(h luaEventHandler, event flasher.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	return h.workflow == "" || h.workflow == eventWorkflow(event)
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event flasher.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventToLua(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// eventToLua flattens an event into {type = ..., <payload fields>} using the
// payload's JSON field names.
func eventToLua(L *lua.LState, event flasher.Event) *lua.LTable {
	t := L.NewTable()
	if raw, err := json.Marshal(event.Data); err == nil {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			for k, v := range fields {
				t.RawSetString(k, goToLua(L, v))
			}
		}
	}
	t.RawSetString("type", lua.LString(event.Type))
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
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
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
