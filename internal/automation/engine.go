//go:build !no_automation

// Package automation runs user Lua scripts that react to controller events.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"swapdmt/internal/controller"
	"swapdmt/internal/swap"
)

const (
	runTimeout      = 5 * time.Second
	commandQueueLen = 64
)

// Controller is the part of the controller that scripts can drive.
type Controller interface {
	Events() *controller.EventBus
	IsConnected() bool
	Motes() []*swap.Mote
	MoteManufacturer(addr uint8) (string, error)
	MoteProduct(addr uint8) (string, error)
	SetMoteParam(ctx context.Context, addr uint8, name string, value uint64) error
	QueryMote(ctx context.Context, addr, reg uint8) error
	SetNetworkParams(ctx context.Context, channel uint8, netID uint16, security uint8) bool
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered with swap.on.
type luaEventHandler struct {
	eventType string
	address   int // -1 matches any mote
	fn        *lua.LFunction
}

// scriptVM is a running Lua state. All access to state goes through
// commands, which the VM goroutine drains.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf, when set, captures swap.log and system.log output.
	logf func(string)
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine manages one Lua VM per enabled script and feeds them controller
// events.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig
	telegram    *telegramNotifier
	clock       func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine. Call Start to load scripts.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	logger = logger.With("component", "automation")
	return &Engine{
		ctrl:        ctrl,
		manager:     mgr,
		logger:      logger,
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		telegram:    newTelegramNotifier(teleCfg, logger),
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to controller events and starts all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

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
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of running script VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts the VM of a script, or only stops it if the script
// is disabled.
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

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a time limit. Handlers the
// code registers are invoked once with a synthetic event of their type, so
// their actions can be tried out without waiting for the network.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		commands: make(chan func(*lua.LState), commandQueueLen),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, context.DeadlineExceeded.Error()) {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.address >= 0 {
			ev.RawSetString("address", lua.LNumber(h.address))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newState creates a sandboxed Lua state with the engine modules loaded.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm.state = L
	registerSwapModule(L, vm, e)
	registerSystemModule(L, vm, e)
	registerTelegramModule(L, e)
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
		commands: make(chan func(*lua.LState), commandQueueLen),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(vm)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
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

// dispatchEvent queues the event on every VM with a matching handler. It
// runs on the emitting goroutine, which may hold the controller's session
// lock, so it only enqueues and never blocks.
func (e *Engine) dispatchEvent(event controller.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			if vm.ctx.Err() != nil {
				break
			}
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "type", event.Type)
			}
		}
	}
}

// eventFields flattens an event into the table passed to Lua handlers:
// "type" plus the JSON fields of its payload.
func eventFields(event controller.Event) map[string]any {
	fields := map[string]any{}
	if event.Data != nil {
		data, err := json.Marshal(event.Data)
		if err == nil {
			// Non-object payloads are ignored.
			_ = json.Unmarshal(data, &fields)
		}
	}
	fields["type"] = event.Type
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.address < 0 {
		return true
	}
	addr, ok := fields["address"].(float64)
	return ok && int(addr) == h.address
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, fields)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// goToLua converts a decoded JSON value or a Go scalar to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
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
