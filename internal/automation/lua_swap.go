//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	actionTimeout        = 10 * time.Second
)

// registerSwapModule registers the `swap` global table.
func registerSwapModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":          func(L *lua.LState) int { return swapOn(L, vm) },
		"after":       func(L *lua.LState) int { return swapAfter(L, vm, e) },
		"log":         func(L *lua.LState) int { return swapLog(L, vm, e) },
		"connected":   func(L *lua.LState) int { return swapConnected(L, e) },
		"motes":       func(L *lua.LState) int { return swapMotes(L, e) },
		"set_param":   func(L *lua.LState) int { return swapSetParam(L, vm, e) },
		"query":       func(L *lua.LState) int { return swapQuery(L, vm, e) },
		"set_network": func(L *lua.LState) int { return swapSetNetwork(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("swap", mod)
}

// swap.on(type, [filter], callback)
//
// filter is an optional table; {address = n} restricts the handler to events
// about mote n.
func swapOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1), address: -1}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v, ok := filter.RawGetString("address").(lua.LNumber); ok {
			h.address = int(v)
		}
	} else {
		h.fn = L.CheckFunction(2)
	}

	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// swap.after(seconds, callback)
func swapAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// swap.log(msg)
func swapLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// swap.connected() -> bool
func swapConnected(L *lua.LState, e *Engine) int {
	L.Push(lua.LBool(e.ctrl.IsConnected()))
	return 1
}

// swap.motes() -> list of {address, state, manufacturer, product, rssi, lqi}
func swapMotes(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, m := range e.ctrl.Motes() {
		info := m.Info()
		t := L.NewTable()
		t.RawSetString("address", lua.LNumber(info.Address))
		t.RawSetString("state", lua.LString(info.State))
		t.RawSetString("rssi", lua.LNumber(info.RSSI))
		t.RawSetString("lqi", lua.LNumber(info.LQI))
		if name, err := e.ctrl.MoteManufacturer(info.Address); err == nil {
			t.RawSetString("manufacturer", lua.LString(name))
		}
		if name, err := e.ctrl.MoteProduct(info.Address); err == nil {
			t.RawSetString("product", lua.LString(name))
		}
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

func actionContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, actionTimeout)
}

// pushResult returns true, or false plus the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// swap.set_param(address, name, value) -> ok, err
func swapSetParam(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr := uint8(L.CheckInt(1))
	name := L.CheckString(2)
	value := L.CheckInt64(3)
	if value < 0 {
		L.ArgError(3, "value must not be negative")
		return 0
	}
	ctx, cancel := actionContext(vm)
	defer cancel()
	return pushResult(L, e.ctrl.SetMoteParam(ctx, addr, name, uint64(value)))
}

// swap.query(address, register) -> ok, err
func swapQuery(L *lua.LState, vm *scriptVM, e *Engine) int {
	addr := uint8(L.CheckInt(1))
	reg := uint8(L.CheckInt(2))
	ctx, cancel := actionContext(vm)
	defer cancel()
	return pushResult(L, e.ctrl.QueryMote(ctx, addr, reg))
}

// swap.set_network(channel, network_id, security) -> ok
func swapSetNetwork(L *lua.LState, vm *scriptVM, e *Engine) int {
	channel := uint8(L.CheckInt(1))
	netID := uint16(L.CheckInt(2))
	security := uint8(L.CheckInt(3))
	ctx, cancel := actionContext(vm)
	defer cancel()
	L.Push(lua.LBool(e.ctrl.SetNetworkParams(ctx, channel, netID, security)))
	return 1
}
