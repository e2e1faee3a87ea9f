//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// maxSleep caps system.sleep so a script cannot park a VM for long.
const maxSleep = 10 * time.Minute

// registerSystemModule registers the `system` global table and the global
// log(level, msg) shorthand.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(systemDatetime))

	logFn := L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, vm, e)
	})
	mod.RawSetString("log", logFn)

	mod.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		return systemSleep(L, vm)
	}))

	L.SetGlobal("system", mod)
	L.SetGlobal("log", logFn)
}

// system.datetime(component) returns a date/time component
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		level = "info"
		e.logger.Info("script log", "msg", msg)
	}
	vm.appendLog("[" + level + "] " + msg)
	return 0
}

// system.sleep(ms) returns false when the run was cancelled meanwhile
func systemSleep(L *lua.LState, vm *scriptVM) int {
	d := min(time.Duration(L.CheckInt(1))*time.Millisecond, maxSleep)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Push(lua.LTrue)
	case <-vm.ctx.Done():
		L.Push(lua.LFalse)
	}
	return 1
}
