//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"xteink-flasher/internal/artifact"
	"xteink-flasher/internal/firmware"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
)

const maxHandlersPerScript = 100

// registerFlasherModule registers the `flasher` global table. Workflow
// functions return their result, or nil and "Kind: message" on failure.
func registerFlasherModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":              func(L *lua.LState) int { return flasherOn(L, vm) },
		"state":           func(L *lua.LState) int { return flasherState(L, e) },
		"identify_all":    func(L *lua.LState) int { return flasherIdentifyAll(L, vm, e) },
		"read_otadata":    func(L *lua.LState) int { return flasherReadOtadata(L, vm, e) },
		"read_app":        func(L *lua.LState) int { return flasherReadApp(L, vm, e) },
		"swap_boot":       func(L *lua.LState) int { return flasherSwapBoot(L, vm, e) },
		"flash_official":  func(L *lua.LState) int { return flasherFlashOfficial(L, vm, e) },
		"flash_community": func(L *lua.LState) int { return flasherFlashCommunity(L, vm, e) },
		"flash_file":      func(L *lua.LState) int { return flasherFlashFile(L, vm, e) },
		"save_flash":      func(L *lua.LState) int { return flasherSaveFlash(L, vm, e) },
		"write_flash":     func(L *lua.LState) int { return flasherWriteFlash(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("flasher", mod)
}

// registerFirmwareModule registers the `firmware` global table.
func registerFirmwareModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("identify", L.NewFunction(func(L *lua.LState) int {
		L.Push(infoToLua(L, firmware.Identify([]byte(L.CheckString(1)))))
		return 1
	}))
	mod.RawSetString("identify_file", L.NewFunction(func(L *lua.LState) int {
		path, err := e.resolvePath(L.CheckString(1))
		if err != nil {
			return pushError(L, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return pushError(L, err)
		}
		L.Push(infoToLua(L, firmware.Identify(data)))
		return 1
	}))
	L.SetGlobal("firmware", mod)
}

// resolvePath maps a script-supplied path into the base dir. Paths that
// escape it are rejected.
func (e *Engine) resolvePath(p string) (string, error) {
	if e.cfg.BaseDir == "" {
		return p, nil
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(e.cfg.BaseDir, p)
	}
	rel, err := filepath.Rel(e.cfg.BaseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %s", p, e.cfg.BaseDir)
	}
	return full, nil
}

func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(flasher.ErrorKind(err) + ": " + err.Error()))
	return 2
}

// run executes a workflow call with the VM marked busy.
func run[T any](vm *scriptVM, fn func(ctx context.Context) (T, error)) (T, error) {
	vm.inWorkflow.Store(true)
	defer vm.inWorkflow.Store(false)
	return fn(vm.ctx)
}

func fileFunc(e *Engine, p string) flasher.FileFunc {
	return func() ([]byte, string, error) {
		path, err := e.resolvePath(p)
		if err != nil {
			return nil, "", err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", flasher.ErrMissingInput, p)
		}
		return data, filepath.Base(path), err
	}
}

// flasher.on(type, [filter], callback). type "*" matches every event;
// filter may name a workflow.
func flasherOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		if v := L.CheckTable(2).RawGetString("workflow"); v != lua.LNil {
			h.workflow = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

func flasherState(L *lua.LState, e *Engine) int {
	st := e.fl.State()
	t := L.NewTable()
	t.RawSetString("running", lua.LBool(st.Running))
	if st.Running {
		t.RawSetString("workflow", lua.LString(st.Workflow))
		t.RawSetString("workflow_id", lua.LString(st.WorkflowID))
	}
	L.Push(t)
	return 1
}

func infoToLua(L *lua.LState, info firmware.Info) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(info.Type))
	t.RawSetString("version", lua.LString(info.Version))
	t.RawSetString("display_name", lua.LString(info.DisplayName))
	return t
}

func otadataToLua(L *lua.LState, img *otadata.Image) *lua.LTable {
	t := L.NewTable()
	if l, ok := img.CurrentBootLabel(); ok {
		t.RawSetString("boot", lua.LString(l))
	}
	t.RawSetString("backup", lua.LString(img.CurrentBackupLabel()))
	parts := L.NewTable()
	for _, r := range img.Partitions() {
		p := L.NewTable()
		p.RawSetString("label", lua.LString(r.Label))
		p.RawSetString("sequence", lua.LNumber(r.Sequence))
		p.RawSetString("state", lua.LString(r.State.String()))
		p.RawSetString("crc_valid", lua.LBool(r.CRCValid))
		parts.Append(p)
	}
	t.RawSetString("partitions", parts)
	return t
}

func flasherIdentifyAll(L *lua.LState, vm *scriptVM, e *Engine) int {
	res, err := run(vm, e.fl.IdentifyAll)
	if err != nil {
		return pushError(L, err)
	}
	t := L.NewTable()
	t.RawSetString("app0", infoToLua(L, res.App0))
	t.RawSetString("app1", infoToLua(L, res.App1))
	if res.CurrentBoot != "" {
		t.RawSetString("current_boot", lua.LString(res.CurrentBoot))
	}
	L.Push(t)
	return 1
}

func flasherReadOtadata(L *lua.LState, vm *scriptVM, e *Engine) int {
	img, err := run(vm, e.fl.ReadOtadata)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(otadataToLua(L, img))
	return 1
}

// flasher.read_app(label, [path]) returns the dump size. With path the dump
// is written there.
func flasherReadApp(L *lua.LState, vm *scriptVM, e *Engine) int {
	label, err := otadata.ParseLabel(L.CheckString(1))
	if err != nil {
		return pushError(L, err)
	}
	out := L.OptString(2, "")
	data, err := run(vm, func(ctx context.Context) ([]byte, error) {
		return e.fl.ReadAppPartition(ctx, label)
	})
	if err != nil {
		return pushError(L, err)
	}
	if out != "" {
		if err := e.writeOut(out, data); err != nil {
			return pushError(L, err)
		}
	}
	L.Push(lua.LNumber(len(data)))
	return 1
}

func flasherSwapBoot(L *lua.LState, vm *scriptVM, e *Engine) int {
	img, err := run(vm, e.fl.SwapBootPartition)
	if err != nil {
		return pushError(L, err)
	}
	l, _ := img.CurrentBootLabel()
	L.Push(lua.LString(l))
	return 1
}

func flasherFlashOfficial(L *lua.LState, vm *scriptVM, e *Engine) int {
	region := L.CheckString(1)
	return pushDone(L, vm, func(ctx context.Context) error { return e.fl.FlashOfficial(ctx, region) })
}

func flasherFlashCommunity(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	return pushDone(L, vm, func(ctx context.Context) error { return e.fl.FlashCommunity(ctx, name) })
}

func flasherFlashFile(L *lua.LState, vm *scriptVM, e *Engine) int {
	file := fileFunc(e, L.CheckString(1))
	return pushDone(L, vm, func(ctx context.Context) error { return e.fl.FlashCustom(ctx, file) })
}

func flasherWriteFlash(L *lua.LState, vm *scriptVM, e *Engine) int {
	file := fileFunc(e, L.CheckString(1))
	return pushDone(L, vm, func(ctx context.Context) error { return e.fl.WriteFullFlash(ctx, file) })
}

// flasher.save_flash(path) returns the dump size.
func flasherSaveFlash(L *lua.LState, vm *scriptVM, e *Engine) int {
	out := L.CheckString(1)
	data, err := run(vm, e.fl.SaveFullFlash)
	if err != nil {
		return pushError(L, err)
	}
	if err := e.writeOut(out, data); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LNumber(len(data)))
	return 1
}

func pushDone(L *lua.LState, vm *scriptVM, fn func(ctx context.Context) error) int {
	_, err := run(vm, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) })
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *Engine) writeOut(p string, data []byte) error {
	path, err := e.resolvePath(p)
	if err != nil {
		return err
	}
	return artifact.WriteFileAtomic(path, data, 0o644)
}
