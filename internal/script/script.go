// Package script loads user-supplied JavaScript hooks and registers them
// as stubs. A script declares a global hooks object keyed by symbol name:
//
//	hooks = {
//	    rand: function(m) { m.setX(0, 4); },
//	    log_level: function(m) { return m.x(0); },
//	}
//
// Each function runs on the host when the guest reaches the symbol, with
// m exposing registers, guest memory, and the allocator.
package script

import (
	"fmt"
	"os"

	"github.com/dop251/goja"

	"github.com/zboralski/picohost/internal/stubs"
)

// Engine owns a JavaScript runtime and the hooks it declared.
type Engine struct {
	vm    *goja.Runtime
	hooks map[string]goja.Callable
}

// Load reads and evaluates a script file.
func Load(path string) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return New(string(src))
}

// New evaluates script source and collects its hooks object.
func New(src string) (*Engine, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}

	e := &Engine{vm: vm, hooks: make(map[string]goja.Callable)}

	hooksVal := vm.Get("hooks")
	if hooksVal == nil || goja.IsUndefined(hooksVal) || goja.IsNull(hooksVal) {
		return nil, fmt.Errorf("script declares no hooks object")
	}

	obj := hooksVal.ToObject(vm)
	for _, key := range obj.Keys() {
		fn, ok := goja.AssertFunction(obj.Get(key))
		if !ok {
			return nil, fmt.Errorf("hooks.%s is not a function", key)
		}
		e.hooks[key] = fn
	}

	return e, nil
}

// Symbols returns the symbol names the script hooks.
func (e *Engine) Symbols() []string {
	names := make([]string, 0, len(e.hooks))
	for name := range e.hooks {
		names = append(names, name)
	}
	return names
}

// RegisterInto registers every scripted hook with the given registry.
// Scripted hooks win over built-in stubs for the same symbol because
// registration replaces by name.
func (e *Engine) RegisterInto(r *stubs.Registry) {
	for name, fn := range e.hooks {
		name, fn := name, fn
		r.Register(stubs.StubDef{
			Name:     name,
			Hook:     e.makeHook(name, fn),
			Category: "script",
		})
	}
}

func (e *Engine) makeHook(name string, fn goja.Callable) stubs.HookFunc {
	return func(h *stubs.Host) bool {
		api := e.vm.ToValue(newMachineAPI(h))

		ret, err := fn(goja.Undefined(), api)
		if err != nil {
			h.Log("script", name, "error: "+err.Error())
			h.Return()
			return false
		}

		// A numeric return value lands in X0, like a C return.
		if ret != nil && !goja.IsUndefined(ret) {
			h.M.SetX(0, uint64(ret.ToInteger()))
		}

		h.Log("script", name, "")
		h.Return()
		return false
	}
}

// machineAPI is the view of the host a script hook sees. Method names
// surface in JS lowercased by the field name mapper.
type machineAPI struct {
	h *stubs.Host
}

func newMachineAPI(h *stubs.Host) *machineAPI {
	return &machineAPI{h: h}
}

func (a *machineAPI) X(n int) uint64       { return a.h.M.X(n) }
func (a *machineAPI) SetX(n int, v uint64) { a.h.M.SetX(n, v) }
func (a *machineAPI) Pc() uint64           { return a.h.M.PC() }
func (a *machineAPI) Sp() uint64           { return a.h.M.SP() }
func (a *machineAPI) Lr() uint64           { return a.h.M.LR() }

func (a *machineAPI) ReadU64(addr uint64) uint64 {
	v, _ := a.h.M.MemReadU64(addr)
	return v
}

func (a *machineAPI) WriteU64(addr, v uint64) {
	a.h.M.MemWriteU64(addr, v)
}

func (a *machineAPI) ReadString(addr uint64) string {
	s, _ := a.h.M.MemReadString(addr, 4096)
	return s
}

func (a *machineAPI) WriteString(addr uint64, s string) {
	a.h.M.MemWriteString(addr, s)
}

func (a *machineAPI) ReadBytes(addr, n uint64) []byte {
	data, _ := a.h.M.MemRead(addr, n)
	return data
}

func (a *machineAPI) WriteBytes(addr uint64, data []byte) {
	a.h.M.MemWrite(addr, data)
}

// Alloc reserves guest memory through the growth primitive. Returns 0
// when the heap is exhausted.
func (a *machineAPI) Alloc(size uint64) uint64 {
	ptr := a.h.Heap.Grow(int64((size + 15) &^ 15))
	if ptr == ^uint64(0) {
		return 0
	}
	return ptr
}

// Print writes to the guest console.
func (a *machineAPI) Print(s string) {
	a.h.Console.WriteString(s)
}
