// Package stubs provides a registry for self-registering host hook
// implementations. Each stub package uses init() to register its hooks.
//
// Where a native RTOS build would override libc internals through weak or
// aliased symbols, the registry hooks the symbol's resolved address and
// dispatches to a Go function instead. The Host bundle is the injected
// capability set every hook runs against: the machine, the heap growth
// primitive, and the console device.
package stubs

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/picohost/internal/console"
	"github.com/zboralski/picohost/internal/heap"
	glog "github.com/zboralski/picohost/internal/log"
	"github.com/zboralski/picohost/internal/machine"
)

// Host bundles the services stubs run against. Grower and Console are
// injected rather than reached through globals so tests can substitute them.
type Host struct {
	M       *machine.Machine
	Heap    heap.Grower
	Console *console.Console

	reg *Registry
}

// Log reports a stub call through the owning registry.
func (h *Host) Log(category, name, detail string) {
	if h.reg != nil {
		h.reg.logCall(h, category, name, detail)
	}
}

// Return sets PC to LR to return from the current guest function.
func (h *Host) Return() {
	h.M.SetPC(h.M.LR())
}

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(h *Host) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "sbrk", "write")
	Aliases  []string // Alternative symbol names (e.g., "_sbrk")
	Hook     HookFunc
	Category string // For logging: "libc", "posix", "process", ...
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition

	// OnCall is invoked for every logged stub call.
	OnCall func(category, name, detail string)
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// Debug enables verbose logging during installation.
var Debug = false

// InstallFallbacks enables fallback stubs for unstubbed imports.
// When true, all unknown imports get a stub that returns 0.
var InstallFallbacks = true

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}

	if Debug && glog.L != nil {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// NewHost creates the injected capability bundle stubs run against.
func (r *Registry) NewHost(m *machine.Machine, grower heap.Grower, cons *console.Console) *Host {
	return &Host{M: m, Heap: grower, Console: cons, reg: r}
}

// Install hooks all registered stubs at their resolved addresses.
// When InstallFallbacks is true, also installs no-op stubs for unstubbed
// imports.
//
// Parameters:
//   - imports: PLT stub addresses for external symbols (fallbacks applied here)
//   - symbols: optional additional symbols to search (internal functions, the
//     weak-symbol override path; no fallbacks)
func (r *Registry) Install(h *Host, imports map[string]uint64, symbols ...map[string]uint64) int {
	installed := 0
	seen := make(map[uint64]bool) // Avoid double-hooking same address

	r.mu.RLock()
	defer r.mu.RUnlock()

	stubbed := make(map[uint64]bool)

	installStub := func(name string, def *StubDef, addr uint64, source string) {
		if seen[addr] {
			return
		}
		seen[addr] = true
		stubbed[addr] = true

		// Create closure to capture def
		stub := def
		h.M.HookAddress(addr, func(m *machine.Machine) bool {
			return stub.Hook(h)
		})
		installed++

		if Debug && glog.L != nil {
			glog.L.StubInstall(def.Category, name, addr, source)
		}
	}

	// First pass: install stubs from imports (PLT entries)
	for name, def := range r.stubs {
		if addr, ok := imports[name]; ok && addr != 0 {
			installStub(name, def, addr, "import")
		}
	}

	// Second pass: install stubs over internal symbols. This is how libc
	// functions linked into the firmware itself get overridden.
	for _, syms := range symbols {
		for name, def := range r.stubs {
			if addr, ok := syms[name]; ok && addr != 0 {
				installStub(name, def, addr, "internal")
			}
		}
	}

	// Install fallback stubs for unstubbed imports (return 0)
	if InstallFallbacks {
		for name, addr := range imports {
			if addr == 0 || stubbed[addr] || seen[addr] {
				continue
			}
			seen[addr] = true

			symName := name
			h.M.HookAddress(addr, func(m *machine.Machine) bool {
				if Debug && glog.L != nil {
					glog.L.StubFallback(symName)
				}
				m.SetX(0, 0)
				m.SetPC(m.LR())
				return false
			})
			installed++
		}
	}

	return installed
}

// logCall invokes the OnCall callback and logs via zap.
func (r *Registry) logCall(h *Host, category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	// Return address of the stub call
	var pc uint64
	if h.M != nil {
		pc = h.M.LR()
	}

	if cb != nil {
		cb(category, name, detail)
	}

	if glog.L != nil {
		glog.L.Trace(pc, category, name, detail)
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[string]bool)
	for _, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	return names
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// NewHost creates a Host bound to the default registry.
func NewHost(m *machine.Machine, grower heap.Grower, cons *console.Console) *Host {
	return DefaultRegistry.NewHost(m, grower, cons)
}

// Install hooks all stubs in the default registry.
func Install(h *Host, imports map[string]uint64, symbols ...map[string]uint64) int {
	return DefaultRegistry.Install(h, imports, symbols...)
}

// Helper functions for stubs

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats a name=value pair.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
