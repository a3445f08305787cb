// Package machine provides ARM64 guest execution using Unicorn Engine.
//
// A Machine maps the guest address space described by a config.Layout,
// exposes register and memory accessors, and lets callers hook individual
// addresses (how the host overrides libc entry points) or every instruction
// (how the CLI traces). The heap window is mapped here but owned by the
// heap package's growth primitive.
package machine

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/picohost/internal/config"
)

// stackCanary is written at TLS+0x28, where ARM64 stack protector code
// expects __stack_chk_guard to point. Deterministic for reproducible runs.
const stackCanary = uint64(0xDEADBEEFDEADBEEF)

// canaryOffset is the canary's offset inside the TLS window.
const canaryOffset = 0x28

// CodeHookFunc is called for each instruction.
type CodeHookFunc func(m *Machine, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address.
// Returning true stops emulation.
type AddressHookFunc func(m *Machine) bool

// Machine wraps Unicorn for ARM64 guest execution.
type Machine struct {
	mu uc.Unicorn

	layout config.Layout

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates a machine with the given guest layout mapped and initialized.
func New(layout config.Layout) (*Machine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	m := &Machine{
		mu:        mu,
		layout:    layout,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := m.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := m.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return m, nil
}

func (m *Machine) mapMemory() error {
	regions := []struct {
		w    config.Window
		name string
	}{
		{m.layout.Code, "code"},
		{m.layout.Stack, "stack"},
		{m.layout.Heap, "heap"},
		{m.layout.TLS, "tls"},
		{m.layout.Stubs, "stubs"},
	}

	for _, r := range regions {
		if err := m.mu.MemMap(r.w.Base, r.w.Size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.w.Base, err)
		}
	}

	// Initialize stack pointer just below the top of the stack window.
	sp := m.layout.Stack.End() - 0x1000
	if err := m.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64.
	if err := m.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, m.layout.TLS.Base); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	zeros := make([]byte, 256)
	if err := m.mu.MemWrite(m.layout.TLS.Base, zeros); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	canaryBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(canaryBytes, stackCanary)
	if err := m.mu.MemWrite(m.layout.TLS.Base+canaryOffset, canaryBytes); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	return nil
}

func (m *Machine) setupHooks() error {
	_, err := m.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if m.stopped {
			m.mu.Stop()
			return
		}

		m.addrHooksMu.RLock()
		hook, ok := m.addrHooks[addr]
		m.addrHooksMu.RUnlock()

		if ok {
			if hook(m) {
				m.Stop()
				return
			}
		}

		for _, h := range m.codeHooks {
			h(m, addr, size)
		}
	}, 1, 0)

	return err
}

// Layout returns the guest memory layout.
func (m *Machine) Layout() config.Layout { return m.layout }

// HeapWindow returns the heap window's base and size. These are the memory
// layout facts the growth primitive is constructed from.
func (m *Machine) HeapWindow() (base, size uint64) {
	return m.layout.Heap.Base, m.layout.Heap.Size
}

// CanaryAddr returns the guest address of the stack canary.
func (m *Machine) CanaryAddr() uint64 {
	return m.layout.TLS.Base + canaryOffset
}

// Close releases resources.
func (m *Machine) Close() error {
	return m.mu.Close()
}

// LoadCode writes code at the code window base.
func (m *Machine) LoadCode(code []byte) error {
	return m.mu.MemWrite(m.layout.Code.Base, code)
}

// MapRegion maps additional guest memory.
func (m *Machine) MapRegion(addr, size uint64) error {
	return m.mu.MemMap(addr, size)
}

// MemRead reads bytes from guest memory.
func (m *Machine) MemRead(addr, size uint64) ([]byte, error) {
	return m.mu.MemRead(addr, size)
}

// MemWrite writes bytes to guest memory.
func (m *Machine) MemWrite(addr uint64, data []byte) error {
	return m.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from guest memory (little endian).
func (m *Machine) MemReadU64(addr uint64) (uint64, error) {
	data, err := m.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to guest memory (little endian).
func (m *Machine) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return m.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from guest memory (little endian).
func (m *Machine) MemReadU32(addr uint64) (uint32, error) {
	data, err := m.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to guest memory (little endian).
func (m *Machine) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return m.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from guest memory.
func (m *Machine) MemReadU8(addr uint64) (uint8, error) {
	data, err := m.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to guest memory.
func (m *Machine) MemWriteU8(addr uint64, val uint8) error {
	return m.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from guest memory.
func (m *Machine) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := m.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}

	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to guest memory.
func (m *Machine) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return m.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30.
func (m *Machine) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := m.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30.
func (m *Machine) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return m.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter.
func (m *Machine) PC() uint64 {
	pc, _ := m.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (m *Machine) SetPC(val uint64) error {
	return m.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer.
func (m *Machine) SP() uint64 {
	sp, _ := m.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer.
func (m *Machine) SetSP(val uint64) error {
	return m.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register.
func (m *Machine) LR() uint64 {
	lr, _ := m.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register.
func (m *Machine) SetLR(val uint64) error {
	return m.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// HookCode adds a code hook called for every instruction.
func (m *Machine) HookCode(fn CodeHookFunc) {
	m.codeHooks = append(m.codeHooks, fn)
}

// HookAddress adds a hook for a specific address.
func (m *Machine) HookAddress(addr uint64, fn AddressHookFunc) {
	m.addrHooksMu.Lock()
	defer m.addrHooksMu.Unlock()
	m.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook.
func (m *Machine) RemoveAddressHook(addr uint64) {
	m.addrHooksMu.Lock()
	defer m.addrHooksMu.Unlock()
	delete(m.addrHooks, addr)
}

// Run starts emulation from start until end.
func (m *Machine) Run(start, end uint64) error {
	m.stopped = false
	return m.mu.Start(start, end)
}

// RunFrom starts emulation from start until a hook stops it.
func (m *Machine) RunFrom(start uint64) error {
	m.stopped = false
	return m.mu.Start(start, 0)
}

// Stop stops emulation.
func (m *Machine) Stop() {
	m.stopped = true
	m.mu.Stop()
}
