package machine

import (
	"testing"

	"github.com/zboralski/picohost/internal/config"
)

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(config.Default().Layout)
	if err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMachineBasic(t *testing.T) {
	m := newTestMachine(t)

	if err := m.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	// Set up LR to stop execution on RET
	sentinel := uint64(0xDEADBEEF)
	if err := m.SetLR(sentinel); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	codeBase := m.Layout().Code.Base
	endAddr := codeBase + uint64(len(addTestCode))
	err := m.Run(codeBase, endAddr)
	// Expect "fetch unmapped" error when RET jumps to sentinel
	if err != nil {
		t.Logf("Expected stop error: %v", err)
	}

	if m.X(2) != 8 {
		t.Errorf("Expected X2=8, got X2=%d", m.X(2))
	}
	if m.X(0) != 5 {
		t.Errorf("Expected X0=5, got X0=%d", m.X(0))
	}
	if m.X(1) != 3 {
		t.Errorf("Expected X1=3, got X1=%d", m.X(1))
	}
}

func TestMemoryOperations(t *testing.T) {
	m := newTestMachine(t)

	addr := m.Layout().Heap.Base
	val := uint64(0x123456789ABCDEF0)

	if err := m.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}

	readVal, err := m.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	strAddr := addr + 0x100
	testStr := "hello, firmware"

	if err := m.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}

	readStr, err := m.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}
}

func TestHeapWindowMatchesLayout(t *testing.T) {
	m := newTestMachine(t)

	base, size := m.HeapWindow()
	if base != m.Layout().Heap.Base || size != m.Layout().Heap.Size {
		t.Errorf("HeapWindow() = (0x%x, 0x%x), want layout values", base, size)
	}

	// The window must be mapped and writable end to end.
	if err := m.MemWriteU8(base, 0xAA); err != nil {
		t.Errorf("heap base not writable: %v", err)
	}
	if err := m.MemWriteU8(base+size-1, 0xBB); err != nil {
		t.Errorf("heap end not writable: %v", err)
	}
}

func TestCanaryInitialized(t *testing.T) {
	m := newTestMachine(t)

	val, err := m.MemReadU64(m.CanaryAddr())
	if err != nil {
		t.Fatalf("read canary: %v", err)
	}
	if val != stackCanary {
		t.Errorf("canary = 0x%x, want 0x%x", val, stackCanary)
	}
}

func TestAddressHook(t *testing.T) {
	m := newTestMachine(t)

	if err := m.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	hookCalled := false
	codeBase := m.Layout().Code.Base
	m.HookAddress(codeBase+4, func(mm *Machine) bool {
		hookCalled = true
		return false // continue execution
	})

	if err := m.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	endAddr := codeBase + uint64(len(addTestCode))
	_ = m.Run(codeBase, endAddr)

	if !hookCalled {
		t.Error("Address hook was not called")
	}
}

func TestCodeHook(t *testing.T) {
	m := newTestMachine(t)

	if err := m.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	instrCount := 0
	m.HookCode(func(mm *Machine, addr uint64, size uint32) {
		instrCount++
	})

	if err := m.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	codeBase := m.Layout().Code.Base
	endAddr := codeBase + uint64(len(addTestCode))
	_ = m.Run(codeBase, endAddr)

	if instrCount != 4 {
		t.Errorf("Expected 4 instructions, got %d", instrCount)
	}
}

func TestHookStopsEmulation(t *testing.T) {
	m := newTestMachine(t)

	if err := m.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	codeBase := m.Layout().Code.Base
	m.HookAddress(codeBase+8, func(mm *Machine) bool {
		return true // stop before ADD executes
	})

	endAddr := codeBase + uint64(len(addTestCode))
	_ = m.Run(codeBase, endAddr)

	if m.X(2) == 8 {
		t.Error("ADD executed despite stopping hook")
	}
}
