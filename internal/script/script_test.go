package script_test

import (
	"bytes"
	"testing"

	"github.com/zboralski/picohost/internal/config"
	"github.com/zboralski/picohost/internal/console"
	"github.com/zboralski/picohost/internal/heap"
	"github.com/zboralski/picohost/internal/machine"
	"github.com/zboralski/picohost/internal/script"
	"github.com/zboralski/picohost/internal/stubs"
)

func TestNewCollectsHooks(t *testing.T) {
	e, err := script.New(`
		hooks = {
			rand: function(m) { return 4; },
			my_init: function(m) {},
		}
	`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	syms := e.Symbols()
	if len(syms) != 2 {
		t.Errorf("Symbols = %v, want 2 entries", syms)
	}
}

func TestNewRejectsMissingHooks(t *testing.T) {
	if _, err := script.New(`var x = 1;`); err == nil {
		t.Error("script without hooks object should fail to load")
	}
}

func TestNewRejectsNonFunctionHook(t *testing.T) {
	if _, err := script.New(`hooks = { rand: 42 };`); err == nil {
		t.Error("non-function hook should fail to load")
	}
}

func TestNewRejectsSyntaxError(t *testing.T) {
	if _, err := script.New(`hooks = {`); err == nil {
		t.Error("syntax error should fail to load")
	}
}

func TestScriptedHookRuns(t *testing.T) {
	layout := config.Default().Layout
	m, err := machine.New(layout)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	defer m.Close()

	base, size := m.HeapWindow()
	region := heap.NewRegion(base, size)

	var out bytes.Buffer
	cons := console.New(console.Options{})
	cons.SetOutputWriter(&out)

	e, err := script.New(`
		hooks = {
			rand: function(m) {
				m.print("scripted\n");
				return m.x(1) + 1;
			},
		}
	`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := stubs.NewRegistry()
	e.RegisterInto(reg)
	h := reg.NewHost(m, region, cons)

	addr := layout.Stubs.Base
	if n := reg.Install(h, map[string]uint64{"rand": addr}); n == 0 {
		t.Fatal("Install hooked nothing")
	}

	nop := []byte{0x1f, 0x20, 0x03, 0xd5}
	m.MemWrite(addr, nop)
	m.SetX(1, 41)
	m.SetLR(0xDEADBEEF)
	m.Run(addr, addr+4)

	if got := m.X(0); got != 42 {
		t.Errorf("scripted hook returned 0x%x, want 42", got)
	}
	if out.String() != "scripted\n" {
		t.Errorf("console got %q, want %q", out.String(), "scripted\n")
	}
	if pc := m.PC(); pc != 0xDEADBEEF {
		t.Errorf("PC = 0x%x, want sentinel", pc)
	}
}

func TestScriptedAlloc(t *testing.T) {
	layout := config.Default().Layout
	m, err := machine.New(layout)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	defer m.Close()

	base, size := m.HeapWindow()
	region := heap.NewRegion(base, size)
	cons := console.New(console.Options{})

	e, err := script.New(`
		hooks = {
			make_buf: function(m) {
				var p = m.alloc(32);
				m.writeString(p, "hi");
				return p;
			},
		}
	`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := stubs.NewRegistry()
	e.RegisterInto(reg)
	h := reg.NewHost(m, region, cons)

	addr := layout.Stubs.Base
	reg.Install(h, map[string]uint64{"make_buf": addr})

	nop := []byte{0x1f, 0x20, 0x03, 0xd5}
	m.MemWrite(addr, nop)
	m.SetLR(0xDEADBEEF)
	m.Run(addr, addr+4)

	ptr := m.X(0)
	if ptr != base {
		t.Fatalf("alloc returned 0x%x, want heap base 0x%x", ptr, base)
	}
	s, _ := m.MemReadString(ptr, 16)
	if s != "hi" {
		t.Errorf("guest string = %q, want %q", s, "hi")
	}
}
