package machine

import (
	"debug/elf"
	"testing"
)

func TestFindEntryPoint(t *testing.T) {
	info := &ELFInfo{
		Entry: 0x1000,
		Symbols: map[string]uint64{
			"main":      0x2000,
			"_start":    0x3000,
			"some_func": 0x4000,
		},
	}

	// Should prefer main
	if entry := info.FindEntryPoint(""); entry != 0x2000 {
		t.Errorf("Expected main (0x2000), got 0x%x", entry)
	}

	// Should use preferred entry if specified
	if entry := info.FindEntryPoint("some_func"); entry != 0x4000 {
		t.Errorf("Expected some_func (0x4000), got 0x%x", entry)
	}

	// Case-insensitive fallback for the preferred entry
	if entry := info.FindEntryPoint("SOME_FUNC"); entry != 0x4000 {
		t.Errorf("Expected some_func (0x4000) case-insensitive, got 0x%x", entry)
	}

	// Unknown preferred entry falls through to main
	if entry := info.FindEntryPoint("no_such"); entry != 0x2000 {
		t.Errorf("Expected main fallback (0x2000), got 0x%x", entry)
	}
}

func TestFindEntryPointFallsBackToStart(t *testing.T) {
	info := &ELFInfo{
		Entry: 0x1000,
		Symbols: map[string]uint64{
			"_start": 0x3000,
		},
	}
	if entry := info.FindEntryPoint(""); entry != 0x3000 {
		t.Errorf("Expected _start (0x3000), got 0x%x", entry)
	}

	// No known symbols at all: header entry wins.
	info.Symbols = map[string]uint64{}
	if entry := info.FindEntryPoint(""); entry != 0x1000 {
		t.Errorf("Expected header entry (0x1000), got 0x%x", entry)
	}
}

func TestFindSymbolsBySubstring(t *testing.T) {
	info := &ELFInfo{
		Symbols: map[string]uint64{
			"sbrk":       0x100,
			"_sbrk":      0x200,
			"malloc":     0x300,
			"my_Handler": 0x400,
		},
	}

	got := info.FindSymbolsBySubstring("sbrk")
	if len(got) != 2 {
		t.Errorf("FindSymbolsBySubstring(sbrk) = %v, want 2 entries", got)
	}

	// Matching is case-insensitive both ways
	got = info.FindSymbolsBySubstring("handler")
	if len(got) != 1 || got["my_Handler"] != 0x400 {
		t.Errorf("FindSymbolsBySubstring(handler) = %v", got)
	}
}

func TestSegmentFlags(t *testing.T) {
	text := Segment{Flags: elf.PF_R | elf.PF_X}
	if !text.IsExecutable() || !text.IsReadable() || text.IsWritable() {
		t.Error("text segment flags wrong")
	}

	data := Segment{Flags: elf.PF_R | elf.PF_W}
	if data.IsExecutable() || !data.IsWritable() {
		t.Error("data segment flags wrong")
	}
}
