// Package libc provides host implementations of the low-level hooks a
// minimal C library expects from its environment.
package libc

import (
	"fmt"

	"github.com/zboralski/picohost/internal/heap"
	"github.com/zboralski/picohost/internal/stubs"
)

func init() {
	// The growth primitive itself. Firmware libc malloc is built on it.
	stubs.Register(stubs.StubDef{
		Name:     "sbrk",
		Aliases:  []string{"_sbrk", "_sbrk_r"},
		Hook:     stubSbrk,
		Category: "libc",
	})

	// Host-accelerated allocator for firmware that imports malloc
	// directly instead of carrying its own.
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})

	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})
}

// stubSbrk forwards to the growth primitive. The sentinel passes through
// unchanged: heap.Failed is already -1 as a pointer.
func stubSbrk(h *stubs.Host) bool {
	delta := int64(h.M.X(0))

	ptr := h.Heap.Grow(delta)

	if ptr == heap.Failed {
		h.Log("libc", "sbrk", fmt.Sprintf("delta=%d -> exhausted", delta))
	} else {
		h.Log("libc", "sbrk", fmt.Sprintf("delta=%d -> 0x%x", delta, ptr))
	}
	h.M.SetX(0, ptr)
	h.Return()
	return false
}

// align16 rounds size up to 16 bytes, the ABI's malloc alignment.
func align16(size uint64) uint64 {
	return (size + 15) & ^uint64(15)
}

// alloc reserves size bytes through the growth primitive and returns the
// guest pointer, or 0 on exhaustion (malloc's NULL, not sbrk's -1).
func alloc(h *stubs.Host, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	size = align16(size)

	ptr := h.Heap.Grow(int64(size))
	if ptr == heap.Failed {
		return 0
	}
	return ptr
}

func stubMalloc(h *stubs.Host) bool {
	size := h.M.X(0)

	ptr := alloc(h, size)

	h.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	h.M.SetX(0, ptr)
	h.Return()
	return false
}

func stubCalloc(h *stubs.Host) bool {
	count := h.M.X(0)
	size := h.M.X(1)
	total := count * size

	ptr := alloc(h, total)
	if ptr != 0 {
		zeros := make([]byte, align16(total))
		h.M.MemWrite(ptr, zeros)
	}

	h.Log("libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	h.M.SetX(0, ptr)
	h.Return()
	return false
}

func stubRealloc(h *stubs.Host) bool {
	old := h.M.X(0)
	size := h.M.X(1)

	// The bump layer cannot resize in place; allocate fresh and copy.
	// The old range leaks, matching the grow-only contract.
	ptr := alloc(h, size)
	if ptr != 0 && old != 0 {
		if data, err := h.M.MemRead(old, size); err == nil {
			h.M.MemWrite(ptr, data)
		}
	}

	h.Log("libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	h.M.SetX(0, ptr)
	h.Return()
	return false
}

func stubFree(h *stubs.Host) bool {
	// No-op: memory only ever grows.
	h.Log("libc", "free", stubs.FormatPtr("ptr", h.M.X(0)))
	h.Return()
	return false
}

func stubGetPageSize(h *stubs.Host) bool {
	h.Log("libc", "getpagesize", "-> 4096")
	h.M.SetX(0, 4096)
	h.Return()
	return false
}
