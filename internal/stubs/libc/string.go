package libc

import (
	"github.com/zboralski/picohost/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy)
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "memmove", stubMemmove)
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp)
}

// Hot-path string ops run on the host instead of instruction by
// instruction in the guest. Sizes are capped so a corrupt length register
// cannot stall the run.
const maxMemop = 0x100000

func stubStrlen(h *stubs.Host) bool {
	addr := h.M.X(0)
	str, _ := h.M.MemReadString(addr, 4096)
	length := uint64(len(str))

	h.Log("libc", "strlen", stubs.FormatPtr("len", length))
	h.M.SetX(0, length)
	h.Return()
	return false
}

func stubMemcpy(h *stubs.Host) bool {
	dest := h.M.X(0)
	src := h.M.X(1)
	n := h.M.X(2)

	if n > 0 && n < maxMemop {
		data, err := h.M.MemRead(src, n)
		if err == nil {
			h.M.MemWrite(dest, data)
		}
	}

	h.Log("libc", "memcpy", stubs.FormatPtrPair("dest", dest, "n", n))
	h.M.SetX(0, dest)
	h.Return()
	return false
}

func stubMemmove(h *stubs.Host) bool {
	// MemRead copies out of the guest, so overlap is already safe.
	return stubMemcpy(h)
}

func stubMemset(h *stubs.Host) bool {
	dest := h.M.X(0)
	c := byte(h.M.X(1) & 0xFF)
	n := h.M.X(2)

	if n > 0 && n < maxMemop {
		data := make([]byte, n)
		for i := range data {
			data[i] = c
		}
		h.M.MemWrite(dest, data)
	}

	h.Log("libc", "memset", stubs.FormatPtrPair("dest", dest, "c", uint64(c)))
	h.M.SetX(0, dest)
	h.Return()
	return false
}

func stubMemcmp(h *stubs.Host) bool {
	a := h.M.X(0)
	b := h.M.X(1)
	n := h.M.X(2)

	var result uint64
	if n > 0 && n < maxMemop {
		da, errA := h.M.MemRead(a, n)
		db, errB := h.M.MemRead(b, n)
		if errA == nil && errB == nil {
			for i := uint64(0); i < n; i++ {
				if da[i] != db[i] {
					if da[i] < db[i] {
						result = ^uint64(0) // -1
					} else {
						result = 1
					}
					break
				}
			}
		}
	}

	h.Log("libc", "memcmp", stubs.FormatPtrPair("a", a, "b", b))
	h.M.SetX(0, result)
	h.Return()
	return false
}
