// Package posix provides the POSIX-shaped hooks a minimal C library
// forwards to its environment: console-backed read/write plus the
// degenerate fd surface a console-only target reports.
package posix

import (
	"fmt"

	"github.com/zboralski/picohost/internal/stubs"
)

const (
	// st_mode in struct stat, character device.
	statModeOffset = 16
	sIFCHR         = 0x2000
)

func init() {
	stubs.RegisterFunc("posix", "read", stubRead, "_read")
	stubs.RegisterFunc("posix", "write", stubWrite, "_write")

	// Console-only target: no filesystem behind the fd numbers.
	stubs.RegisterFunc("posix", "open", stubOpen, "_open")
	stubs.RegisterFunc("posix", "close", stubClose, "_close")
	stubs.RegisterFunc("posix", "lseek", stubLseek, "_lseek")
	stubs.RegisterFunc("posix", "isatty", stubIsatty, "_isatty")
	stubs.RegisterFunc("posix", "fstat", stubFstat, "_fstat")
	stubs.RegisterFunc("posix", "kill", stubKill, "_kill")
	stubs.RegisterFunc("posix", "getpid", stubGetpid, "_getpid")
	stubs.RegisterFunc("posix", "gettimeofday", stubGettimeofday, "_gettimeofday")
}

// stubRead fills the guest buffer from console input, stopping after a
// newline or carriage return. The terminator is included in the count.
func stubRead(h *stubs.Host) bool {
	fd := h.M.X(0)
	buf := h.M.X(1)
	count := h.M.X(2)

	if count > 0x10000 {
		count = 0x10000
	}
	line := make([]byte, count)
	n := h.Console.ReadLine(line)
	if n > 0 {
		h.M.MemWrite(buf, line[:n])
	}

	h.Log("posix", "read", fmt.Sprintf("fd=%d n=%d", fd, n))
	h.M.SetX(0, uint64(n))
	h.Return()
	return false
}

// stubWrite copies the guest buffer out through the console. The count
// returned is the guest's count even when newline expansion emits more.
func stubWrite(h *stubs.Host) bool {
	fd := h.M.X(0)
	buf := h.M.X(1)
	count := h.M.X(2)

	var n int
	if count > 0 && count < 0x100000 {
		if data, err := h.M.MemRead(buf, count); err == nil {
			n, _ = h.Console.Write(data)
		}
	}

	h.Log("posix", "write", fmt.Sprintf("fd=%d n=%d", fd, n))
	h.M.SetX(0, uint64(n))
	h.Return()
	return false
}

func stubOpen(h *stubs.Host) bool {
	h.Log("posix", "open", "-> -1")
	h.M.SetX(0, ^uint64(0))
	h.Return()
	return false
}

func stubClose(h *stubs.Host) bool {
	h.Log("posix", "close", "-> -1")
	h.M.SetX(0, ^uint64(0))
	h.Return()
	return false
}

func stubLseek(h *stubs.Host) bool {
	h.Log("posix", "lseek", "-> 0")
	h.M.SetX(0, 0)
	h.Return()
	return false
}

// Every fd is the console.
func stubIsatty(h *stubs.Host) bool {
	h.Log("posix", "isatty", "-> 1")
	h.M.SetX(0, 1)
	h.Return()
	return false
}

func stubFstat(h *stubs.Host) bool {
	fd := h.M.X(0)
	st := h.M.X(1)

	if st != 0 {
		h.M.MemWriteU32(st+statModeOffset, sIFCHR)
	}

	h.Log("posix", "fstat", fmt.Sprintf("fd=%d -> chardev", fd))
	h.M.SetX(0, 0)
	h.Return()
	return false
}

func stubKill(h *stubs.Host) bool {
	h.Log("posix", "kill", "-> 0")
	h.M.SetX(0, 0)
	h.Return()
	return false
}

func stubGetpid(h *stubs.Host) bool {
	h.Log("posix", "getpid", "-> 0")
	h.M.SetX(0, 0)
	h.Return()
	return false
}

func stubGettimeofday(h *stubs.Host) bool {
	h.Log("posix", "gettimeofday", "-> -1")
	h.M.SetX(0, ^uint64(0))
	h.Return()
	return false
}
