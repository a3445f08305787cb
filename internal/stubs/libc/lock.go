package libc

import (
	"sync"

	"github.com/zboralski/picohost/internal/stubs"
)

// Retargetable locks. Firmware libc routes its internal locking (malloc,
// stdio, environ) through __retarget_lock_*; each guest lock object maps
// to a host mutex keyed by its address.
var (
	lockMu    sync.Mutex
	lockTable = make(map[uint64]*sync.Mutex)
)

func init() {
	stubs.RegisterFunc("libc", "__retarget_lock_init", stubLockInit,
		"__retarget_lock_init_recursive")
	stubs.RegisterFunc("libc", "__retarget_lock_close", stubLockClose,
		"__retarget_lock_close_recursive")
	stubs.RegisterFunc("libc", "__retarget_lock_acquire", stubLockAcquire,
		"__retarget_lock_acquire_recursive")
	stubs.RegisterFunc("libc", "__retarget_lock_release", stubLockRelease,
		"__retarget_lock_release_recursive")
	stubs.RegisterFunc("libc", "__retarget_lock_try_acquire", stubLockTryAcquire,
		"__retarget_lock_try_acquire_recursive")
}

func hostLock(addr uint64) *sync.Mutex {
	lockMu.Lock()
	defer lockMu.Unlock()

	m, ok := lockTable[addr]
	if !ok {
		m = &sync.Mutex{}
		lockTable[addr] = m
	}
	return m
}

func stubLockInit(h *stubs.Host) bool {
	// struct __lock **lock: the guest pointer itself is the table key,
	// so init only has to make the slot non-NULL.
	addr := h.M.X(0)
	if addr != 0 {
		h.M.MemWriteU64(addr, addr)
	}
	hostLock(addr)

	h.Log("libc", "lock_init", stubs.FormatPtr("lock", addr))
	h.Return()
	return false
}

func stubLockClose(h *stubs.Host) bool {
	addr := h.M.X(0)

	lockMu.Lock()
	delete(lockTable, addr)
	lockMu.Unlock()

	h.Log("libc", "lock_close", stubs.FormatPtr("lock", addr))
	h.Return()
	return false
}

func stubLockAcquire(h *stubs.Host) bool {
	addr := h.M.X(0)
	hostLock(addr).Lock()

	h.Log("libc", "lock_acquire", stubs.FormatPtr("lock", addr))
	h.Return()
	return false
}

func stubLockRelease(h *stubs.Host) bool {
	addr := h.M.X(0)

	lockMu.Lock()
	m := lockTable[addr]
	lockMu.Unlock()
	if m != nil {
		m.Unlock()
	}

	h.Log("libc", "lock_release", stubs.FormatPtr("lock", addr))
	h.Return()
	return false
}

func stubLockTryAcquire(h *stubs.Host) bool {
	addr := h.M.X(0)

	var ret uint64
	if hostLock(addr).TryLock() {
		ret = 1
	}

	h.Log("libc", "lock_try", stubs.FormatPtrPair("lock", addr, "->", ret))
	h.M.SetX(0, ret)
	h.Return()
	return false
}
