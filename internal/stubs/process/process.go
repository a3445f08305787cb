// Package process provides hooks for process termination and the
// fault paths firmware hits when a guard check fires.
package process

import (
	"github.com/zboralski/picohost/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{
		Name:     "exit",
		Aliases:  []string{"_exit", "_Exit"},
		Hook:     stubExit,
		Category: "process",
	})
	stubs.RegisterFunc("process", "abort", stubAbort)
	stubs.RegisterFunc("process", "atexit", stubAtexit)

	stubs.RegisterFunc("process", "__chk_fail", stubChkFail)
	stubs.RegisterFunc("process", "__stack_chk_fail", stubStackChkFail)
}

// stubExit announces termination on the console and stops the run.
func stubExit(h *stubs.Host) bool {
	code := h.M.X(0)

	h.Console.WriteString("exit\n")
	h.Log("process", "exit", stubs.FormatPtr("code", code))
	return true
}

func stubAbort(h *stubs.Host) bool {
	h.Log("process", "abort", "program aborted")
	return true
}

func stubAtexit(h *stubs.Host) bool {
	// Handlers are never run; the host tears the machine down itself.
	h.M.SetX(0, 0)
	h.Return()
	return false
}

// stubChkFail reports a fortify check failure the way the firmware's own
// handler would, then halts.
func stubChkFail(h *stubs.Host) bool {
	h.Console.WriteString("* buffer overflow detected *\n")
	h.Log("process", "__chk_fail", "buffer overflow")
	return true
}

func stubStackChkFail(h *stubs.Host) bool {
	h.Console.WriteString("* stack smashing detected *\n")
	h.Log("process", "__stack_chk_fail", "stack smashing")
	return true
}
