package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/spf13/cobra"
	"github.com/zboralski/picohost/internal/config"
	"github.com/zboralski/picohost/internal/console"
	"github.com/zboralski/picohost/internal/heap"
	glog "github.com/zboralski/picohost/internal/log"
	"github.com/zboralski/picohost/internal/machine"
	"github.com/zboralski/picohost/internal/script"
	"github.com/zboralski/picohost/internal/stubs"
	_ "github.com/zboralski/picohost/internal/stubs/all"
	"github.com/zboralski/picohost/internal/trace"
	"github.com/zboralski/picohost/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	maxInsn    int
	configPath string
	scriptPath string
	entryName  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "picohost [firmware.elf]",
		Short: "Run bare-metal ARM64 firmware with host-provided libc services",
		Long: `Picohost runs bare-metal ARM64 firmware under Unicorn Engine, standing in
for the kernel and console a minimal C library expects underneath it.

The tool loads the ELF image, hooks the libc and POSIX entry points with
host implementations (sbrk over a bump heap, console-backed read/write,
retargetable locks), then runs from the entry point while tracing every
instruction and stub call.

Examples:
  picohost firmware.elf               # Run with colorized trace
  picohost firmware.elf -q            # Quiet mode - summary only
  picohost firmware.elf -v            # Verbose debug output
  picohost firmware.elf --script hooks.js  # Scripted symbol overrides
  picohost info firmware.elf          # Show image info`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runTrace,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "board profile YAML")
	rootCmd.Flags().StringVarP(&scriptPath, "script", "s", "", "JavaScript hook overrides")
	rootCmd.Flags().StringVarP(&entryName, "entry", "e", "", "entry symbol (default: main)")

	infoCmd := &cobra.Command{
		Use:   "info <firmware.elf>",
		Short: "Show firmware image information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(dis string) []string {
	upper := strings.ToUpper(dis)
	mnemonic := strings.Fields(upper)
	if len(mnemonic) == 0 {
		return nil
	}

	var tags []string
	switch mnemonic[0] {
	case "BL":
		tags = append(tags, "#call")
	case "BLR":
		tags = append(tags, "#call", "#br")
	case "BR":
		tags = append(tags, "#br")
	case "RET":
		tags = append(tags, "#ret")
	case "SVC":
		tags = append(tags, "#syscall")
	case "MRS", "MSR":
		tags = append(tags, "#sysreg")
	}

	if strings.Contains(dis, ".16B") || strings.Contains(dis, ".8B") ||
		strings.Contains(dis, ".4S") || strings.Contains(dis, ".2D") {
		if !containsTag(tags, "#neon") {
			tags = append(tags, "#neon")
		}
	}

	return tags
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func isBlockEnd(dis string) bool {
	upper := strings.ToUpper(dis)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "RET", "BR", "B", "ERET":
		return true
	case "B.EQ", "B.NE", "B.LT", "B.LE", "B.GT", "B.GE",
		"B.HI", "B.HS", "B.LO", "B.LS", "B.MI", "B.PL",
		"B.VS", "B.VC", "B.AL", "B.NV":
		return true
	}
	if strings.HasPrefix(fields[0], "CBZ") || strings.HasPrefix(fields[0], "CBNZ") ||
		strings.HasPrefix(fields[0], "TBZ") || strings.HasPrefix(fields[0], "TBNZ") {
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		hexBytes := fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
		b.WriteString(colorize.HexBytes(hexBytes))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		for k, v := range e.Annotations {
			comments = append(comments, k+"="+v)
		}
	}

	var allTags []string
	allTags = append(allTags, instructionTags(dis)...)
	for _, e := range events {
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var commentParts []string
		if len(allTags) > 0 {
			commentParts = append(commentParts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			commentParts = append(commentParts, strings.Join(comments, ", "))
		}

		comment := "; " + strings.Join(commentParts, " ")
		b.WriteString(colorize.Comment(comment))
		visibleLen += len(comment)
		b.WriteString("  ")
		visibleLen += 2
	}

	var hasContent bool

	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
		visibleLen += len(funcName)
		hasContent = true
	}

	for _, e := range events {
		if e.Name != "" {
			if hasContent {
				b.WriteByte(' ')
				visibleLen++
			}
			b.WriteString(colorize.FuncName(e.Name))
			visibleLen += len(e.Name)
			hasContent = true
		}
	}

	return b.String()
}

func printHeader(w *outputWriter, binary string, base, entry uint64, numImports, numSymbols, numHooks int, entryName string) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}

	w.Write("")
	w.Write(fmt.Sprintf("%s picohost ─ ARM64 firmware host runtime", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), binary))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(base),
		colorize.Detail("Entry:"), colorize.Address(entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.FuncName(fmt.Sprintf("%d", numImports)),
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprintf("%d", numSymbols)),
		colorize.Detail("Hooks:"), colorize.FuncName(fmt.Sprintf("%d", numHooks))))
	if entryName != "" {
		w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Entry point:"), colorize.FuncName(entryName)))
	}
	w.Write("")
}

func printStats(count, stubCalls int, heapUsed uint64, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s stub  %s heap",
		colorize.FuncName(fmt.Sprintf("%d", count)),
		colorize.FuncName(fmt.Sprintf("%d", stubCalls)),
		colorize.FuncName(fmt.Sprintf("%d", heapUsed)))
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") || strings.Contains(errStr, "UC_ERR_WRITE_UNMAPPED") {
			fmt.Printf("  %s", colorize.Detail(errStr))
		} else {
			fmt.Printf("  %s", colorize.Error(errStr))
		}
	}
	fmt.Println()
}

func printQuietSummary(binary string, count, retCount, brCount, stubCount, hookCount int, heapUsed uint64) {
	name := filepath.Base(binary)
	fmt.Printf("%s\n", colorize.FuncName(name))

	fmt.Printf("%d %s", count, colorize.Detail("insn"))
	if hookCount > 0 {
		fmt.Printf("  %d %s", hookCount, colorize.Detail("hook"))
	}
	if stubCount > 0 {
		fmt.Printf("  %d %s", stubCount, colorize.Detail("stub"))
	}
	if retCount > 0 {
		fmt.Printf("  %d %s", retCount, colorize.Detail("ret"))
	}
	if brCount > 0 {
		fmt.Printf("  %d %s", brCount, colorize.Detail("br"))
	}
	if heapUsed > 0 {
		fmt.Printf("  %d %s", heapUsed, colorize.Detail("heap"))
	}
	fmt.Println()
	fmt.Println()
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func runTrace(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	binaryPath := args[0]

	glog.Init(verbose)
	stubs.Debug = verbose

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	m, err := machine.New(cfg.Layout)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	info, err := m.LoadELF(binaryPath)
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}

	base, size := m.HeapWindow()
	region := heap.NewRegion(base, size)

	cons := console.New(console.Options{
		CRLF: cfg.Console.CRLF,
		Sync: cfg.Console.Sync,
	})
	cons.SetOutputWriter(os.Stdout)
	cons.SetInput(console.InputFromReader(os.Stdin))

	if scriptPath != "" {
		eng, err := script.Load(scriptPath)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		eng.RegisterInto(stubs.DefaultRegistry)
		if verbose {
			fmt.Printf("Scripted hooks: %s\n", strings.Join(eng.Symbols(), " "))
		}
	}

	h := stubs.NewHost(m, region, cons)
	installed := stubs.Install(h, info.Imports, info.Symbols)

	collector := &traceCollector{}
	stubCallCount := 0
	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		stubCallCount++
		e := trace.NewEvent(m.PC(), category, name, detail)
		trace.DefaultEnricher(e)
		collector.Add(e)
	}

	entry := info.FindEntryPoint(entryName)
	if entry == 0 {
		return fmt.Errorf("no entry point found")
	}
	entrySym := ""
	for name, addr := range info.Symbols {
		if addr == entry {
			entrySym = name
			break
		}
	}

	// A synthetic return address stops the run when the entry function
	// returns cleanly.
	sentinel := uint64(0xDEADBEEF)
	m.SetLR(sentinel)
	m.HookAddress(sentinel, func(m *machine.Machine) bool {
		return true
	})

	addrToSym := make(map[uint64]string, len(info.Symbols))
	for name, addr := range info.Symbols {
		if existing, ok := addrToSym[addr]; !ok || len(name) < len(existing) {
			addrToSym[addr] = name
		}
	}

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
	}

	if verbose {
		fmt.Printf("Loaded: %s\n", info.Path)
		fmt.Printf("Base: 0x%x, End: 0x%x\n", info.BaseAddr, info.EndAddr)
		fmt.Printf("Imports: %d, Symbols: %d\n", len(info.Imports), len(info.Symbols))
		fmt.Printf("Installed %d hooks\n", installed)
		fmt.Printf("Entry: 0x%x (%s)\n", entry, entrySym)
		fmt.Println("\nStarting emulation...")
	} else if !quiet {
		printHeader(out, binaryPath, info.BaseAddr, entry, len(info.Imports), len(info.Symbols), installed, entrySym)
	}

	count := 0
	retCount := 0
	brCount := 0
	m.HookCode(func(m *machine.Machine, addr uint64, size uint32) {
		count++
		if cfg.Limits.MaxInstructions > 0 && count > cfg.Limits.MaxInstructions {
			m.Stop()
			return
		}
		if count > maxInsn {
			return
		}

		code, _ := m.MemRead(addr, 4)
		dis := disasm(code)
		events := collector.GetAndClear()
		funcName := addrToSym[addr]

		for _, tag := range instructionTags(dis) {
			switch tag {
			case "#ret":
				retCount++
			case "#br":
				brCount++
			}
		}

		if quiet {
			return
		}

		if verbose {
			fmt.Printf("  [%3d] 0x%08x  %s", count, addr, dis)
			if funcName != "" {
				fmt.Printf("  <%s>", funcName)
			}
			for _, ev := range events {
				fmt.Printf("  %s %s", ev.PrimaryTag(), ev.Name)
			}
			fmt.Println()
		} else {
			out.Write(formatLine(addr, code, dis, funcName, events))
			if isBlockEnd(dis) {
				out.Write("")
			}
		}
	})

	err = m.RunFrom(entry)
	if out != nil {
		out.Close()
	}

	heapUsed := region.Mark()
	if verbose {
		fmt.Printf("\nEmulation finished: %v\n", err)
		fmt.Printf("Instructions: %d\n", count)
		fmt.Printf("Heap used: %d bytes\n", heapUsed)
		fmt.Printf("\nRegisters: PC=0x%x LR=0x%x SP=0x%x\n", m.PC(), m.LR(), m.SP())
		fmt.Printf("X0=0x%x X1=0x%x X2=0x%x X3=0x%x\n", m.X(0), m.X(1), m.X(2), m.X(3))
	} else if quiet {
		printQuietSummary(binaryPath, count, retCount, brCount, stubCallCount, installed, heapUsed)
	} else {
		printStats(count, stubCallCount, heapUsed, err)
	}

	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	m, err := machine.New(config.Default().Layout)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	info, err := m.LoadELF(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("Image:   %s\n", filepath.Base(absPath))
	fmt.Printf("Base:    0x%x\n", info.BaseAddr)
	fmt.Printf("End:     0x%x\n", info.EndAddr)
	fmt.Printf("Entry:   0x%x\n", info.Entry)
	fmt.Printf("Symbols: %d\n\n", len(info.Symbols))

	fmt.Println("Key entry points:")
	if entry := info.FindEntryPoint(""); entry != 0 {
		fmt.Printf("  Auto-detected: 0x%x\n", entry)
	}

	interesting := []string{
		"main",
		"_start",
		"sbrk",
		"malloc",
		"printf",
		"__retarget_lock",
	}

	found := false
	for _, name := range interesting {
		for symName, addr := range info.FindSymbolsBySubstring(name) {
			if !found {
				fmt.Println("\nHooked symbols present in image:")
				found = true
			}
			fmt.Printf("  0x%x %s\n", addr, symName)
		}
	}

	return nil
}
