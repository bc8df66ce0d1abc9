// Package vcpu is a small R5900 interpreter that serves as the debug host
// behind the bridge. It runs a subset of the MIPS integer instruction set
// without branch delay slots.
package vcpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/rspbridge/rspbridge/internal/target"
	"golang.org/x/exp/slices"
)

// Register files.
const (
	CategoryGPR target.Category = iota
	CategoryCP0
	CategoryFPR
)

// Special registers in the GPR file.
const (
	RegPC = 32 + iota
	RegHI
	RegLO

	gprCount = 35
)

// CP0 registers.
const (
	CP0BadVAddr = 8
	CP0Status   = 12
	CP0Cause    = 13

	statusEXL = 1 << 1
)

// Exception codes stored in Cause.ExcCode.
const (
	ExcAddressLoad  = 4
	ExcAddressStore = 5
	ExcBreakpoint   = 9
	ExcReserved     = 10
)

// runBatch bounds the instructions executed per lock hold.
const runBatch = 1024

// StopReason records why the CPU last halted.
type StopReason int

const (
	StopNone StopReason = iota
	StopPause
	StopBreakpoint
	StopWatchpoint
	StopBreak
	StopException
)

func (r StopReason) String() string {
	switch r {
	case StopPause:
		return "pause"
	case StopBreakpoint:
		return "breakpoint"
	case StopWatchpoint:
		return "watchpoint"
	case StopBreak:
		return "break instruction"
	case StopException:
		return "exception"
	default:
		return "none"
	}
}

// Config sizes the machine.
type Config struct {
	MemSize uint32
	// GPRBits is the protocol width of the general purpose file: 32, 64 or
	// 128. The upper 64 bits of a 128-bit register always read as zero.
	GPRBits  int
	LoadAddr uint32
	// Entry overrides the image entry point when non-zero.
	Entry  uint32
	Logger *slog.Logger
}

type memCheck struct {
	start, end uint32
	cond       target.MemCheckCondition
}

// CPU implements target.Host and target.Notifier.
type CPU struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{}
	alive   bool
	paused  bool
	// skipBreakpoint lets a resume execute the instruction under a
	// breakpoint it stopped at.
	skipBreakpoint bool
	watchHit       bool
	reason         StopReason
	retired        uint64

	gpr [gprCount]uint64
	cp0 [32]uint32
	fpr [32]uint32
	mem []byte

	image       *Image
	entry       uint32
	breakpoints map[uint32]int
	memChecks   []memCheck
}

var (
	_ target.Host     = (*CPU)(nil)
	_ target.Notifier = (*CPU)(nil)
)

// New creates a paused CPU with zeroed memory. It is not alive until Start.
func New(cfg Config) (*CPU, error) {
	switch cfg.GPRBits {
	case 0:
		cfg.GPRBits = 32
	case 32, 64, 128:
	default:
		return nil, fmt.Errorf("vcpu: unsupported gpr width %d", cfg.GPRBits)
	}
	if cfg.MemSize == 0 {
		return nil, fmt.Errorf("vcpu: memory size must be positive")
	}
	if cfg.MemSize > physMask+1 {
		return nil, fmt.Errorf("vcpu: memory size %#x exceeds the physical address space", cfg.MemSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &CPU{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "vcpu"),
		changed:     make(chan struct{}),
		paused:      true,
		mem:         make([]byte, Align(cfg.MemSize, pageSize)),
		breakpoints: make(map[uint32]int),
	}
	c.entry = cfg.Entry
	if c.entry == 0 {
		c.entry = cfg.LoadAddr
	}
	c.resetLocked()
	return c, nil
}

// Start runs the CPU until ctx is cancelled. The returned channel is closed
// once the CPU has died.
func (c *CPU) Start(ctx context.Context) <-chan struct{} {
	c.mu.Lock()
	c.alive = true
	c.signalLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go c.run(ctx, done)
	return done
}

func (c *CPU) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.alive = false
		c.signalLocked()
		c.mu.Unlock()
		c.logger.Debug("cpu stopped")
	}()
	for {
		c.mu.Lock()
		if c.paused {
			wake := c.changed
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}
		for i := 0; i < runBatch && !c.paused; i++ {
			c.stepLocked(true)
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
			runtime.Gosched()
		}
	}
}

func (c *CPU) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *CPU) haltLocked(r StopReason) {
	c.paused = true
	c.reason = r
	c.logger.Debug("cpu halted", "reason", r, "pc", fmt.Sprintf("%#08x", uint32(c.gpr[RegPC])))
	c.signalLocked()
}

// stepLocked executes one instruction unless a breakpoint is armed at pc.
func (c *CPU) stepLocked(checkBreakpoints bool) {
	pc := uint32(c.gpr[RegPC])
	if checkBreakpoints && !c.skipBreakpoint && c.breakpoints[pc] > 0 {
		c.haltLocked(StopBreakpoint)
		return
	}
	c.skipBreakpoint = false
	c.exec(pc)
	c.retired++
	if c.watchHit {
		c.watchHit = false
		c.haltLocked(StopWatchpoint)
	}
}

// StateChanged returns a channel closed at the next pause, resume, step or
// reset.
func (c *CPU) StateChanged() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// IsAlive reports whether the run loop is up.
func (c *CPU) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// IsPaused reports whether the CPU is halted.
func (c *CPU) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pause halts the CPU.
func (c *CPU) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.haltLocked(StopPause)
	}
}

// Resume lets the run loop execute again.
func (c *CPU) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.skipBreakpoint = true
	c.reason = StopNone
	c.signalLocked()
}

// Step executes one instruction while paused. Breakpoints do not fire.
func (c *CPU) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.stepLocked(false)
	c.signalLocked()
}

// Reset clears registers and memory, reloads the image and jumps to the
// entry point. The pause state is kept.
func (c *CPU) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.logger.Info("cpu reset", "entry", fmt.Sprintf("%#08x", c.entry))
	c.signalLocked()
}

func (c *CPU) resetLocked() {
	c.gpr = [gprCount]uint64{}
	c.cp0 = [32]uint32{}
	c.fpr = [32]uint32{}
	clear(c.mem)
	if c.image != nil {
		c.image.copyTo(c.mem)
	}
	c.gpr[RegPC] = uint64(c.entry)
	c.cp0[CP0Status] = 0x70400004
	c.reason = StopNone
	c.watchHit = false
}

// Reason returns why the CPU last halted.
func (c *CPU) Reason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Retired returns the number of instructions executed since creation.
func (c *CPU) Retired() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

// RegisterCount returns the size of a register file, 0 for unknown ones.
func (c *CPU) RegisterCount(cat target.Category) int {
	switch cat {
	case CategoryGPR:
		return gprCount
	case CategoryCP0, CategoryFPR:
		return 32
	default:
		return 0
	}
}

// RegisterBits returns the width of every register in cat.
func (c *CPU) RegisterBits(cat target.Category) int {
	switch cat {
	case CategoryGPR:
		return c.cfg.GPRBits
	case CategoryCP0, CategoryFPR:
		return 32
	default:
		return 0
	}
}

var cp0Names = map[int]string{
	0: "index", 1: "random", 2: "entrylo0", 3: "entrylo1", 4: "context", 5: "pagemask",
	6: "wired", 8: "badvaddr", 9: "count", 10: "entryhi", 11: "compare", 12: "status",
	13: "cause", 14: "epc", 15: "prid", 16: "config", 23: "badpaddr", 24: "debug",
	25: "perf", 28: "taglo", 29: "taghi", 30: "errorepc",
}

// RegisterName returns the gdb name of a register.
func (c *CPU) RegisterName(cat target.Category, idx int) string {
	switch cat {
	case CategoryGPR:
		switch idx {
		case RegPC:
			return "pc"
		case RegHI:
			return "hi"
		case RegLO:
			return "lo"
		}
		return fmt.Sprintf("r%d", idx)
	case CategoryCP0:
		if n, ok := cp0Names[idx]; ok {
			return n
		}
		return fmt.Sprintf("cp0r%d", idx)
	case CategoryFPR:
		return fmt.Sprintf("f%d", idx)
	default:
		return ""
	}
}

// GetRegister returns a register in little-endian storage order.
func (c *CPU) GetRegister(cat target.Category, idx int) target.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v target.Value
	switch {
	case cat == CategoryGPR && idx >= 0 && idx < gprCount:
		binary.LittleEndian.PutUint64(v[:], c.gpr[idx])
	case cat == CategoryCP0 && idx >= 0 && idx < 32:
		binary.LittleEndian.PutUint32(v[:], c.cp0[idx])
	case cat == CategoryFPR && idx >= 0 && idx < 32:
		binary.LittleEndian.PutUint32(v[:], c.fpr[idx])
	}
	return v
}

// SetRegister stores v. Writes to r0 are discarded.
func (c *CPU) SetRegister(cat target.Category, idx int, v target.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case cat == CategoryGPR && idx > 0 && idx < gprCount:
		r := binary.LittleEndian.Uint64(v[:])
		if idx == RegPC || c.cfg.GPRBits == 32 {
			r = sext32(uint32(r))
		}
		c.gpr[idx] = r
	case cat == CategoryCP0 && idx >= 0 && idx < 32:
		c.cp0[idx] = binary.LittleEndian.Uint32(v[:])
	case cat == CategoryFPR && idx >= 0 && idx < 32:
		c.fpr[idx] = binary.LittleEndian.Uint32(v[:])
	}
}

// AddBreakpoint halts execution before the instruction at addr.
func (c *CPU) AddBreakpoint(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoints[uint32(addr)]++
}

// RemoveBreakpoint drops the breakpoint at addr.
func (c *CPU) RemoveBreakpoint(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakpoints, uint32(addr))
}

// Breakpoints returns the armed breakpoint addresses in ascending order.
func (c *CPU) Breakpoints() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]uint32, 0, len(c.breakpoints))
	for a := range c.breakpoints {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

// AddMemCheck halts after an access matching cond touches [start, end).
func (c *CPU) AddMemCheck(start, end uint64, cond target.MemCheckCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memChecks = append(c.memChecks, memCheck{start: uint32(start), end: uint32(end), cond: cond})
}

// RemoveMemCheck drops every check covering exactly [start, end).
func (c *CPU) RemoveMemCheck(start, end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memChecks = slices.DeleteFunc(c.memChecks, func(m memCheck) bool {
		return m.start == uint32(start) && m.end == uint32(end)
	})
}

// MemCheckCount returns the number of armed memory checks.
func (c *CPU) MemCheckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memChecks)
}

func (c *CPU) checkWatch(addr, size uint32, cond target.MemCheckCondition) {
	for _, m := range c.memChecks {
		if m.cond&cond != 0 && m.start < addr+size && addr < m.end {
			c.watchHit = true
			return
		}
	}
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }
