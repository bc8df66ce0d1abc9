// Package target binds the protocol-facing register and memory model to a
// host debugger that controls the emulated CPU.
package target

// Category selects a register file on the host.
type Category int

// Synthetic marks a protocol register that has no host storage.
const Synthetic Category = -1

// Value is the native storage of one register, least significant byte
// first. It is wide enough for 128-bit registers.
type Value [16]byte

// MemCheckCondition selects which accesses trigger a memory check.
type MemCheckCondition int

const (
	MemCheckRead MemCheckCondition = 1 << iota
	MemCheckWrite

	MemCheckReadWrite = MemCheckRead | MemCheckWrite
)

func (c MemCheckCondition) String() string {
	switch c {
	case MemCheckRead:
		return "read"
	case MemCheckWrite:
		return "write"
	case MemCheckReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// Host is the host debugger's control surface for the current CPU.
type Host interface {
	IsAlive() bool
	IsPaused() bool
	Pause()
	Resume()
	Step()
	Reset()

	RegisterCount(cat Category) int
	RegisterBits(cat Category) int
	RegisterName(cat Category, idx int) string
	GetRegister(cat Category, idx int) Value
	SetRegister(cat Category, idx int, v Value)

	IsValidAddress(addr uint64) bool
	Read8(addr uint64) byte
	Write8(addr uint64, v byte)

	AddBreakpoint(addr uint64)
	RemoveBreakpoint(addr uint64)
	// AddMemCheck watches [start, end).
	AddMemCheck(start, end uint64, cond MemCheckCondition)
	RemoveMemCheck(start, end uint64)
}

// Notifier is implemented by hosts that can signal execution state changes.
// The returned channel is closed at the next change.
type Notifier interface {
	StateChanged() <-chan struct{}
}
