package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	initialRegisterCapacity = 32
	initialCommandCapacity  = 8
)

// RegisterID is a dense, zero-based index into the register table.
type RegisterID int

// InvalidRegister is returned by DefineRegister when the definition is
// rejected.
const InvalidRegister RegisterID = -1

// ErrRegistryLocked is returned when descriptors are defined while the bridge
// is enabled.
var ErrRegistryLocked = errors.New("bridge: descriptor tables are read-only while enabled")

// RegisterDescriptor describes one protocol-visible register.
type RegisterDescriptor struct {
	Name     string
	Bits     uint8
	Category RegisterCategory
}

// CommandFunc implements a monitor command. Output written to out is shown
// on the client console.
type CommandFunc func(b *Bridge, out io.Writer, args string) error

// CommandDescriptor is a registered monitor command.
type CommandDescriptor struct {
	Name        string
	Description string
	Func        CommandFunc
}

// Registry holds the register and command tables. IDs are assigned in
// definition order and never change.
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	regs   []RegisterDescriptor
	cmds   []CommandDescriptor
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		regs:   make([]RegisterDescriptor, 0, initialRegisterCapacity),
		cmds:   make([]CommandDescriptor, 0, initialCommandCapacity),
		logger: logger,
	}
}

// DefineRegister appends a register and returns its ID. Widths must be a
// whole number of bytes.
func (r *Registry) DefineRegister(name string, bits uint8, cat RegisterCategory) (RegisterID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		r.logger.Error("cannot define register while enabled", "register", name)
		return InvalidRegister, ErrRegistryLocked
	}
	if bits == 0 || bits%8 != 0 {
		r.logger.Error("register width is not a whole number of bytes", "register", name, "bits", bits)
		return InvalidRegister, fmt.Errorf("register %q width %d: %w", name, bits, InvalidParameter)
	}
	r.regs = append(r.regs, RegisterDescriptor{Name: name, Bits: bits, Category: cat})
	return RegisterID(len(r.regs) - 1), nil
}

// DefineCommand registers a monitor command. Names are matched
// case-insensitively and the first registration wins.
func (r *Registry) DefineCommand(name, description string, fn CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		r.logger.Error("cannot define command while enabled", "command", name)
		return ErrRegistryLocked
	}
	if name == "" || fn == nil {
		return fmt.Errorf("command %q: %w", name, InvalidParameter)
	}
	r.cmds = append(r.cmds, CommandDescriptor{Name: name, Description: description, Func: fn})
	return nil
}

// LookupCommand finds a command by case-insensitive name.
func (r *Registry) LookupCommand(name string) (CommandFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.cmds {
		if strings.EqualFold(c.Name, name) {
			return c.Func, true
		}
	}
	return nil, false
}

// RegisterCount returns the number of defined registers.
func (r *Registry) RegisterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// RegisterName returns the name of id, or "" for an unknown ID.
func (r *Registry) RegisterName(id RegisterID) string {
	d, _ := r.Register(id)
	return d.Name
}

// RegisterBits returns the width of id, or 0 for an unknown ID.
func (r *Registry) RegisterBits(id RegisterID) uint8 {
	d, _ := r.Register(id)
	return d.Bits
}

// Register returns the descriptor for id.
func (r *Registry) Register(id RegisterID) (RegisterDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.regs) {
		return RegisterDescriptor{}, false
	}
	return r.regs[id], true
}

// Registers returns a copy of the register table in ID order.
func (r *Registry) Registers() []RegisterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RegisterDescriptor(nil), r.regs...)
}

// Commands returns a copy of the command table in registration order.
func (r *Registry) Commands() []CommandDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CommandDescriptor(nil), r.cmds...)
}

func (r *Registry) setSealed(v bool) {
	r.mu.Lock()
	r.sealed = v
	r.mu.Unlock()
}
