package gdbstub

import (
	"errors"
	"fmt"
	"io"
)

// ErrIncompleteInterface is returned by New when a required callback is missing.
var ErrIncompleteInterface = errors.New("gdbstub: incomplete callback table")

// Register describes one entry of the register file in protocol order.
type Register struct {
	Name string
	Bits uint32
	Type RegType
}

// Command is a monitor command reachable through qRcmd.
type Command struct {
	Name        string
	Description string
	// Run executes the command. Console output written to out is relayed to
	// the client.
	Run func(args string, out io.Writer) Status
}

// Interface is the table of target callbacks the engine drives. It is fixed
// for the lifetime of a Context.
type Interface struct {
	Arch      Arch
	Registers []Register
	Commands  []Command

	// Allocate and Free back the engine's packet and register buffers.
	// Both are optional.
	Allocate func(size int) []byte
	Free     func(buf []byte)

	State    func() TargetState
	Stop     func() Status
	Restart  func() Status
	Kill     func() Status
	Step     func() Status
	Continue func() Status

	ReadMem  func(addr uint64, dst []byte) Status
	WriteMem func(addr uint64, src []byte) Status
	// ReadRegs fills dst with the registers listed in regs, back to back.
	ReadRegs  func(regs []int, dst []byte) Status
	WriteRegs func(regs []int, src []byte) Status

	SetTracepoint   func(addr uint64, typ TracepointType, action TracepointAction) Status
	ClearTracepoint func(addr uint64) Status

	// MonitorCommand receives qRcmd lines that match no entry in Commands.
	MonitorCommand func(cmd string, out io.Writer) Status
	// PacketReceived observes every well-formed packet before dispatch.
	PacketReceived func(pkt []byte)

	Lock   func()
	Unlock func()
	// ShutdownRequested is called with Lock held.
	ShutdownRequested func() bool
	// ShutdownCompleted is called once when Run returns.
	ShutdownCompleted func()
}

// IOInterface is the byte transport the engine reads packets from.
type IOInterface struct {
	// Peek returns the number of bytes readable without blocking.
	Peek  func() int
	Read  func(p []byte) (int, Status)
	Write func(p []byte) Status
	// Poll reports whether the transport is still usable.
	Poll func() Status
}

func (ifc *Interface) validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"State", ifc.State != nil},
		{"Stop", ifc.Stop != nil},
		{"Step", ifc.Step != nil},
		{"Continue", ifc.Continue != nil},
		{"ReadMem", ifc.ReadMem != nil},
		{"WriteMem", ifc.WriteMem != nil},
		{"ReadRegs", ifc.ReadRegs != nil},
		{"WriteRegs", ifc.WriteRegs != nil},
		{"Lock", ifc.Lock != nil},
		{"Unlock", ifc.Unlock != nil},
		{"ShutdownRequested", ifc.ShutdownRequested != nil},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("%w: missing %s", ErrIncompleteInterface, r.name)
		}
	}
	for i, r := range ifc.Registers {
		if r.Bits == 0 || r.Bits%8 != 0 {
			return fmt.Errorf("%w: register %d (%s) has width %d", ErrIncompleteInterface, i, r.Name, r.Bits)
		}
	}
	return nil
}

func (t *IOInterface) validate() error {
	switch {
	case t.Peek == nil:
		return fmt.Errorf("%w: missing Peek", ErrIncompleteInterface)
	case t.Read == nil:
		return fmt.Errorf("%w: missing Read", ErrIncompleteInterface)
	case t.Write == nil:
		return fmt.Errorf("%w: missing Write", ErrIncompleteInterface)
	case t.Poll == nil:
		return fmt.Errorf("%w: missing Poll", ErrIncompleteInterface)
	}
	return nil
}
