// Package gdbstub implements the GDB remote serial protocol engine. The engine
// owns packet framing, acknowledgement and command dispatch; everything target
// or transport specific is reached through the callback tables in Interface and
// IOInterface.
package gdbstub

import "fmt"

// Status is the numeric result code exchanged with the callback tables.
// Negative values are errors.
type Status int

const (
	StatusSuccess           Status = 0
	StatusTryAgain          Status = 1
	StatusInvalidParameter  Status = -1
	StatusNoMemory          Status = -2
	StatusInternalError     Status = -3
	StatusPeerDisconnected  Status = -4
	StatusNotSupported      Status = -5
	StatusProtocolViolation Status = -6
	StatusBufferOverflow    Status = -7
	StatusNotFound          Status = -8
)

// Failed reports whether s denotes an error.
func (s Status) Failed() bool { return s < 0 }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTryAgain:
		return "try again"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusNoMemory:
		return "no memory"
	case StatusInternalError:
		return "internal error"
	case StatusPeerDisconnected:
		return "peer disconnected"
	case StatusNotSupported:
		return "not supported"
	case StatusProtocolViolation:
		return "protocol violation"
	case StatusBufferOverflow:
		return "buffer overflow"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TargetState is the execution state reported by Interface.State.
type TargetState int

const (
	TargetStateInvalid TargetState = iota
	TargetStateRunning
	TargetStateStopped
)

// TracepointType selects what a Z/z packet installs.
type TracepointType int

const (
	TracepointInvalid TracepointType = iota
	TracepointExecSoftware
	TracepointExecHardware
	TracepointMemRead
	TracepointMemWrite
	TracepointMemAccess
)

// TracepointAction is what happens when a tracepoint hits.
type TracepointAction int

const (
	TracepointActionInvalid TracepointAction = iota
	TracepointActionStop
)

// RegType classifies a register for the target description.
type RegType int

const (
	RegTypeInvalid RegType = iota
	RegTypeGeneral
	RegTypePC
	RegTypeStackPointer
	RegTypeCodePointer
	RegTypeStatus
	RegTypeFloat
)

// Arch names the target architecture advertised in target.xml.
type Arch int

const (
	ArchInvalid Arch = iota
	ArchARM
	ArchX86
	ArchAMD64
	ArchMIPS
	ArchMIPSR5900
)

// bfdName is the architecture string gdb expects in <architecture>.
func (a Arch) bfdName() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchX86:
		return "i386"
	case ArchAMD64:
		return "i386:x86-64"
	case ArchMIPS:
		return "mips"
	case ArchMIPSR5900:
		return "mips:5900"
	default:
		return ""
	}
}

// featurePrefix is the gdb feature namespace for the architecture family.
func (a Arch) featurePrefix() string {
	switch a {
	case ArchARM:
		return "org.gnu.gdb.arm"
	case ArchX86, ArchAMD64:
		return "org.gnu.gdb.i386"
	case ArchMIPS, ArchMIPSR5900:
		return "org.gnu.gdb.mips"
	default:
		return "org.gnu.gdb.generic"
	}
}

func (a Arch) isMIPS() bool { return a == ArchMIPS || a == ArchMIPSR5900 }
