package bridge

import (
	"errors"
	"fmt"
)

// Result is the error taxonomy shared by every bridge component. It
// implements error so results travel through ordinary Go error returns; a
// successful operation returns nil, never Success.
type Result int

const (
	Success Result = iota
	InvalidParameter
	NoMemory
	TryAgain
	InternalError
	PeerDisconnected
	NotSupported
	ProtocolViolation
	BufferOverflow
	NotFound
)

var resultNames = [...]string{
	Success:           "success",
	InvalidParameter:  "invalid parameter",
	NoMemory:          "no memory",
	TryAgain:          "try again",
	InternalError:     "internal error",
	PeerDisconnected:  "peer disconnected",
	NotSupported:      "not supported",
	ProtocolViolation: "protocol violation",
	BufferOverflow:    "buffer overflow",
	NotFound:          "not found",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Error makes Result usable as an error.
func (r Result) Error() string { return r.String() }

// ResultOf classifies err: nil is Success, an error wrapping a Result yields
// that Result and anything else is an InternalError.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return InternalError
}

// ProcessStatus is the coarse execution state of the target.
type ProcessStatus int

const (
	ProcessInvalid ProcessStatus = iota
	ProcessRunning
	ProcessStopped
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessRunning:
		return "running"
	case ProcessStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// TracepointType selects the primitive a tracepoint is installed with.
type TracepointType int

const (
	TracepointInvalid TracepointType = iota
	TracepointExecSoftware
	TracepointExecHardware
	TracepointMemRead
	TracepointMemWrite
	TracepointMemAccess
)

func (t TracepointType) String() string {
	switch t {
	case TracepointExecSoftware:
		return "exec-sw"
	case TracepointExecHardware:
		return "exec-hw"
	case TracepointMemRead:
		return "mem-read"
	case TracepointMemWrite:
		return "mem-write"
	case TracepointMemAccess:
		return "mem-access"
	default:
		return "invalid"
	}
}

// TracepointAction is what happens when a tracepoint hits. Stop is the only
// action.
type TracepointAction int

const (
	ActionInvalid TracepointAction = iota
	ActionStop
)

// RegisterCategory tags a register for the target description.
type RegisterCategory int

const (
	RegisterGeneralPurpose RegisterCategory = iota
	RegisterFloatingPoint
	RegisterProgramCounter
	RegisterStackPointer
	RegisterCodePointer
	RegisterStatus
)

// Architecture identifies the target instruction set.
type Architecture int

const (
	ArchARM Architecture = iota
	ArchX86
	ArchAMD64
	ArchMIPS
	ArchMIPSR5900
)

func (a Architecture) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchX86:
		return "x86"
	case ArchAMD64:
		return "amd64"
	case ArchMIPS:
		return "mips"
	case ArchMIPSR5900:
		return "mips-r5900"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}
