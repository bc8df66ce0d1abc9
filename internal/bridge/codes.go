package bridge

import "github.com/rspbridge/rspbridge/internal/gdbstub"

var resultStatus = map[Result]gdbstub.Status{
	Success:           gdbstub.StatusSuccess,
	InvalidParameter:  gdbstub.StatusInvalidParameter,
	NoMemory:          gdbstub.StatusNoMemory,
	TryAgain:          gdbstub.StatusTryAgain,
	InternalError:     gdbstub.StatusInternalError,
	PeerDisconnected:  gdbstub.StatusPeerDisconnected,
	NotSupported:      gdbstub.StatusNotSupported,
	ProtocolViolation: gdbstub.StatusProtocolViolation,
	BufferOverflow:    gdbstub.StatusBufferOverflow,
	NotFound:          gdbstub.StatusNotFound,
}

var statusResult = func() map[gdbstub.Status]Result {
	m := make(map[gdbstub.Status]Result, len(resultStatus))
	for r, s := range resultStatus {
		m[s] = r
	}
	return m
}()

// toStatus maps a Result onto the engine's status codes.
func toStatus(r Result) gdbstub.Status {
	if s, ok := resultStatus[r]; ok {
		return s
	}
	return gdbstub.StatusInternalError
}

// fromStatus maps an engine status code back to a Result.
func fromStatus(s gdbstub.Status) Result {
	if r, ok := statusResult[s]; ok {
		return r
	}
	return InternalError
}

// statusOf is toStatus(ResultOf(err)).
func statusOf(err error) gdbstub.Status { return toStatus(ResultOf(err)) }

func (s ProcessStatus) engineState() gdbstub.TargetState {
	switch s {
	case ProcessRunning:
		return gdbstub.TargetStateRunning
	case ProcessStopped:
		return gdbstub.TargetStateStopped
	default:
		return gdbstub.TargetStateInvalid
	}
}

func tracepointFromEngine(t gdbstub.TracepointType) TracepointType {
	switch t {
	case gdbstub.TracepointExecSoftware:
		return TracepointExecSoftware
	case gdbstub.TracepointExecHardware:
		return TracepointExecHardware
	case gdbstub.TracepointMemRead:
		return TracepointMemRead
	case gdbstub.TracepointMemWrite:
		return TracepointMemWrite
	case gdbstub.TracepointMemAccess:
		return TracepointMemAccess
	default:
		return TracepointInvalid
	}
}

func actionFromEngine(a gdbstub.TracepointAction) TracepointAction {
	if a == gdbstub.TracepointActionStop {
		return ActionStop
	}
	return ActionInvalid
}

func (c RegisterCategory) engineType() gdbstub.RegType {
	switch c {
	case RegisterGeneralPurpose:
		return gdbstub.RegTypeGeneral
	case RegisterFloatingPoint:
		return gdbstub.RegTypeFloat
	case RegisterProgramCounter:
		return gdbstub.RegTypePC
	case RegisterStackPointer:
		return gdbstub.RegTypeStackPointer
	case RegisterCodePointer:
		return gdbstub.RegTypeCodePointer
	case RegisterStatus:
		return gdbstub.RegTypeStatus
	default:
		return gdbstub.RegTypeInvalid
	}
}

func (a Architecture) engineArch() gdbstub.Arch {
	switch a {
	case ArchARM:
		return gdbstub.ArchARM
	case ArchX86:
		return gdbstub.ArchX86
	case ArchAMD64:
		return gdbstub.ArchAMD64
	case ArchMIPS:
		return gdbstub.ArchMIPS
	case ArchMIPSR5900:
		return gdbstub.ArchMIPSR5900
	default:
		return gdbstub.ArchInvalid
	}
}
