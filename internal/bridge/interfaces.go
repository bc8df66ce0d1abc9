package bridge

import (
	"sync"

	"github.com/rspbridge/rspbridge/internal/gdbstub"
)

// Transport is the byte stream a session runs over. One instance serves one
// enable cycle and accepts a single peer.
type Transport interface {
	// Open listens on port and blocks until a peer connects. The lifecycle
	// lock handed to the constructor is released while waiting.
	Open(port uint16) error
	Close() error
	// Peek returns the number of bytes readable without blocking.
	Peek() int
	Read(p []byte) (int, error)
	Write(p []byte) error
	// Poll returns nil while the transport is open.
	Poll() error
	IsListening() bool
	// StopListening aborts an outstanding Open.
	StopListening()
}

// TransportFactory creates a fresh transport for each enable cycle.
// onConnected must be called once a peer has been accepted.
type TransportFactory func(lock sync.Locker, onConnected func()) Transport

// Target is the debuggee as seen by the protocol engine.
type Target interface {
	Status() ProcessStatus
	StopExecution() error
	RestartExecution() error
	KillExecution() error
	SingleStepExecution() error
	ContinueExecution() error

	// ReadMem and WriteMem stop at the first invalid byte with
	// InvalidParameter; bytes before it have already been transferred.
	ReadMem(addr uint64, dst []byte) error
	WriteMem(addr uint64, src []byte) error
	ReadRegister(id RegisterID, dst []byte) error
	WriteRegister(id RegisterID, src []byte) error

	CreateTracepoint(addr uint64, typ TracepointType, action TracepointAction) error
	ClearTracepoint(addr uint64) error

	// InvalidCommand handles monitor commands nobody registered.
	InvalidCommand(cmd string) error
	PacketReceived(pkt string)
	OnConnected()
}

// Engine is one protocol session created per enable cycle.
type Engine interface {
	Run() gdbstub.Status
	Close()
}

// EngineFactory creates the protocol session from the callback tables.
type EngineFactory func(io *gdbstub.IOInterface, ifc *gdbstub.Interface) (Engine, error)

// NewGDBStubEngine is the default EngineFactory.
func NewGDBStubEngine(io *gdbstub.IOInterface, ifc *gdbstub.Interface) (Engine, error) {
	ctx, err := gdbstub.New(io, ifc)
	if err != nil {
		return nil, err
	}
	return ctx, nil
}
