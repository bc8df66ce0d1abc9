package bridge

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rspbridge/rspbridge/internal/gdbstub"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	lock        sync.Locker
	onConnected func()

	openErr error
	// block makes Open wait for StopListening, like an accept with no client.
	block bool

	mu        sync.Mutex
	opens     int
	closes    int
	open      bool
	listening atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func (t *fakeTransport) Open(port uint16) error {
	t.mu.Lock()
	t.opens++
	if t.open {
		t.mu.Unlock()
		return errors.New("already open")
	}
	t.mu.Unlock()
	if t.openErr != nil {
		return t.openErr
	}
	if t.block {
		t.lock.Lock()
		t.listening.Store(true)
		t.lock.Unlock()
		<-t.stop
		t.lock.Lock()
		t.listening.Store(false)
		t.lock.Unlock()
		return errors.New("accept: listener closed")
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	t.onConnected()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	t.open = false
	return nil
}

func (t *fakeTransport) Peek() int { return 0 }

func (t *fakeTransport) Read(p []byte) (int, error) { return 0, InternalError }

func (t *fakeTransport) Write(p []byte) error { return nil }

func (t *fakeTransport) Poll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errTransportClosed
	}
	return nil
}

func (t *fakeTransport) IsListening() bool { return t.listening.Load() }

func (t *fakeTransport) StopListening() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *fakeTransport) counts() (opens, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens, t.closes
}

// transportFactory records every transport it hands out.
type transportFactory struct {
	mu        sync.Mutex
	made      []*fakeTransport
	configure func(*fakeTransport)
}

func (f *transportFactory) New(lock sync.Locker, onConnected func()) Transport {
	t := &fakeTransport{lock: lock, onConnected: onConnected, stop: make(chan struct{})}
	if f.configure != nil {
		f.configure(t)
	}
	f.mu.Lock()
	f.made = append(f.made, t)
	f.mu.Unlock()
	return t
}

func (f *transportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[len(f.made)-1]
}

func (f *transportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

// fakeEngine polls the shutdown flag like the real run loop. A stubborn
// engine ignores the flag and only stops once the transport is closed.
type fakeEngine struct {
	io       *gdbstub.IOInterface
	ifc      *gdbstub.Interface
	stubborn bool
	closed   atomic.Int32
}

func (e *fakeEngine) Run() gdbstub.Status {
	defer e.ifc.ShutdownCompleted()
	for {
		if !e.stubborn {
			e.ifc.Lock()
			stop := e.ifc.ShutdownRequested()
			e.ifc.Unlock()
			if stop {
				return gdbstub.StatusSuccess
			}
		}
		if st := e.io.Poll(); st != gdbstub.StatusSuccess {
			return st
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *fakeEngine) Close() { e.closed.Add(1) }

type engineFactory struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	err      error
	stubborn bool
}

func (f *engineFactory) New(io *gdbstub.IOInterface, ifc *gdbstub.Interface) (Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{io: io, ifc: ifc, stubborn: f.stubborn}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

func (f *engineFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

type fakeTarget struct {
	mu        sync.Mutex
	connected int
	packets   []string
	invalid   []string
	regs      map[RegisterID][]byte
	regReads  []RegisterID
}

func newFakeTarget() *fakeTarget { return &fakeTarget{regs: map[RegisterID][]byte{}} }

func (t *fakeTarget) Status() ProcessStatus      { return ProcessStopped }
func (t *fakeTarget) StopExecution() error       { return nil }
func (t *fakeTarget) RestartExecution() error    { return nil }
func (t *fakeTarget) KillExecution() error       { return nil }
func (t *fakeTarget) SingleStepExecution() error { return nil }
func (t *fakeTarget) ContinueExecution() error   { return TryAgain }

func (t *fakeTarget) ReadMem(addr uint64, dst []byte) error {
	if addr == 0 {
		return InvalidParameter
	}
	return nil
}

func (t *fakeTarget) WriteMem(addr uint64, src []byte) error { return nil }

func (t *fakeTarget) ReadRegister(id RegisterID, dst []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regReads = append(t.regReads, id)
	for i := range dst {
		dst[i] = byte(id)
	}
	return nil
}

func (t *fakeTarget) WriteRegister(id RegisterID, src []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[id] = append([]byte(nil), src...)
	return nil
}

func (t *fakeTarget) CreateTracepoint(addr uint64, typ TracepointType, action TracepointAction) error {
	if typ == TracepointInvalid {
		return NotSupported
	}
	return nil
}

func (t *fakeTarget) ClearTracepoint(addr uint64) error { return nil }

func (t *fakeTarget) InvalidCommand(cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalid = append(t.invalid, cmd)
	return NotSupported
}

func (t *fakeTarget) PacketReceived(pkt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets = append(t.packets, pkt)
}

func (t *fakeTarget) OnConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected++
}

type fixture struct {
	bridge     *Bridge
	target     *fakeTarget
	transports *transportFactory
	engines    *engineFactory
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{target: newFakeTarget(), transports: &transportFactory{}, engines: &engineFactory{}}
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := reg.DefineRegister("r0", 32, RegisterGeneralPurpose)
	require.NoError(t, err)
	_, err = reg.DefineRegister("pc", 64, RegisterProgramCounter)
	require.NoError(t, err)

	opts.NewTransport = func(lock sync.Locker, onConnected func()) Transport {
		return f.transports.New(lock, onConnected)
	}
	opts.NewEngine = func(io *gdbstub.IOInterface, ifc *gdbstub.Interface) (Engine, error) {
		return f.engines.New(io, ifc)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b, err := New(ArchMIPSR5900, reg, f.target, opts)
	require.NoError(t, err)
	f.bridge = b
	return f
}
