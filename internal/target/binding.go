package target

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/rspbridge/rspbridge/internal/bridge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rspbridge/rspbridge/internal/target"

// Options configures a Binding.
type Options struct {
	Logger *slog.Logger
	Layout Layout
	// WaitTimeout bounds the wait after stop, continue and step. Zero waits
	// until the host changes state or dies.
	WaitTimeout time.Duration
	// Tracer defaults to the global otel provider.
	Tracer trace.Tracer
}

// Binding implements bridge.Target over a Host.
type Binding struct {
	host        Host
	logger      *slog.Logger
	tracer      trace.Tracer
	waitTimeout time.Duration

	mappings []Mapping
	pcID     bridge.RegisterID

	shadowMu sync.Mutex
	shadow   map[bridge.RegisterID]Value
}

var _ bridge.Target = (*Binding)(nil)

// NewBinding defines the R5900 register set in reg and returns a binding
// for host. reg must be empty.
func NewBinding(host Host, reg *bridge.Registry, opts Options) (*Binding, error) {
	if host == nil || reg == nil {
		return nil, fmt.Errorf("target: host and registry are required: %w", bridge.InvalidParameter)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Layout == (Layout{}) {
		opts.Layout = R5900Layout()
	}
	mappings, pcID, err := defineRegisters(host, reg, opts.Layout)
	if err != nil {
		return nil, err
	}
	return &Binding{
		host:        host,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		waitTimeout: opts.WaitTimeout,
		mappings:    mappings,
		pcID:        pcID,
		shadow:      make(map[bridge.RegisterID]Value),
	}, nil
}

// Mapping returns the host storage behind id.
func (b *Binding) Mapping(id bridge.RegisterID) (Mapping, bool) {
	if id < 0 || int(id) >= len(b.mappings) {
		return Mapping{}, false
	}
	return b.mappings[id], true
}

// Host returns the controlled host.
func (b *Binding) Host() Host { return b.host }

func (b *Binding) traced(name string, attrs []attribute.KeyValue, fn func() error) error {
	_, span := b.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
	defer span.End()
	err := fn()
	span.SetAttributes(attribute.String("rsp.result", bridge.ResultOf(err).String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Status reports Stopped while the host is paused.
func (b *Binding) Status() bridge.ProcessStatus {
	if b.host.IsPaused() {
		return bridge.ProcessStopped
	}
	return bridge.ProcessRunning
}

// StopExecution pauses the target and waits until it reports paused.
func (b *Binding) StopExecution() error {
	return b.traced("target.stop", nil, func() error {
		if !b.host.IsAlive() {
			return bridge.TryAgain
		}
		b.host.Pause()
		return b.wait("pause", b.host.IsPaused)
	})
}

// ContinueExecution resumes the target and waits until it has left the pause.
func (b *Binding) ContinueExecution() error {
	return b.traced("target.continue", nil, func() error {
		if !b.host.IsAlive() {
			return bridge.TryAgain
		}
		// A short run may already have halted again by the time we look.
		changed := b.changes()
		b.host.Resume()
		return b.wait("resume", func() bool { return !b.host.IsPaused() || closed(changed) })
	})
}

// SingleStepExecution steps one instruction and waits for the program
// counter to move or, on a Notifier host, for the step to be announced.
func (b *Binding) SingleStepExecution() error {
	return b.traced("target.step", nil, func() error {
		if !b.host.IsAlive() {
			return bridge.TryAgain
		}
		if b.pcID == bridge.InvalidRegister {
			b.host.Step()
			return nil
		}
		before := b.load(b.pcID)
		changed := b.changes()
		b.host.Step()
		return b.wait("step", func() bool { return b.load(b.pcID) != before || closed(changed) })
	})
}

// RestartExecution resets the CPU.
func (b *Binding) RestartExecution() error {
	return b.traced("target.restart", nil, func() error {
		b.host.Reset()
		return nil
	})
}

// KillExecution resets the CPU; the emulator has no process to terminate.
func (b *Binding) KillExecution() error {
	return b.traced("target.kill", nil, func() error {
		b.host.Reset()
		return nil
	})
}

// wait blocks until cond holds. Hosts implementing Notifier wake the loop on
// state changes, others are polled.
func (b *Binding) wait(what string, cond func() bool) error {
	var deadline <-chan time.Time
	if b.waitTimeout > 0 {
		timer := time.NewTimer(b.waitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	notifier, _ := b.host.(Notifier)
	for {
		var changed <-chan struct{}
		if notifier != nil {
			changed = notifier.StateChanged()
		}
		if !b.host.IsAlive() {
			b.logger.Warn("target stopped responding", "waiting_for", what)
			return fmt.Errorf("target died during %s: %w", what, bridge.InternalError)
		}
		if cond() {
			return nil
		}
		if notifier != nil {
			select {
			case <-changed:
				continue
			case <-deadline:
				return b.timedOut(what)
			}
		}
		select {
		case <-deadline:
			return b.timedOut(what)
		default:
			runtime.Gosched()
		}
	}
}

// changes returns the host's next state change, or nil when the host cannot
// announce them.
func (b *Binding) changes() <-chan struct{} {
	if n, ok := b.host.(Notifier); ok {
		return n.StateChanged()
	}
	return nil
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (b *Binding) timedOut(what string) error {
	b.logger.Warn("timed out waiting for target", "waiting_for", what, "timeout", b.waitTimeout)
	return fmt.Errorf("%s timed out after %s: %w", what, b.waitTimeout, bridge.InternalError)
}

// ReadMem fills dst byte by byte and stops at the first invalid address,
// leaving the rest of dst untouched.
func (b *Binding) ReadMem(addr uint64, dst []byte) error {
	attrs := []attribute.KeyValue{attribute.Int64("rsp.addr", int64(addr)), attribute.Int("rsp.len", len(dst))}
	return b.traced("target.read_mem", attrs, func() error {
		for i := range dst {
			a := addr + uint64(i)
			if !b.host.IsValidAddress(a) {
				return fmt.Errorf("read %#x: %w", a, bridge.InvalidParameter)
			}
			dst[i] = b.host.Read8(a)
		}
		return nil
	})
}

// WriteMem stores src byte by byte. Bytes before an invalid address stay
// written.
func (b *Binding) WriteMem(addr uint64, src []byte) error {
	attrs := []attribute.KeyValue{attribute.Int64("rsp.addr", int64(addr)), attribute.Int("rsp.len", len(src))}
	return b.traced("target.write_mem", attrs, func() error {
		for i, v := range src {
			a := addr + uint64(i)
			if !b.host.IsValidAddress(a) {
				return fmt.Errorf("write %#x: %w", a, bridge.InvalidParameter)
			}
			b.host.Write8(a, v)
		}
		return nil
	})
}

func (b *Binding) load(id bridge.RegisterID) Value {
	m := b.mappings[id]
	if m.Synthetic() {
		b.shadowMu.Lock()
		defer b.shadowMu.Unlock()
		return b.shadow[id]
	}
	return b.host.GetRegister(m.Category, m.Index)
}

func (b *Binding) store(id bridge.RegisterID, v Value) {
	m := b.mappings[id]
	if m.Synthetic() {
		b.shadowMu.Lock()
		b.shadow[id] = v
		b.shadowMu.Unlock()
		return
	}
	b.host.SetRegister(m.Category, m.Index, v)
}

// ReadRegister copies the register into dst most significant byte first.
func (b *Binding) ReadRegister(id bridge.RegisterID, dst []byte) error {
	m, ok := b.Mapping(id)
	if !ok {
		return fmt.Errorf("register %d: %w", id, bridge.InvalidParameter)
	}
	n := int(m.Bits / 8)
	if len(dst) < n {
		return fmt.Errorf("register %d needs %d bytes: %w", id, n, bridge.BufferOverflow)
	}
	v := b.load(id)
	for i := 0; i < n; i++ {
		dst[i] = v[n-1-i]
	}
	return nil
}

// WriteRegister stores src, most significant byte first. Storage above the
// register width is left untouched.
func (b *Binding) WriteRegister(id bridge.RegisterID, src []byte) error {
	m, ok := b.Mapping(id)
	if !ok {
		return fmt.Errorf("register %d: %w", id, bridge.InvalidParameter)
	}
	n := int(m.Bits / 8)
	if len(src) < n {
		return fmt.Errorf("register %d needs %d bytes: %w", id, n, bridge.InvalidParameter)
	}
	v := b.load(id)
	for i := 0; i < n; i++ {
		v[n-1-i] = src[i]
	}
	b.store(id, v)
	return nil
}

// CreateTracepoint installs a breakpoint or a one-byte memory check. The
// action is always a stop.
func (b *Binding) CreateTracepoint(addr uint64, typ bridge.TracepointType, _ bridge.TracepointAction) error {
	attrs := []attribute.KeyValue{attribute.Int64("rsp.addr", int64(addr)), attribute.String("rsp.type", typ.String())}
	return b.traced("target.create_tracepoint", attrs, func() error {
		switch typ {
		case bridge.TracepointExecSoftware, bridge.TracepointExecHardware:
			b.host.AddBreakpoint(addr)
		case bridge.TracepointMemRead:
			b.host.AddMemCheck(addr, addr+1, MemCheckRead)
		case bridge.TracepointMemWrite:
			b.host.AddMemCheck(addr, addr+1, MemCheckWrite)
		case bridge.TracepointMemAccess:
			b.host.AddMemCheck(addr, addr+1, MemCheckReadWrite)
		default:
			return fmt.Errorf("tracepoint type %s: %w", typ, bridge.NotSupported)
		}
		return nil
	})
}

// ClearTracepoint removes whatever was installed at addr.
func (b *Binding) ClearTracepoint(addr uint64) error {
	attrs := []attribute.KeyValue{attribute.Int64("rsp.addr", int64(addr))}
	return b.traced("target.clear_tracepoint", attrs, func() error {
		b.host.RemoveBreakpoint(addr)
		b.host.RemoveMemCheck(addr, addr+1)
		return nil
	})
}

// InvalidCommand rejects monitor commands nobody registered.
func (b *Binding) InvalidCommand(cmd string) error {
	b.logger.Info("unknown monitor command", "command", cmd)
	return fmt.Errorf("monitor command %q: %w", cmd, bridge.NotSupported)
}

// PacketReceived logs every packet before dispatch.
func (b *Binding) PacketReceived(pkt string) {
	b.logger.Debug("packet received", "packet", pkt)
}

// OnConnected logs the new session.
func (b *Binding) OnConnected() {
	b.logger.Info("debugger attached")
}
