// Package bridge connects a debuggee to the GDB remote protocol engine. It
// owns the register and command registry, builds the engine's callback
// tables and runs the enable/disable lifecycle around one client session.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Bridge.
type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Bridge.
type Options struct {
	Logger *slog.Logger
	// NewTransport is required.
	NewTransport TransportFactory
	// NewEngine defaults to NewGDBStubEngine.
	NewEngine EngineFactory
	// ShutdownTimeout bounds how long Disable waits for the run loop before
	// force-closing the transport. Zero waits indefinitely.
	ShutdownTimeout time.Duration
}

// Bridge runs one protocol session at a time against a Target.
type Bridge struct {
	arch            Architecture
	registry        *Registry
	target          Target
	logger          *slog.Logger
	newTransport    TransportFactory
	newEngine       EngineFactory
	shutdownTimeout time.Duration

	// mu guards the lifecycle fields below and is the lock handed to the
	// transport and the engine.
	mu                sync.Mutex
	state             State
	enabled           bool
	shutdownRequested bool
	shutdownCompleted bool
	running           bool
	done              chan struct{}
	transport         Transport
	engine            Engine

	bgMu  sync.Mutex
	bg    chan struct{}
	bgErr error
}

// New creates a disabled bridge. The registry should already hold the
// target's registers.
func New(arch Architecture, registry *Registry, target Target, opts Options) (*Bridge, error) {
	if registry == nil || target == nil {
		return nil, errors.New("bridge: registry and target are required")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("bridge: transport factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewEngine == nil {
		opts.NewEngine = NewGDBStubEngine
	}
	return &Bridge{
		arch:            arch,
		registry:        registry,
		target:          target,
		logger:          opts.Logger.With("component", "bridge"),
		newTransport:    opts.NewTransport,
		newEngine:       opts.NewEngine,
		shutdownTimeout: opts.ShutdownTimeout,
	}, nil
}

// Registry returns the descriptor registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Target returns the debuggee binding.
func (b *Bridge) Target() Target { return b.target }

// Enable creates the engine session, then opens the transport on port and
// blocks until a client connects. It is a no-op when the bridge is not
// disabled.
func (b *Bridge) Enable(port uint16) error {
	b.mu.Lock()
	if b.state != StateDisabled {
		st := b.state
		b.mu.Unlock()
		b.logger.Warn("enable ignored", "state", st)
		return nil
	}
	b.state = StateEnabling
	b.shutdownRequested = false
	b.shutdownCompleted = false
	tr := b.newTransport(b, b.onConnected)
	b.transport = tr
	b.mu.Unlock()
	b.registry.setSealed(true)

	io, ifc := b.buildTables(tr)
	engine, err := b.newEngine(io, ifc)
	if err != nil {
		b.logger.Error("failed to create packet engine context", "error", err)
		b.abortEnable()
		return fmt.Errorf("create packet engine: %w: %w", InternalError, err)
	}
	if err := tr.Open(port); err != nil {
		b.logger.Error("failed to open transport", "port", port, "error", err)
		engine.Close()
		b.abortEnable()
		return fmt.Errorf("open transport on port %d: %w", port, err)
	}

	b.mu.Lock()
	b.engine = engine
	b.enabled = true
	b.state = StateRunning
	b.mu.Unlock()
	b.logger.Info("bridge enabled", "port", port)
	return nil
}

func (b *Bridge) abortEnable() {
	b.mu.Lock()
	b.transport = nil
	b.state = StateDisabled
	b.mu.Unlock()
	b.registry.setSealed(false)
}

// Run drives the engine until the session ends. It returns nil when the
// session ended because of a shutdown request or a client detach.
func (b *Bridge) Run() error {
	b.mu.Lock()
	if !b.enabled || b.shutdownRequested || b.running {
		b.mu.Unlock()
		return fmt.Errorf("run: bridge not ready: %w", InternalError)
	}
	b.running = true
	b.done = make(chan struct{})
	engine := b.engine
	b.mu.Unlock()

	st := engine.Run()
	b.markShutdownCompleted()
	if r := fromStatus(st); r != Success {
		b.logger.Info("session ended", "result", r)
		return fmt.Errorf("packet engine: %w", r)
	}
	return nil
}

func (b *Bridge) markShutdownCompleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdownCompleted = true
	if b.running {
		b.running = false
		close(b.done)
	}
}

// Disable asks the run loop to stop, waits for it, then releases the engine
// session and the transport. It is a no-op when the bridge is not enabled.
func (b *Bridge) Disable() error {
	b.mu.Lock()
	if !b.enabled || b.state == StateShuttingDown {
		b.mu.Unlock()
		return nil
	}
	b.shutdownRequested = true
	b.state = StateShuttingDown
	running, done := b.running, b.done
	tr, engine := b.transport, b.engine
	b.mu.Unlock()

	if running {
		b.waitShutdown(done, tr)
	}
	engine.Close()
	closeErr := tr.Close()

	b.mu.Lock()
	b.enabled = false
	b.engine = nil
	b.transport = nil
	b.state = StateDisabled
	b.mu.Unlock()
	b.registry.setSealed(false)

	if closeErr != nil {
		b.logger.Error("failed to close transport", "error", closeErr)
		return fmt.Errorf("close transport: %w", closeErr)
	}
	b.logger.Info("bridge disabled")
	return nil
}

func (b *Bridge) waitShutdown(done <-chan struct{}, tr Transport) {
	if b.shutdownTimeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(b.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	b.logger.Warn("packet engine did not acknowledge shutdown, closing transport", "timeout", b.shutdownTimeout)
	if err := tr.Close(); err != nil {
		b.logger.Error("forced transport close failed", "error", err)
	}
	<-done
}

// EnableInBackground joins any previous background session, then enables
// and runs the bridge on a new goroutine.
func (b *Bridge) EnableInBackground(port uint16) {
	_ = b.Wait()
	done := make(chan struct{})
	b.bgMu.Lock()
	b.bg = done
	b.bgErr = nil
	b.bgMu.Unlock()
	go func() {
		defer close(done)
		err := b.Enable(port)
		if err == nil && b.IsEnabled() {
			err = b.Run()
		}
		b.bgMu.Lock()
		b.bgErr = err
		b.bgMu.Unlock()
	}()
}

// Wait blocks until the background session started by EnableInBackground
// has returned and reports its error.
func (b *Bridge) Wait() error {
	b.bgMu.Lock()
	bg := b.bg
	b.bgMu.Unlock()
	if bg == nil {
		return nil
	}
	<-bg
	b.bgMu.Lock()
	defer b.bgMu.Unlock()
	return b.bgErr
}

// Shutdown aborts a pending accept, disables the bridge and joins the
// background session.
func (b *Bridge) Shutdown() error {
	var err error
	for {
		b.StopListening()
		if derr := b.Disable(); derr != nil && err == nil {
			err = derr
		}
		// An accept that completed concurrently leaves an enabled session
		// behind; go around again until the background goroutine is gone.
		if b.waitBackground(10 * time.Millisecond) {
			break
		}
	}
	if derr := b.Disable(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (b *Bridge) waitBackground(d time.Duration) bool {
	b.bgMu.Lock()
	bg := b.bg
	b.bgMu.Unlock()
	if bg == nil {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-bg:
		return true
	case <-timer.C:
		return false
	}
}

// StopListening force-closes the listening socket of the current transport.
func (b *Bridge) StopListening() {
	b.mu.Lock()
	tr := b.transport
	b.mu.Unlock()
	if tr != nil {
		tr.StopListening()
	}
}

// IsListening reports whether the transport is waiting for a client.
func (b *Bridge) IsListening() bool {
	b.mu.Lock()
	tr := b.transport
	b.mu.Unlock()
	return tr != nil && tr.IsListening()
}

// IsEnabled reports whether a session is set up.
func (b *Bridge) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// State reports the lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Lock acquires the lifecycle mutex.
func (b *Bridge) Lock() { b.mu.Lock() }

// Unlock releases the lifecycle mutex.
func (b *Bridge) Unlock() { b.mu.Unlock() }

// DebugPrint logs a diagnostic message.
func (b *Bridge) DebugPrint(msg string) { b.logger.Debug(msg) }

// DebugPrintf logs a formatted diagnostic message.
func (b *Bridge) DebugPrintf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *Bridge) onConnected() {
	b.logger.Info("client connected")
	b.target.OnConnected()
}
