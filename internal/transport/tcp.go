// Package transport provides the TCP byte stream the protocol engine runs
// over. A TCP value listens once, accepts a single client, stops listening
// and is discarded when the session ends.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rspbridge/rspbridge/internal/bridge"
)

// Options configures a TCP transport.
type Options struct {
	// Host is the bind address. Empty binds all interfaces.
	Host   string
	Logger *slog.Logger
}

// TCP implements bridge.Transport over a single accepted TCP connection.
type TCP struct {
	lock        sync.Locker
	onConnected func()
	host        string
	logger      *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	conn      net.Conn
	stopped   bool
	listening atomic.Bool
}

// NewTCP returns an unopened transport. lock is the lifecycle lock released
// around accept; onConnected runs after a client has been accepted.
func NewTCP(lock sync.Locker, onConnected func(), opts Options) *TCP {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if onConnected == nil {
		onConnected = func() {}
	}
	return &TCP{
		lock:        lock,
		onConnected: onConnected,
		host:        opts.Host,
		logger:      opts.Logger.With("component", "transport"),
	}
}

// Factory adapts NewTCP to bridge.TransportFactory.
func Factory(opts Options) bridge.TransportFactory {
	return func(lock sync.Locker, onConnected func()) bridge.Transport {
		return NewTCP(lock, onConnected, opts)
	}
}

// Open listens on port and blocks until one client connects or the listener
// is closed by StopListening or Close.
func (t *TCP) Open(port uint16) error {
	t.lock.Lock()
	t.mu.Lock()
	if t.ln != nil || t.conn != nil {
		t.mu.Unlock()
		t.lock.Unlock()
		t.logger.Error("transport already open")
		return fmt.Errorf("transport already open: %w", bridge.InternalError)
	}
	if t.stopped {
		t.mu.Unlock()
		t.lock.Unlock()
		return fmt.Errorf("listen aborted: %w", bridge.InternalError)
	}
	addr := net.JoinHostPort(t.host, strconv.Itoa(int(port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.mu.Unlock()
		t.lock.Unlock()
		t.logger.Error("listen failed", "addr", addr, "error", err)
		return fmt.Errorf("listen on %s: %w: %w", addr, bridge.InternalError, err)
	}
	t.ln = ln
	t.mu.Unlock()
	t.listening.Store(true)
	t.logger.Info("waiting for debugger", "addr", ln.Addr().String())
	t.lock.Unlock()

	conn, err := ln.Accept()

	t.lock.Lock()
	t.listening.Store(false)
	t.mu.Lock()
	if err != nil {
		_ = ln.Close()
		t.ln = nil
		t.mu.Unlock()
		t.lock.Unlock()
		t.logger.Info("accept aborted", "error", err)
		return fmt.Errorf("accept: %w: %w", bridge.InternalError, err)
	}
	// One client at a time: later dials are refused instead of queued.
	_ = ln.Close()
	t.ln = nil
	t.conn = conn
	t.mu.Unlock()
	t.lock.Unlock()

	t.logger.Info("debugger connected", "peer", conn.RemoteAddr().String())
	t.onConnected()
	return nil
}

// Close releases the connection and the listener. It is a no-op when
// nothing is open.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil && t.conn == nil {
		return nil
	}
	var firstErr error
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			firstErr = err
		}
		t.conn = nil
	}
	if t.ln != nil {
		if err := t.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.ln = nil
	}
	t.logger.Info("transport closed")
	return firstErr
}

// Addr returns the listening address, or nil when not listening.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Peek returns the number of bytes readable without blocking. A pending
// hang-up counts as one byte so the next Read reports it.
func (t *TCP) Peek() int {
	conn := t.current()
	if conn == nil {
		t.logger.Debug("peek on closed transport")
		return 0
	}
	n, err := peekConn(conn)
	if err != nil {
		t.logger.Debug("peek failed", "error", err)
		return 0
	}
	return n
}

// Read performs a single receive. Zero bytes means the peer has gone.
func (t *TCP) Read(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, fmt.Errorf("read on closed transport: %w", bridge.InternalError)
	}
	n, err := conn.Read(p)
	if n == 0 {
		t.logger.Info("peer disconnected", "error", err)
		return 0, fmt.Errorf("read: peer disconnected: %w", bridge.InternalError)
	}
	return n, nil
}

// Write sends p in one call. An empty write sends a single NUL byte.
func (t *TCP) Write(p []byte) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("write on closed transport: %w", bridge.InternalError)
	}
	if len(p) == 0 {
		p = []byte{0}
	}
	if _, err := conn.Write(p); err != nil {
		t.logger.Error("send failed", "error", err)
		return fmt.Errorf("write: %w: %w", bridge.InternalError, err)
	}
	t.logger.Debug("sent", "payload", string(p))
	return nil
}

// Poll returns nil while a client is connected.
func (t *TCP) Poll() error {
	if t.current() == nil {
		return fmt.Errorf("transport not open: %w", bridge.InternalError)
	}
	return nil
}

// IsListening reports whether Open is waiting in accept.
func (t *TCP) IsListening() bool { return t.listening.Load() }

// StopListening closes the listener under the lifecycle lock so a pending
// Open returns. Called before Open, it makes Open fail immediately.
func (t *TCP) StopListening() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.ln != nil {
		_ = t.ln.Close()
	}
}
