package gdbstub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodeRSP(payload string) []byte {
	sum := byte(0)
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", payload, sum))
}

// readReply reads optional ack and one RSP packet payload
func readReply(r *bufio.Reader) (ack bool, payload string, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, "", err
	}
	if b != '+' {
		if err := r.UnreadByte(); err != nil {
			return false, "", err
		}
	} else {
		ack = true
	}
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if ch == '$' {
			break
		}
	}
	data := make([]byte, 0, 128)
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if ch == '#' {
			break
		}
		data = append(data, ch)
	}
	csum := make([]byte, 2)
	if _, err := io.ReadFull(r, csum); err != nil {
		return ack, "", err
	}
	return ack, string(unescape(data)), nil
}

// pipeIO adapts one end of a net.Pipe to the IOInterface by pumping reads
// into a buffer so Peek can report how much is pending.
type pipeIO struct {
	conn   net.Conn
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newPipeIO(conn net.Conn) *pipeIO {
	p := &pipeIO{conn: conn}
	go func() {
		tmp := make([]byte, 512)
		for {
			n, err := conn.Read(tmp)
			p.mu.Lock()
			p.buf.Write(tmp[:n])
			if err != nil {
				p.closed = true
			}
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *pipeIO) table() *IOInterface {
	return &IOInterface{
		Peek: func() int {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.buf.Len() == 0 && p.closed {
				// Let Read observe the disconnect.
				return 1
			}
			return p.buf.Len()
		},
		Read: func(b []byte) (int, Status) {
			p.mu.Lock()
			defer p.mu.Unlock()
			n, _ := p.buf.Read(b)
			if n == 0 {
				return 0, StatusPeerDisconnected
			}
			return n, StatusSuccess
		},
		Write: func(b []byte) Status {
			if _, err := p.conn.Write(b); err != nil {
				return StatusInternalError
			}
			return StatusSuccess
		},
		Poll: func() Status { return StatusSuccess },
	}
}

type tracepoint struct {
	addr uint64
	typ  TracepointType
}

// fakeTarget is a 4-register target with 256 bytes of memory at 0x1000.
type fakeTarget struct {
	mu          sync.Mutex
	state       TargetState
	regs        [][]byte
	mem         [256]byte
	tracepoints []tracepoint
	cleared     []uint64
	monitor     []string
	packets     []string
	shutdown    bool
	completed   bool
	steps       int
	stopStatus  Status
}

const fakeMemBase = 0x1000

func newFakeTarget() *fakeTarget {
	f := &fakeTarget{state: TargetStateStopped}
	f.regs = [][]byte{
		{0x00, 0x00, 0x00, 0x01},
		{0x00, 0x00, 0x00, 0x02},
		{0xbf, 0xc0, 0x00, 0x00},
		{0x00, 0x00, 0x00, 0x00},
	}
	for i := range f.mem {
		f.mem[i] = byte(i)
	}
	return f
}

func (f *fakeTarget) getState() TargetState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) setState(s TargetState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTarget) table() *Interface {
	return &Interface{
		Arch: ArchMIPSR5900,
		Registers: []Register{
			{Name: "r0", Bits: 32, Type: RegTypeGeneral},
			{Name: "sp", Bits: 32, Type: RegTypeStackPointer},
			{Name: "pc", Bits: 32, Type: RegTypePC},
			{Name: "f0", Bits: 32, Type: RegTypeFloat},
		},
		Commands: []Command{{
			Name:        "echo",
			Description: "print the arguments",
			Run: func(args string, out io.Writer) Status {
				fmt.Fprintf(out, "%s\n", args)
				return StatusSuccess
			},
		}},
		State: f.getState,
		Stop: func() Status {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.stopStatus != StatusSuccess {
				return f.stopStatus
			}
			f.state = TargetStateStopped
			return StatusSuccess
		},
		Continue: func() Status {
			f.setState(TargetStateRunning)
			return StatusSuccess
		},
		Step: func() Status {
			f.mu.Lock()
			f.steps++
			f.mu.Unlock()
			return StatusSuccess
		},
		ReadMem: func(addr uint64, dst []byte) Status {
			for i := range dst {
				a := addr + uint64(i)
				if a < fakeMemBase || a >= fakeMemBase+uint64(len(f.mem)) {
					return StatusInvalidParameter
				}
				dst[i] = f.mem[a-fakeMemBase]
			}
			return StatusSuccess
		},
		WriteMem: func(addr uint64, src []byte) Status {
			for i, b := range src {
				a := addr + uint64(i)
				if a < fakeMemBase || a >= fakeMemBase+uint64(len(f.mem)) {
					return StatusInvalidParameter
				}
				f.mem[a-fakeMemBase] = b
			}
			return StatusSuccess
		},
		ReadRegs: func(regs []int, dst []byte) Status {
			off := 0
			for _, r := range regs {
				off += copy(dst[off:], f.regs[r])
			}
			return StatusSuccess
		},
		WriteRegs: func(regs []int, src []byte) Status {
			off := 0
			for _, r := range regs {
				off += copy(f.regs[r], src[off:])
			}
			return StatusSuccess
		},
		SetTracepoint: func(addr uint64, typ TracepointType, action TracepointAction) Status {
			if action != TracepointActionStop {
				return StatusInvalidParameter
			}
			f.tracepoints = append(f.tracepoints, tracepoint{addr: addr, typ: typ})
			return StatusSuccess
		},
		ClearTracepoint: func(addr uint64) Status {
			f.cleared = append(f.cleared, addr)
			return StatusSuccess
		},
		MonitorCommand: func(cmd string, out io.Writer) Status {
			f.monitor = append(f.monitor, cmd)
			return StatusNotSupported
		},
		PacketReceived: func(pkt []byte) { f.packets = append(f.packets, string(pkt)) },
		Lock:           f.mu.Lock,
		Unlock:         f.mu.Unlock,
		ShutdownRequested: func() bool {
			return f.shutdown
		},
		ShutdownCompleted: func() {
			f.mu.Lock()
			f.completed = true
			f.mu.Unlock()
		},
	}
}

type session struct {
	t      *testing.T
	target *fakeTarget
	client net.Conn
	r      *bufio.Reader
	done   chan Status
}

func startSession(t *testing.T) *session {
	t.Helper()
	c1, c2 := net.Pipe()
	target := newFakeTarget()
	ctx, err := New(newPipeIO(c1).table(), target.table())
	require.NoError(t, err)
	ctx.PollInterval = time.Millisecond

	s := &session{t: t, target: target, client: c2, r: bufio.NewReader(c2), done: make(chan Status, 1)}
	go func() { s.done <- ctx.Run() }()
	t.Cleanup(func() {
		_ = c2.Close()
		_ = c1.Close()
	})
	return s
}

// roundTrip sends payload and returns the acked reply.
func (s *session) roundTrip(payload string) string {
	s.t.Helper()
	_, err := s.client.Write(encodeRSP(payload))
	require.NoError(s.t, err)
	ack, reply, err := readReply(s.r)
	require.NoError(s.t, err)
	require.True(s.t, ack, "expected ack for %q", payload)
	return reply
}
