package gdbstub

import (
	"time"
)

const (
	// MaxPacketSize is the payload size advertised in qSupported.
	MaxPacketSize = 0x4000
	// DefaultPollInterval bounds how long an idle run loop sleeps before it
	// looks at the shutdown flag and the target state again.
	DefaultPollInterval = 5 * time.Millisecond
)

type recvState int

const (
	recvIdle recvState = iota
	recvBody
	recvChecksumHi
	recvChecksumLo
)

// Context is one protocol session. It is created per enable cycle, driven by
// Run and released with Close.
type Context struct {
	io  *IOInterface
	ifc *Interface

	// PollInterval overrides DefaultPollInterval when non-zero.
	PollInterval time.Duration

	noAck    bool
	extended bool
	// running is set after a continue until a stop reply has been sent.
	running  bool
	detached bool

	regOffsets []int
	regBytes   int
	pcReg      int
	targetXML  []byte

	rx      []byte
	state   recvState
	pkt     []byte
	csumHi  byte
	lastOut []byte
}

// New validates the callback tables and prepares a session.
func New(io *IOInterface, ifc *Interface) (*Context, error) {
	if err := io.validate(); err != nil {
		return nil, err
	}
	if err := ifc.validate(); err != nil {
		return nil, err
	}
	c := &Context{io: io, ifc: ifc, pcReg: -1}
	c.regOffsets = make([]int, len(ifc.Registers))
	for i, r := range ifc.Registers {
		c.regOffsets[i] = c.regBytes
		c.regBytes += int(r.Bits / 8)
		if r.Type == RegTypePC && c.pcReg < 0 {
			c.pcReg = i
		}
	}
	xml, err := buildTargetXML(ifc.Arch, ifc.Registers)
	if err != nil {
		return nil, err
	}
	c.targetXML = xml
	c.rx = c.alloc(MaxPacketSize)
	c.pkt = c.alloc(MaxPacketSize)[:0]
	return c, nil
}

// Close hands the session buffers back to the table's allocator.
func (c *Context) Close() {
	if c.ifc.Free != nil {
		if c.rx != nil {
			c.ifc.Free(c.rx)
		}
		if c.pkt != nil {
			c.ifc.Free(c.pkt[:cap(c.pkt)])
		}
	}
	c.rx, c.pkt = nil, nil
}

func (c *Context) alloc(n int) []byte {
	if c.ifc.Allocate != nil {
		if b := c.ifc.Allocate(n); len(b) >= n {
			return b[:n]
		}
	}
	return make([]byte, n)
}

// Run serves the session until the peer goes away, the client detaches or a
// shutdown is requested. It calls ShutdownCompleted before returning.
func (c *Context) Run() Status {
	if c.ifc.ShutdownCompleted != nil {
		defer c.ifc.ShutdownCompleted()
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		if c.shutdownRequested() || c.detached {
			return StatusSuccess
		}
		if st := c.io.Poll(); st != StatusSuccess {
			return st
		}
		n := c.io.Peek()
		if n <= 0 {
			if st := c.checkStopped(); st.Failed() {
				return st
			}
			time.Sleep(interval)
			continue
		}
		if n > len(c.rx) {
			n = len(c.rx)
		}
		got, st := c.io.Read(c.rx[:n])
		if st != StatusSuccess {
			return st
		}
		for _, b := range c.rx[:got] {
			if st := c.feed(b); st.Failed() {
				return st
			}
			if c.detached {
				break
			}
		}
	}
}

func (c *Context) shutdownRequested() bool {
	c.ifc.Lock()
	defer c.ifc.Unlock()
	return c.ifc.ShutdownRequested()
}

// checkStopped sends the pending stop reply once a continued target halts.
func (c *Context) checkStopped() Status {
	if !c.running {
		return StatusSuccess
	}
	if c.ifc.State() != TargetStateStopped {
		return StatusSuccess
	}
	c.running = false
	return c.writePacket("S05")
}

// feed advances the receive state machine by one byte.
func (c *Context) feed(b byte) Status {
	switch c.state {
	case recvIdle:
		switch b {
		case '$':
			c.pkt = c.pkt[:0]
			c.state = recvBody
		case 0x03:
			return c.interrupt()
		case '-':
			if !c.noAck && c.lastOut != nil {
				return c.io.Write(c.lastOut)
			}
		}
		// '+' and line noise are ignored.
	case recvBody:
		switch b {
		case '#':
			c.state = recvChecksumHi
		case '$':
			// Restarted packet: drop the partial one.
			c.pkt = c.pkt[:0]
		default:
			if len(c.pkt) >= cap(c.pkt) {
				c.state = recvIdle
				if !c.noAck {
					return c.io.Write([]byte{'-'})
				}
				return StatusSuccess
			}
			c.pkt = append(c.pkt, b)
		}
	case recvChecksumHi:
		c.csumHi = b
		c.state = recvChecksumLo
	case recvChecksumLo:
		c.state = recvIdle
		want, ok := parseHexByte(c.csumHi, b)
		if !ok || want != checksum(c.pkt) {
			if !c.noAck {
				return c.io.Write([]byte{'-'})
			}
			return StatusSuccess
		}
		if !c.noAck {
			if st := c.io.Write([]byte{'+'}); st != StatusSuccess {
				return st
			}
		}
		return c.handlePacket(unescape(c.pkt))
	}
	return StatusSuccess
}

func (c *Context) handlePacket(pkt []byte) Status {
	if c.ifc.PacketReceived != nil {
		c.ifc.PacketReceived(pkt)
	}
	reply, send := c.dispatch(string(pkt))
	if !send {
		return StatusSuccess
	}
	return c.writePacket(reply)
}

// interrupt handles the out-of-band break character.
func (c *Context) interrupt() Status {
	if c.ifc.State() == TargetStateRunning {
		if st := c.ifc.Stop(); st != StatusSuccess {
			return c.writePacket(errorReply(st))
		}
	}
	c.running = false
	return c.writePacket("S02")
}

// writePacket frames payload and hands it to the transport.
func (c *Context) writePacket(payload string) Status {
	out := frame(payload)
	c.lastOut = out
	return c.io.Write(out)
}
