package gdbstub

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// dispatch handles one packet. send is false for packets that have no
// immediate reply (continue, kill, restart).
func (c *Context) dispatch(cmd string) (reply string, send bool) {
	switch {
	case cmd == "?":
		return c.haltReason(), true
	case strings.HasPrefix(cmd, "qSupported"):
		return fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;qXfer:features:read+;vContSupported+", MaxPacketSize), true
	case strings.HasPrefix(cmd, "QStartNoAckMode"):
		c.noAck = true
		return "OK", true
	case strings.HasPrefix(cmd, "qAttached"):
		return "1", true
	case strings.HasPrefix(cmd, "qOffsets"):
		return "Text=0;Data=0;Bss=0", true
	case strings.HasPrefix(cmd, "qXfer:features:read:target.xml:"):
		return c.handleQXferFeatures(cmd), true
	case strings.HasPrefix(cmd, "qRcmd,"):
		return c.handleMonitor(cmd[len("qRcmd,"):]), true
	case strings.HasPrefix(cmd, "qC"):
		return "QC1", true
	case strings.HasPrefix(cmd, "qfThreadInfo"):
		return "m1", true
	case strings.HasPrefix(cmd, "qsThreadInfo"):
		return "l", true
	case strings.HasPrefix(cmd, "H"):
		return "OK", true
	case strings.HasPrefix(cmd, "T"):
		// Single thread, always alive.
		return "OK", true
	case cmd == "g":
		return c.handleReadAllRegisters(), true
	case strings.HasPrefix(cmd, "G"):
		return c.handleWriteAllRegisters(cmd[1:]), true
	case strings.HasPrefix(cmd, "p"):
		return c.handleReadRegister(cmd[1:]), true
	case strings.HasPrefix(cmd, "P"):
		return c.handleWriteRegister(cmd[1:]), true
	case strings.HasPrefix(cmd, "m"):
		return c.handleReadMemory(cmd[1:]), true
	case strings.HasPrefix(cmd, "M"):
		return c.handleWriteMemory(cmd[1:]), true
	case strings.HasPrefix(cmd, "X"):
		return c.handleWriteBinary(cmd[1:]), true
	case strings.HasPrefix(cmd, "vCont?"):
		return "vCont;c;s", true
	case strings.HasPrefix(cmd, "vCont;c"):
		return c.cont("")
	case strings.HasPrefix(cmd, "vCont;s"):
		return c.step(""), true
	case strings.HasPrefix(cmd, "vMustReplyEmpty"):
		return "", true
	case strings.HasPrefix(cmd, "Z"):
		return c.handleInsertTracepoint(cmd[1:]), true
	case strings.HasPrefix(cmd, "z"):
		return c.handleRemoveTracepoint(cmd[1:]), true
	case strings.HasPrefix(cmd, "c"):
		return c.cont(cmd[1:])
	case strings.HasPrefix(cmd, "s"):
		return c.step(cmd[1:]), true
	case cmd == "D" || strings.HasPrefix(cmd, "D;"):
		return c.detach(), true
	case cmd == "k":
		if c.ifc.Kill != nil {
			c.ifc.Kill()
		}
		c.running = false
		return "", false
	case cmd == "!":
		c.extended = true
		return "OK", true
	case strings.HasPrefix(cmd, "R"):
		if c.ifc.Restart != nil {
			c.ifc.Restart()
		}
		c.running = false
		return "", false
	default:
		return "", true
	}
}

// haltReason answers '?'. A running target is halted first so the client
// starts from a stopped state.
func (c *Context) haltReason() string {
	if c.ifc.State() == TargetStateRunning {
		if st := c.ifc.Stop(); st != StatusSuccess {
			return errorReply(st)
		}
	}
	c.running = false
	return "S05"
}

// cont implements 'c [addr]'. The stop reply is sent later by the run loop.
func (c *Context) cont(addr string) (string, bool) {
	if addr != "" {
		if st := c.setPC(addr); st != StatusSuccess {
			return errorReply(st), true
		}
	}
	if st := c.ifc.Continue(); st != StatusSuccess {
		return errorReply(st), true
	}
	c.running = true
	return "", false
}

// step implements 's [addr]'.
func (c *Context) step(addr string) string {
	if addr != "" {
		if st := c.setPC(addr); st != StatusSuccess {
			return errorReply(st)
		}
	}
	if st := c.ifc.Step(); st != StatusSuccess {
		return errorReply(st)
	}
	return "S05"
}

func (c *Context) setPC(addrHex string) Status {
	if c.pcReg < 0 {
		return StatusNotSupported
	}
	addr, err := strconv.ParseUint(addrHex, 16, 64)
	if err != nil {
		return StatusInvalidParameter
	}
	size := int(c.ifc.Registers[c.pcReg].Bits / 8)
	buf := make([]byte, size)
	for i := 0; i < size && i < 8; i++ {
		buf[size-1-i] = byte(addr >> (8 * i))
	}
	return c.ifc.WriteRegs([]int{c.pcReg}, buf)
}

// detach implements 'D'. The target is resumed and the session ends once the
// reply is out.
func (c *Context) detach() string {
	if c.ifc.State() == TargetStateStopped {
		c.ifc.Continue()
	}
	c.running = false
	c.detached = true
	return "OK"
}

// handleQXferFeatures serves target.xml via qXfer semantics.
// Format: qXfer:features:read:target.xml:OFFSET,LENGTH
func (c *Context) handleQXferFeatures(cmd string) string {
	lastColon := strings.LastIndex(cmd, ":")
	off, ln, ok := parseAddrLen(cmd[lastColon+1:])
	if !ok {
		return "E01"
	}
	data := c.targetXML
	if off >= uint64(len(data)) {
		return "l"
	}
	end := off + ln
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	marker := "m"
	if end == uint64(len(data)) {
		marker = "l"
	}
	return marker + string(data[off:end])
}

// handleMonitor implements 'qRcmd,HEX'. Output is relayed as O packets.
func (c *Context) handleMonitor(hexCmd string) string {
	raw, err := hex.DecodeString(hexCmd)
	if err != nil {
		return "E01"
	}
	line := strings.TrimSpace(string(raw))
	name, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	var out bytes.Buffer
	st := StatusNotSupported
	switch {
	case strings.EqualFold(name, "help"):
		c.writeHelp(&out)
		st = StatusSuccess
	default:
		found := false
		for _, cmd := range c.ifc.Commands {
			if strings.EqualFold(cmd.Name, name) && cmd.Run != nil {
				st = cmd.Run(args, &out)
				found = true
				break
			}
		}
		if !found && c.ifc.MonitorCommand != nil {
			st = c.ifc.MonitorCommand(line, &out)
		}
	}
	if out.Len() > 0 {
		if wst := c.writePacket("O" + hexEncode(out.Bytes())); wst != StatusSuccess {
			return errorReply(wst)
		}
	}
	if st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}

func (c *Context) writeHelp(out *bytes.Buffer) {
	cmds := append([]Command(nil), c.ifc.Commands...)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	for _, cmd := range cmds {
		fmt.Fprintf(out, "%-12s %s\n", cmd.Name, cmd.Description)
	}
}

func (c *Context) allRegs() []int {
	ids := make([]int, len(c.ifc.Registers))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// handleReadAllRegisters implements 'g'.
func (c *Context) handleReadAllRegisters() string {
	buf := make([]byte, c.regBytes)
	if st := c.ifc.ReadRegs(c.allRegs(), buf); st != StatusSuccess {
		return errorReply(st)
	}
	return hexEncode(buf)
}

// handleWriteAllRegisters implements 'G XX...'. Registers are written one at
// a time in protocol order.
func (c *Context) handleWriteAllRegisters(body string) string {
	data, err := hex.DecodeString(body)
	if err != nil || len(data) != c.regBytes {
		return "E01"
	}
	for i, r := range c.ifc.Registers {
		off := c.regOffsets[i]
		if st := c.ifc.WriteRegs([]int{i}, data[off:off+int(r.Bits/8)]); st != StatusSuccess {
			return errorReply(st)
		}
	}
	return "OK"
}

func (c *Context) regIndex(s string) (int, bool) {
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil || n >= uint64(len(c.ifc.Registers)) {
		return 0, false
	}
	return int(n), true
}

// handleReadRegister implements 'p n'.
func (c *Context) handleReadRegister(body string) string {
	idx, ok := c.regIndex(body)
	if !ok {
		return "E01"
	}
	buf := make([]byte, c.ifc.Registers[idx].Bits/8)
	if st := c.ifc.ReadRegs([]int{idx}, buf); st != StatusSuccess {
		return errorReply(st)
	}
	return hexEncode(buf)
}

// handleWriteRegister implements 'P n=XX...'.
func (c *Context) handleWriteRegister(body string) string {
	n, val, ok := strings.Cut(body, "=")
	if !ok {
		return "E01"
	}
	idx, ok := c.regIndex(n)
	if !ok {
		return "E01"
	}
	data, err := hex.DecodeString(val)
	if err != nil || len(data) != int(c.ifc.Registers[idx].Bits/8) {
		return "E01"
	}
	if st := c.ifc.WriteRegs([]int{idx}, data); st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}

// handleReadMemory implements 'm addr,length'
func (c *Context) handleReadMemory(body string) string {
	addr, n, ok := parseAddrLen(body)
	if !ok {
		return "E01"
	}
	if n > MaxPacketSize/2 {
		n = MaxPacketSize / 2
	}
	buf := make([]byte, n)
	if st := c.ifc.ReadMem(addr, buf); st != StatusSuccess {
		return errorReply(st)
	}
	return hexEncode(buf)
}

// handleWriteMemory implements 'M addr,length:hexdata'
func (c *Context) handleWriteMemory(body string) string {
	hdr, dataHex, ok := strings.Cut(body, ":")
	if !ok {
		return "E01"
	}
	addr, n, ok := parseAddrLen(hdr)
	if !ok {
		return "E01"
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil || uint64(len(data)) != n {
		return "E02"
	}
	if st := c.ifc.WriteMem(addr, data); st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}

// handleWriteBinary implements 'X addr,length:binary'. A zero length write is
// the client probing for X support.
func (c *Context) handleWriteBinary(body string) string {
	hdr, data, ok := strings.Cut(body, ":")
	if !ok {
		return "E01"
	}
	addr, n, ok := parseAddrLen(hdr)
	if !ok || uint64(len(data)) != n {
		return "E01"
	}
	if n == 0 {
		return "OK"
	}
	if st := c.ifc.WriteMem(addr, []byte(data)); st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}

func tracepointType(kind byte) TracepointType {
	switch kind {
	case '0':
		return TracepointExecSoftware
	case '1':
		return TracepointExecHardware
	case '2':
		return TracepointMemWrite
	case '3':
		return TracepointMemRead
	case '4':
		return TracepointMemAccess
	default:
		return TracepointInvalid
	}
}

// handleInsertTracepoint implements 'Z type,addr,kind'.
func (c *Context) handleInsertTracepoint(body string) string {
	kind, addr, ok := parseTracepoint(body)
	if !ok {
		return "E01"
	}
	typ := tracepointType(kind)
	if typ == TracepointInvalid || c.ifc.SetTracepoint == nil {
		return ""
	}
	if st := c.ifc.SetTracepoint(addr, typ, TracepointActionStop); st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}

// handleRemoveTracepoint implements 'z type,addr,kind'.
func (c *Context) handleRemoveTracepoint(body string) string {
	kind, addr, ok := parseTracepoint(body)
	if !ok {
		return "E01"
	}
	if tracepointType(kind) == TracepointInvalid || c.ifc.ClearTracepoint == nil {
		return ""
	}
	if st := c.ifc.ClearTracepoint(addr); st != StatusSuccess {
		return errorReply(st)
	}
	return "OK"
}
