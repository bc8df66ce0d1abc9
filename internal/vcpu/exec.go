package vcpu

// Primary opcodes.
const (
	opSpecial = 0x00
	opJ       = 0x02
	opJAL     = 0x03
	opBEQ     = 0x04
	opBNE     = 0x05
	opADDIU   = 0x09
	opANDI    = 0x0c
	opORI     = 0x0d
	opLUI     = 0x0f
	opLB      = 0x20
	opLW      = 0x23
	opLBU     = 0x24
	opSB      = 0x28
	opSW      = 0x2b
)

// SPECIAL function codes.
const (
	fnSLL   = 0x00
	fnSRL   = 0x02
	fnJR    = 0x08
	fnJALR  = 0x09
	fnBREAK = 0x0d
	fnMFHI  = 0x10
	fnMTHI  = 0x11
	fnMFLO  = 0x12
	fnMTLO  = 0x13
	fnMULTU = 0x19
	fnADDU  = 0x21
	fnSUBU  = 0x23
	fnAND   = 0x24
	fnOR    = 0x25
	fnXOR   = 0x26
)

// raise records an exception and halts with pc on the faulting instruction.
func (c *CPU) raise(code int, badVAddr uint32) {
	c.cp0[CP0Cause] = uint32(code) << 2
	if code == ExcAddressLoad || code == ExcAddressStore {
		c.cp0[CP0BadVAddr] = badVAddr
	}
	c.cp0[CP0Status] |= statusEXL
	if code == ExcBreakpoint {
		c.haltLocked(StopBreak)
		return
	}
	c.haltLocked(StopException)
}

func (c *CPU) setGPR(r uint32, v uint64) {
	if r != 0 {
		c.gpr[r] = v
	}
}

// exec runs the instruction at pc. Branches and jumps take effect
// immediately; there are no delay slots.
func (c *CPU) exec(pc uint32) {
	ins, ok := c.load32Fetch(pc)
	if !ok {
		return
	}
	var (
		op   = ins >> 26
		rs   = (ins >> 21) & 0x1f
		rt   = (ins >> 16) & 0x1f
		rd   = (ins >> 11) & 0x1f
		sa   = (ins >> 6) & 0x1f
		imm  = ins & 0xffff
		simm = uint32(int32(int16(imm)))
		next = pc + 4
	)
	vs, vt := c.gpr[rs], c.gpr[rt]

	switch op {
	case opSpecial:
		switch ins & 0x3f {
		case fnSLL:
			c.setGPR(rd, sext32(uint32(vt)<<sa))
		case fnSRL:
			c.setGPR(rd, sext32(uint32(vt)>>sa))
		case fnJR:
			next = uint32(vs)
		case fnJALR:
			c.setGPR(rd, uint64(next))
			next = uint32(vs)
		case fnBREAK:
			c.gpr[RegPC] = uint64(next)
			c.raise(ExcBreakpoint, 0)
			return
		case fnMFHI:
			c.setGPR(rd, c.gpr[RegHI])
		case fnMTHI:
			c.gpr[RegHI] = vs
		case fnMFLO:
			c.setGPR(rd, c.gpr[RegLO])
		case fnMTLO:
			c.gpr[RegLO] = vs
		case fnMULTU:
			p := uint64(uint32(vs)) * uint64(uint32(vt))
			c.gpr[RegLO] = sext32(uint32(p))
			c.gpr[RegHI] = sext32(uint32(p >> 32))
		case fnADDU:
			c.setGPR(rd, sext32(uint32(vs)+uint32(vt)))
		case fnSUBU:
			c.setGPR(rd, sext32(uint32(vs)-uint32(vt)))
		case fnAND:
			c.setGPR(rd, vs&vt)
		case fnOR:
			c.setGPR(rd, vs|vt)
		case fnXOR:
			c.setGPR(rd, vs^vt)
		default:
			c.raise(ExcReserved, 0)
			return
		}
	case opJ:
		next = (pc+4)&0xf0000000 | (ins&0x03ffffff)<<2
	case opJAL:
		c.gpr[31] = uint64(next)
		next = (pc+4)&0xf0000000 | (ins&0x03ffffff)<<2
	case opBEQ:
		if vs == vt {
			next = pc + 4 + simm<<2
		}
	case opBNE:
		if vs != vt {
			next = pc + 4 + simm<<2
		}
	case opADDIU:
		c.setGPR(rt, sext32(uint32(vs)+simm))
	case opANDI:
		c.setGPR(rt, vs&uint64(imm))
	case opORI:
		c.setGPR(rt, vs|uint64(imm))
	case opLUI:
		c.setGPR(rt, sext32(imm<<16))
	case opLW:
		v, ok := c.load32(uint32(vs) + simm)
		if !ok {
			return
		}
		c.setGPR(rt, sext32(v))
	case opLB:
		v, ok := c.load8(uint32(vs) + simm)
		if !ok {
			return
		}
		c.setGPR(rt, uint64(int64(int8(v))))
	case opLBU:
		v, ok := c.load8(uint32(vs) + simm)
		if !ok {
			return
		}
		c.setGPR(rt, uint64(v))
	case opSW:
		if !c.store32(uint32(vs)+simm, uint32(vt)) {
			return
		}
	case opSB:
		if !c.store8(uint32(vs)+simm, byte(vt)) {
			return
		}
	default:
		c.raise(ExcReserved, 0)
		return
	}
	c.gpr[RegPC] = sext32(next)
}

// load32Fetch reads an instruction word. Fetches never trigger memory
// checks.
func (c *CPU) load32Fetch(pc uint32) (uint32, bool) {
	p, ok := c.phys(uint64(pc))
	if !aligned(pc, 4) || !ok || uint64(p)+4 > uint64(len(c.mem)) {
		c.raise(ExcAddressLoad, pc)
		return 0, false
	}
	return uint32(c.mem[p]) | uint32(c.mem[p+1])<<8 | uint32(c.mem[p+2])<<16 | uint32(c.mem[p+3])<<24, true
}
