package vcpu

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/rspbridge/rspbridge/internal/target"
	"golang.org/x/exp/constraints"
)

const (
	pageSize = 0x1000
	// kseg0 and kseg1 mirror the low 512 MiB of physical memory.
	physMask = 0x1fffffff
)

// Align rounds a up to a multiple of b, which must be a power of two.
func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func aligned[I constraints.Integer](a, b I) bool {
	return a&(b-1) == 0
}

// Segment is one loadable region of an image.
type Segment struct {
	Addr uint32
	Data []byte
	// MemSize may exceed len(Data); the remainder is zero filled.
	MemSize uint32
}

// Image is a program ready to be copied into memory.
type Image struct {
	Entry    uint32
	Segments []Segment
}

func (im *Image) copyTo(mem []byte) {
	for _, s := range im.Segments {
		p := s.Addr & physMask
		copy(mem[p:], s.Data)
	}
}

func (im *Image) fits(memSize int) error {
	for _, s := range im.Segments {
		end := uint64(s.Addr&physMask) + uint64(max(s.MemSize, uint32(len(s.Data))))
		if end > uint64(memSize) {
			return fmt.Errorf("segment %#08x+%#x exceeds memory size %#x", s.Addr, s.MemSize, memSize)
		}
	}
	return nil
}

// ParseImage accepts a little-endian MIPS ELF executable or a raw binary,
// which is placed at loadAddr with its entry at loadAddr.
func ParseImage(data []byte, loadAddr uint32) (*Image, error) {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return parseELF(data)
	}
	if !aligned(loadAddr, 4) {
		return nil, fmt.Errorf("load address %#08x is not word aligned", loadAddr)
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Image{
		Entry:    loadAddr,
		Segments: []Segment{{Addr: loadAddr, Data: raw, MemSize: uint32(len(raw))}},
	}, nil
}

func parseELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer f.Close()
	if f.Machine != elf.EM_MIPS {
		return nil, fmt.Errorf("elf machine %s is not MIPS", f.Machine)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, errors.New("elf is not little endian")
	}
	if f.Entry > math.MaxUint32 {
		return nil, fmt.Errorf("elf entry %#x outside 32-bit space", f.Entry)
	}
	im := &Image{Entry: uint32(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), buf); err != nil {
			return nil, fmt.Errorf("read segment at %#x: %w", p.Vaddr, err)
		}
		im.Segments = append(im.Segments, Segment{Addr: uint32(p.Vaddr), Data: buf, MemSize: uint32(p.Memsz)})
	}
	if len(im.Segments) == 0 {
		return nil, errors.New("elf has no loadable segments")
	}
	return im, nil
}

// Load installs im, resets the CPU and pauses it at the image entry unless
// the configuration fixes one.
func (c *CPU) Load(im *Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := im.fits(len(c.mem)); err != nil {
		return err
	}
	c.image = im
	c.entry = c.cfg.Entry
	if c.entry == 0 {
		c.entry = im.Entry
	}
	c.paused = true
	c.resetLocked()
	c.logger.Info("image loaded", "entry", fmt.Sprintf("%#08x", c.entry), "segments", len(im.Segments))
	c.signalLocked()
	return nil
}

// LoadBytes parses data with ParseImage and loads it.
func (c *CPU) LoadBytes(data []byte) error {
	im, err := ParseImage(data, c.cfg.LoadAddr)
	if err != nil {
		return err
	}
	return c.Load(im)
}

func (c *CPU) phys(addr uint64) (uint32, bool) {
	if addr > math.MaxUint32 {
		return 0, false
	}
	p := uint32(addr) & physMask
	return p, uint64(p) < uint64(len(c.mem))
}

// IsValidAddress reports whether addr maps into RAM.
func (c *CPU) IsValidAddress(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.phys(addr)
	return ok
}

// Read8 returns zero for invalid addresses.
func (c *CPU) Read8(addr uint64) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.phys(addr)
	if !ok {
		return 0
	}
	return c.mem[p]
}

// Write8 stores one byte without raising exceptions or memchecks.
func (c *CPU) Write8(addr uint64, v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phys(addr); ok {
		c.mem[p] = v
	}
}

// access resolves a size-byte data access at addr, raising an address error
// when it is misaligned or unmapped.
func (c *CPU) access(addr, size uint32, cond target.MemCheckCondition) (uint32, bool) {
	exc := ExcAddressLoad
	if cond == target.MemCheckWrite {
		exc = ExcAddressStore
	}
	if !aligned(addr, size) {
		c.raise(exc, addr)
		return 0, false
	}
	p, ok := c.phys(uint64(addr))
	if !ok || uint64(p)+uint64(size) > uint64(len(c.mem)) {
		c.raise(exc, addr)
		return 0, false
	}
	c.checkWatch(addr, size, cond)
	return p, true
}

func (c *CPU) load32(addr uint32) (uint32, bool) {
	p, ok := c.access(addr, 4, target.MemCheckRead)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(c.mem[p:]), true
}

func (c *CPU) load8(addr uint32) (byte, bool) {
	p, ok := c.access(addr, 1, target.MemCheckRead)
	if !ok {
		return 0, false
	}
	return c.mem[p], true
}

func (c *CPU) store32(addr, v uint32) bool {
	p, ok := c.access(addr, 4, target.MemCheckWrite)
	if ok {
		binary.LittleEndian.PutUint32(c.mem[p:], v)
	}
	return ok
}

func (c *CPU) store8(addr uint32, v byte) bool {
	p, ok := c.access(addr, 1, target.MemCheckWrite)
	if ok {
		c.mem[p] = v
	}
	return ok
}
