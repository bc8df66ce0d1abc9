package vcpu

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rspbridge/rspbridge/internal/bridge"
	"github.com/rspbridge/rspbridge/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildELF emits a one-segment ELF32 executable.
func buildELF(t *testing.T, machine elf.Machine, vaddr, entry uint32, code []byte, memsz uint32) []byte {
	t.Helper()
	const ehsize, phsize = 52, 32
	var buf bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
		Shentsize: 40,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    ehsize + phsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint32(len(code)),
		Memsz:  memsz,
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  4,
	}))
	buf.Write(code)
	return buf.Bytes()
}

func TestParseImage_Raw(t *testing.T) {
	im, err := ParseImage([]byte{1, 2, 3}, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), im.Entry)
	require.Len(t, im.Segments, 1)
	assert.Equal(t, []byte{1, 2, 3}, im.Segments[0].Data)

	_, err = ParseImage([]byte{1}, 0x102)
	assert.Error(t, err)
}

func TestParseImage_ELF(t *testing.T) {
	code := program(itype(opADDIU, 0, 1, 42))
	im, err := ParseImage(buildELF(t, elf.EM_MIPS, 0x80002000, 0x80002000, code, 0x100), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80002000), im.Entry)
	require.Len(t, im.Segments, 1)
	assert.Equal(t, code, im.Segments[0].Data)
	assert.Equal(t, uint32(0x100), im.Segments[0].MemSize)

	c, err := New(Config{MemSize: 0x10000, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	require.NoError(t, c.Load(im))
	assert.Equal(t, uint32(0x80002000), pc(c))
	c.Step()
	assert.Equal(t, uint64(42), reg(c, CategoryGPR, 1))

	_, err = ParseImage(buildELF(t, elf.EM_ARM, 0x2000, 0x2000, code, 4), 0)
	assert.Error(t, err)
}

func TestLoad_RejectsOversizedImage(t *testing.T) {
	c := newCPU(t)
	err := c.Load(&Image{Segments: []Segment{{Addr: 0xfff0, MemSize: 0x20}}})
	assert.Error(t, err)
}

func TestLoad_EntryOverride(t *testing.T) {
	c, err := New(Config{MemSize: 0x10000, LoadAddr: 0x1000, Entry: 0x1010})
	require.NoError(t, err)
	require.NoError(t, c.LoadBytes(make([]byte, 32)))
	assert.Equal(t, uint32(0x1010), pc(c))
}

func TestImageWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.bin")
	require.NoError(t, os.WriteFile(path, program(itype(opADDIU, 0, 1, 1)), 0o644))

	c := newCPU(t)
	iw, err := WatchImage(c, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}
	defer iw.Close()

	require.NoError(t, os.WriteFile(path, program(itype(opADDIU, 0, 1, 9)), 0o644))
	deadline := time.After(3 * time.Second)
	for c.Read8(base) != 9 {
		select {
		case err := <-iw.Reloaded():
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("timeout waiting for image reload")
		}
	}
	assert.Equal(t, uint32(base), pc(c))
	assert.True(t, c.IsPaused())
}

// The CPU is a complete host for the target binding.
func TestBinding_OverCPU(t *testing.T) {
	c := newCPU(t,
		itype(opADDIU, 1, 1, 1),
		jtype(opJ, base),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := c.Start(ctx)
	defer func() {
		cancel()
		<-done
	}()

	l := target.R5900Layout()
	l.CP0 = CategoryCP0
	registry := bridge.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	b, err := target.NewBinding(c, registry, target.Options{Layout: l, WaitTimeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "r31", registry.RegisterName(31))
	assert.Equal(t, "f0", registry.RegisterName(38))

	require.NoError(t, b.SingleStepExecution())
	assert.Equal(t, uint64(1), reg(c, CategoryGPR, 1))

	require.NoError(t, b.CreateTracepoint(base+4, bridge.TracepointExecSoftware, bridge.ActionStop))
	require.NoError(t, b.ContinueExecution())
	require.Eventually(t, func() bool { return b.Status() == bridge.ProcessStopped }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StopBreakpoint, c.Reason())

	pcBuf := make([]byte, 4)
	require.NoError(t, b.ReadRegister(37, pcBuf))
	assert.Equal(t, []byte{0, 0, 0x10, 0x04}, pcBuf)

	status := make([]byte, 4)
	require.NoError(t, b.ReadRegister(32, status))
	assert.Equal(t, []byte{0x70, 0x40, 0x00, 0x04}, status)

	require.NoError(t, b.ClearTracepoint(base+4))
	require.NoError(t, b.ContinueExecution())
	require.NoError(t, b.StopExecution())
	assert.Equal(t, StopPause, c.Reason())

	require.NoError(t, b.WriteMem(0x3000, []byte{0xaa}))
	assert.Equal(t, byte(0xaa), c.Read8(0x3000))
	assert.Equal(t, bridge.InvalidParameter, bridge.ResultOf(b.ReadMem(0xffff, make([]byte, 2))))
}
