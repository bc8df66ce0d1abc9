package bridge

import (
	"io"

	"github.com/rspbridge/rspbridge/internal/gdbstub"
)

// buildTables snapshots the registry and wires the engine callbacks to the
// target and the transport. The tables are not touched again until the next
// enable cycle.
func (b *Bridge) buildTables(tr Transport) (*gdbstub.IOInterface, *gdbstub.Interface) {
	regs := b.registry.Registers()
	engRegs := make([]gdbstub.Register, len(regs))
	widths := make([]int, len(regs))
	for i, r := range regs {
		engRegs[i] = gdbstub.Register{Name: r.Name, Bits: uint32(r.Bits), Type: r.Category.engineType()}
		widths[i] = int(r.Bits / 8)
	}

	cmds := b.registry.Commands()
	engCmds := make([]gdbstub.Command, len(cmds))
	for i, c := range cmds {
		name := c.Name
		engCmds[i] = gdbstub.Command{
			Name:        c.Name,
			Description: c.Description,
			Run: func(args string, out io.Writer) gdbstub.Status {
				fn, ok := b.registry.LookupCommand(name)
				if !ok {
					b.logger.Error("command callback not found", "command", name)
					return gdbstub.StatusInternalError
				}
				b.DebugPrintf("monitor %s %q", name, args)
				return statusOf(fn(b, out, args))
			},
		}
	}

	ifc := &gdbstub.Interface{
		Arch:      b.arch.engineArch(),
		Registers: engRegs,
		Commands:  engCmds,
		Allocate: func(size int) []byte {
			if size <= 0 {
				return nil
			}
			return make([]byte, size)
		},
		Free: func([]byte) {},
		State: func() gdbstub.TargetState {
			return b.target.Status().engineState()
		},
		Stop:     func() gdbstub.Status { return statusOf(b.target.StopExecution()) },
		Restart:  func() gdbstub.Status { return statusOf(b.target.RestartExecution()) },
		Kill:     func() gdbstub.Status { return statusOf(b.target.KillExecution()) },
		Step:     func() gdbstub.Status { return statusOf(b.target.SingleStepExecution()) },
		Continue: func() gdbstub.Status { return statusOf(b.target.ContinueExecution()) },
		ReadMem: func(addr uint64, dst []byte) gdbstub.Status {
			return statusOf(b.target.ReadMem(addr, dst))
		},
		WriteMem: func(addr uint64, src []byte) gdbstub.Status {
			return statusOf(b.target.WriteMem(addr, src))
		},
		ReadRegs: func(ids []int, dst []byte) gdbstub.Status {
			off := 0
			for _, id := range ids {
				if id < 0 || id >= len(widths) || off+widths[id] > len(dst) {
					return gdbstub.StatusInvalidParameter
				}
				if err := b.target.ReadRegister(RegisterID(id), dst[off:off+widths[id]]); err != nil {
					return statusOf(err)
				}
				off += widths[id]
			}
			return gdbstub.StatusSuccess
		},
		WriteRegs: func(ids []int, src []byte) gdbstub.Status {
			off := 0
			for _, id := range ids {
				if id < 0 || id >= len(widths) || off+widths[id] > len(src) {
					return gdbstub.StatusInvalidParameter
				}
				if err := b.target.WriteRegister(RegisterID(id), src[off:off+widths[id]]); err != nil {
					return statusOf(err)
				}
				off += widths[id]
			}
			return gdbstub.StatusSuccess
		},
		SetTracepoint: func(addr uint64, typ gdbstub.TracepointType, action gdbstub.TracepointAction) gdbstub.Status {
			return statusOf(b.target.CreateTracepoint(addr, tracepointFromEngine(typ), actionFromEngine(action)))
		},
		ClearTracepoint: func(addr uint64) gdbstub.Status {
			return statusOf(b.target.ClearTracepoint(addr))
		},
		MonitorCommand: func(cmd string, _ io.Writer) gdbstub.Status {
			return statusOf(b.target.InvalidCommand(cmd))
		},
		PacketReceived: func(pkt []byte) {
			b.target.PacketReceived(string(pkt))
		},
		Lock:   b.mu.Lock,
		Unlock: b.mu.Unlock,
		// Called with mu held.
		ShutdownRequested: func() bool { return b.shutdownRequested },
		ShutdownCompleted: b.markShutdownCompleted,
	}

	ioTable := &gdbstub.IOInterface{
		Peek: tr.Peek,
		Read: func(p []byte) (int, gdbstub.Status) {
			n, err := tr.Read(p)
			return n, statusOf(err)
		},
		Write: func(p []byte) gdbstub.Status { return statusOf(tr.Write(p)) },
		Poll:  func() gdbstub.Status { return statusOf(tr.Poll()) },
	}
	return ioTable, ifc
}
