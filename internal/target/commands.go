package target

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rspbridge/rspbridge/internal/bridge"
)

// DefineCommands registers the built-in monitor commands.
func (b *Binding) DefineCommands(reg *bridge.Registry) error {
	cmds := []struct {
		name, desc string
		fn         bridge.CommandFunc
	}{
		{"reset", "reset the CPU to its entry point", b.cmdReset},
		{"regs", "dump registers, optionally filtered by name prefix", b.cmdRegs},
		{"status", "show execution state", b.cmdStatus},
	}
	for _, c := range cmds {
		if err := reg.DefineCommand(c.name, c.desc, c.fn); err != nil {
			return fmt.Errorf("define command %s: %w", c.name, err)
		}
	}
	return nil
}

func (b *Binding) cmdReset(_ *bridge.Bridge, out io.Writer, _ string) error {
	if err := b.RestartExecution(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, "cpu reset")
	return err
}

func (b *Binding) cmdRegs(br *bridge.Bridge, out io.Writer, args string) error {
	prefix := strings.TrimSpace(args)
	buf := make([]byte, 16)
	for i, d := range br.Registry().Registers() {
		if prefix != "" && !strings.HasPrefix(d.Name, prefix) {
			continue
		}
		n := int(d.Bits / 8)
		if err := b.ReadRegister(bridge.RegisterID(i), buf[:n]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%-8s %s\n", d.Name, hex.EncodeToString(buf[:n])); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binding) cmdStatus(_ *bridge.Bridge, out io.Writer, _ string) error {
	state := "dead"
	if b.host.IsAlive() {
		state = b.Status().String()
	}
	pc := "-"
	if b.pcID != bridge.InvalidRegister {
		m := b.mappings[b.pcID]
		buf := make([]byte, m.Bits/8)
		if err := b.ReadRegister(b.pcID, buf); err == nil {
			pc = "0x" + hex.EncodeToString(buf)
		}
	}
	_, err := fmt.Fprintf(out, "state: %s\npc: %s\n", state, pc)
	return err
}
