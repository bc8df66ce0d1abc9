package vcpu

import (
	"fmt"
	"io"

	"github.com/rspbridge/rspbridge/internal/bridge"
)

// DefineCommands registers monitor commands that inspect the CPU itself.
func (c *CPU) DefineCommands(reg *bridge.Registry) error {
	if err := reg.DefineCommand("breakpoints", "list armed breakpoints and memory checks", c.cmdBreakpoints); err != nil {
		return err
	}
	return reg.DefineCommand("why", "explain the last halt", c.cmdWhy)
}

func (c *CPU) cmdBreakpoints(_ *bridge.Bridge, out io.Writer, _ string) error {
	bps := c.Breakpoints()
	c.mu.Lock()
	checks := append([]memCheck(nil), c.memChecks...)
	c.mu.Unlock()

	if len(bps) == 0 && len(checks) == 0 {
		_, err := fmt.Fprintln(out, "no breakpoints")
		return err
	}
	for _, a := range bps {
		fmt.Fprintf(out, "break 0x%08x\n", a)
	}
	for _, m := range checks {
		fmt.Fprintf(out, "watch 0x%08x-0x%08x %s\n", m.start, m.end, m.cond)
	}
	return nil
}

func (c *CPU) cmdWhy(_ *bridge.Bridge, out io.Writer, _ string) error {
	c.mu.Lock()
	reason, cause, bad := c.reason, c.cp0[CP0Cause], c.cp0[CP0BadVAddr]
	pc := uint32(c.gpr[RegPC])
	c.mu.Unlock()

	if reason == StopException {
		_, err := fmt.Fprintf(out, "exception %d at 0x%08x (badvaddr 0x%08x)\n", (cause>>2)&0x1f, pc, bad)
		return err
	}
	_, err := fmt.Fprintf(out, "%s at 0x%08x\n", reason, pc)
	return err
}
