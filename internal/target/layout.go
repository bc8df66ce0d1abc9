package target

import (
	"fmt"

	"github.com/rspbridge/rspbridge/internal/bridge"
)

// Mapping ties a registry ID to host storage.
type Mapping struct {
	Category Category
	Index    int
	Bits     uint8
}

// Synthetic reports whether the register has no host storage.
func (m Mapping) Synthetic() bool { return m.Category == Synthetic }

// Layout describes where the R5900 protocol registers live on the host.
type Layout struct {
	GPR      Category
	GPRCount int
	// PC, HI and LO index into the GPR category.
	PC, HI, LO int

	// CP0 holds status, badvaddr and cause. Synthetic keeps them as local
	// shadow values.
	CP0                     Category
	Status, BadVAddr, Cause int

	// FPR is appended after the core set. Synthetic omits it.
	FPR Category
}

// R5900Layout is the host numbering used by the emulator: GPR file 0 with
// pc/hi/lo at 32..34, CP0 file 1 and FPR file 2.
func R5900Layout() Layout {
	return Layout{
		GPR:      0,
		GPRCount: 32,
		PC:       32,
		HI:       33,
		LO:       34,
		CP0:      Synthetic,
		Status:   12,
		BadVAddr: 8,
		Cause:    13,
		FPR:      2,
	}
}

type regDef struct {
	name string
	cat  bridge.RegisterCategory
	m    Mapping
}

// defineRegisters records the protocol register order in reg and returns the
// mapping indexed by RegisterID: r0..r31, status, lo, hi, badvaddr, cause,
// pc, then the floating point file.
func defineRegisters(host Host, reg *bridge.Registry, l Layout) ([]Mapping, bridge.RegisterID, error) {
	gprBits := host.RegisterBits(l.GPR)
	if gprBits <= 0 || gprBits > 128 {
		return nil, bridge.InvalidRegister, fmt.Errorf("gpr width %d: %w", gprBits, bridge.InvalidParameter)
	}
	gw := uint8(gprBits)
	gpr := func(idx int) Mapping { return Mapping{Category: l.GPR, Index: idx, Bits: gw} }
	cp0 := func(idx int) Mapping {
		if l.CP0 == Synthetic {
			return Mapping{Category: Synthetic, Bits: gw}
		}
		return Mapping{Category: l.CP0, Index: idx, Bits: gw}
	}

	var defs []regDef
	for i := 0; i < l.GPRCount; i++ {
		cat := bridge.RegisterGeneralPurpose
		switch i {
		case 29:
			cat = bridge.RegisterStackPointer
		case 31:
			cat = bridge.RegisterCodePointer
		}
		defs = append(defs, regDef{name: host.RegisterName(l.GPR, i), cat: cat, m: gpr(i)})
	}
	defs = append(defs,
		regDef{"status", bridge.RegisterStatus, cp0(l.Status)},
		regDef{"lo", bridge.RegisterGeneralPurpose, gpr(l.LO)},
		regDef{"hi", bridge.RegisterGeneralPurpose, gpr(l.HI)},
		regDef{"badvaddr", bridge.RegisterStatus, cp0(l.BadVAddr)},
		regDef{"cause", bridge.RegisterStatus, cp0(l.Cause)},
		regDef{"pc", bridge.RegisterProgramCounter, gpr(l.PC)},
	)
	if l.FPR != Synthetic {
		fw := uint8(host.RegisterBits(l.FPR))
		for i := 0; i < host.RegisterCount(l.FPR); i++ {
			defs = append(defs, regDef{
				name: host.RegisterName(l.FPR, i),
				cat:  bridge.RegisterFloatingPoint,
				m:    Mapping{Category: l.FPR, Index: i, Bits: fw},
			})
		}
	}

	mappings := make([]Mapping, 0, len(defs))
	pcID := bridge.InvalidRegister
	for _, d := range defs {
		id, err := reg.DefineRegister(d.name, d.m.Bits, d.cat)
		if err != nil {
			return nil, bridge.InvalidRegister, fmt.Errorf("define register %s: %w", d.name, err)
		}
		if int(id) != len(mappings) {
			return nil, bridge.InvalidRegister, fmt.Errorf("register %s got id %d, registry was not empty: %w", d.name, id, bridge.InvalidParameter)
		}
		mappings = append(mappings, d.m)
		if d.cat == bridge.RegisterProgramCounter {
			pcID = id
		}
	}
	return mappings, pcID, nil
}
