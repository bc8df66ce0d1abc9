package gdbstub

import (
	"encoding/xml"
	"fmt"
)

type xmlTarget struct {
	XMLName      xml.Name     `xml:"target"`
	Version      string       `xml:"version,attr"`
	Architecture string       `xml:"architecture,omitempty"`
	Features     []xmlFeature `xml:"feature"`
}

type xmlFeature struct {
	Name string   `xml:"name,attr"`
	Regs []xmlReg `xml:"reg"`
}

type xmlReg struct {
	Name    string `xml:"name,attr"`
	BitSize uint32 `xml:"bitsize,attr"`
	RegNum  int    `xml:"regnum,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Group   string `xml:"group,attr,omitempty"`
}

func regXMLType(r Register) (typ, group string) {
	switch r.Type {
	case RegTypePC, RegTypeCodePointer:
		return "code_ptr", ""
	case RegTypeStackPointer:
		return "data_ptr", ""
	case RegTypeFloat:
		switch r.Bits {
		case 32:
			return "ieee_single", "float"
		case 64:
			return "ieee_double", "float"
		}
		return "", "float"
	default:
		return "int", ""
	}
}

// buildTargetXML renders the register table as a gdb target description.
// Registers keep their table index as regnum; floating point registers go to
// the fpu feature and, on MIPS, status registers to cp0.
func buildTargetXML(arch Arch, regs []Register) ([]byte, error) {
	prefix := arch.featurePrefix()
	core := xmlFeature{Name: prefix + ".cpu"}
	if arch == ArchARM || arch == ArchX86 || arch == ArchAMD64 {
		core.Name = prefix + ".core"
	}
	cp0 := xmlFeature{Name: prefix + ".cp0"}
	fpu := xmlFeature{Name: prefix + ".fpu"}
	for i, r := range regs {
		typ, group := regXMLType(r)
		reg := xmlReg{Name: r.Name, BitSize: r.Bits, RegNum: i, Type: typ, Group: group}
		switch {
		case r.Type == RegTypeFloat:
			fpu.Regs = append(fpu.Regs, reg)
		case r.Type == RegTypeStatus && arch.isMIPS():
			cp0.Regs = append(cp0.Regs, reg)
		default:
			core.Regs = append(core.Regs, reg)
		}
	}
	t := xmlTarget{Version: "1.0", Architecture: arch.bfdName()}
	for _, f := range []xmlFeature{core, cp0, fpu} {
		if len(f.Regs) > 0 {
			t.Features = append(t.Features, f)
		}
	}
	body, err := xml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("gdbstub: render target.xml: %w", err)
	}
	out := []byte(xml.Header + `<!DOCTYPE target SYSTEM "gdb-target.dtd">` + "\n")
	return append(out, body...), nil
}
