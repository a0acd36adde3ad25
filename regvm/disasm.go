package regvm

import (
	"fmt"
	"strings"
)

// Disassemble returns a listing of every prototype in the unit.
func (u *Unit) Disassemble() string {
	var sb strings.Builder
	sb.WriteString("; Agim register unit")
	if u.Name != "" {
		sb.WriteString(": " + u.Name)
	}
	sb.WriteString("\n\n")
	sb.WriteString(u.Main.Disassemble())
	for i, p := range u.Protos {
		sb.WriteString(fmt.Sprintf("\n; Proto %d\n", i))
		sb.WriteString(p.Disassemble())
	}
	return sb.String()
}

// Disassemble returns a listing of the prototype.
func (p *Proto) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; === %s === arity %d, %d registers, %d instructions\n",
		p.Name, p.Arity, p.NumRegs, len(p.Code)))
	if len(p.Captures) > 0 {
		sb.WriteString("; Captures:")
		for _, c := range p.Captures {
			if c.IsLocal {
				sb.WriteString(fmt.Sprintf(" r%d", c.Index))
			} else {
				sb.WriteString(fmt.Sprintf(" u%d", c.Index))
			}
		}
		sb.WriteString("\n")
	}
	if len(p.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range p.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, k))
		}
	}
	sb.WriteString("; Code:\n")
	prevLine := uint32(0)
	for pc, ins := range p.Code {
		text := ins.String() + p.annotate(pc, ins)
		if line := p.Line(pc); line != 0 && line != prevLine {
			sb.WriteString(fmt.Sprintf("%04d  %-36s ; line %d\n", pc, text, line))
			prevLine = line
		} else {
			sb.WriteString(fmt.Sprintf("%04d  %s\n", pc, text))
		}
	}
	return sb.String()
}

// annotate resolves the constant or jump target an instruction refers to.
func (p *Proto) annotate(pc int, ins Instruction) string {
	switch ins.Op() {
	case OpLoadK, OpGetGlobal, OpSetGlobal:
		if k := p.Constant(ins.Bx()); k != nil {
			return fmt.Sprintf("    ; %s", k)
		}
	case OpMapGetK:
		if k := p.Constant(ins.C()); k != nil {
			return fmt.Sprintf("  ; .%s", k)
		}
	case OpJmp, OpJmpIf, OpJmpUnless:
		return fmt.Sprintf("  ; -> %04d", pc+1+ins.SBx())
	}
	return ""
}
