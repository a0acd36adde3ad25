package regvm

import (
	"errors"
	"fmt"
)

// ErrInvalidUnit wraps every verification failure.
var ErrInvalidUnit = errors.New("invalid unit")

// VerifyError locates a verification failure.
type VerifyError struct {
	Proto  string
	PC     int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s at %04d: %s", ErrInvalidUnit, e.Proto, e.PC, e.Reason)
}

func (e *VerifyError) Unwrap() error { return ErrInvalidUnit }

// Verify checks that every instruction of every prototype is well formed:
// known opcodes, register operands inside the frame window, constant,
// upvalue and prototype indexes in range, and jump targets inside the
// code. The interpreter relies on it and does not re-check operands.
func (u *Unit) Verify() error {
	if u.Main == nil {
		return &VerifyError{Proto: u.Name, Reason: "no main prototype"}
	}
	if err := u.verifyProto(u.Main, 0); err != nil {
		return err
	}
	for _, p := range u.Protos {
		if err := u.verifyProto(p, len(p.Captures)); err != nil {
			return err
		}
	}
	return nil
}

// verifyProto checks p, which runs with upvals upvalues bound.
func (u *Unit) verifyProto(p *Proto, upvals int) error {
	if p.NumRegs > MaxRegisters {
		return &VerifyError{Proto: p.Name, Reason: fmt.Sprintf("%d registers exceed %d", p.NumRegs, MaxRegisters)}
	}
	if p.Arity > p.NumRegs {
		return &VerifyError{Proto: p.Name, Reason: fmt.Sprintf("arity %d exceeds %d registers", p.Arity, p.NumRegs)}
	}
	if len(p.Lines) != len(p.Code) {
		return &VerifyError{Proto: p.Name, Reason: "line table does not match code"}
	}
	for pc, ins := range p.Code {
		if reason := u.check(p, upvals, pc, ins); reason != "" {
			return &VerifyError{Proto: p.Name, PC: pc, Reason: reason}
		}
	}
	return nil
}

func (u *Unit) check(p *Proto, upvals, pc int, ins Instruction) string {
	op := ins.Op()
	if !op.Valid() {
		return fmt.Sprintf("invalid opcode 0x%02X", uint8(op))
	}
	reg := func(rs ...int) string {
		for _, r := range rs {
			if r >= p.NumRegs {
				return fmt.Sprintf("%s register %d outside window of %d", op, r, p.NumRegs)
			}
		}
		return ""
	}
	str := func(k int) string {
		c := p.Constant(k)
		if c == nil {
			return fmt.Sprintf("%s constant %d out of range", op, k)
		}
		if !c.IsString() {
			return fmt.Sprintf("%s constant %d is %s, want string", op, k, c.Kind())
		}
		return ""
	}

	switch op.Format() {
	case FormatA, FormatAsBx, FormatABx:
		if r := reg(ins.A()); r != "" {
			return r
		}
	case FormatAB:
		if op == OpGetUpval || op == OpSetUpval || op == OpNewMap || op == OpLoadBool || op == OpReturn {
			if r := reg(ins.A()); r != "" {
				return r
			}
		} else if r := reg(ins.A(), ins.B()); r != "" {
			return r
		}
	case FormatABC:
		switch op {
		case OpCall, OpSpawn:
			if r := reg(ins.A(), ins.B()+ins.C()); r != "" {
				return r
			}
		case OpNewArray:
			if ins.C() > 0 {
				if r := reg(ins.A(), ins.B()+ins.C()-1); r != "" {
					return r
				}
			} else if r := reg(ins.A()); r != "" {
				return r
			}
		case OpMapGetK:
			if r := reg(ins.A(), ins.B()); r != "" {
				return r
			}
			return str(ins.C())
		default:
			if r := reg(ins.A(), ins.B(), ins.C()); r != "" {
				return r
			}
		}
	}

	switch op {
	case OpLoadNil:
		return reg(ins.A() + ins.B())
	case OpLoadK:
		if p.Constant(ins.Bx()) == nil {
			return fmt.Sprintf("constant %d out of range", ins.Bx())
		}
	case OpGetGlobal, OpSetGlobal:
		return str(ins.Bx())
	case OpGetUpval, OpSetUpval:
		if ins.B() >= upvals {
			return fmt.Sprintf("upvalue %d out of range", ins.B())
		}
	case OpClosure:
		target, ok := u.Proto(ins.Bx())
		if !ok {
			return fmt.Sprintf("prototype %d not in unit", ins.Bx())
		}
		for _, c := range target.Captures {
			if c.IsLocal && int(c.Index) >= p.NumRegs {
				return fmt.Sprintf("capture of register %d outside window of %d", c.Index, p.NumRegs)
			}
			if !c.IsLocal && int(c.Index) >= upvals {
				return fmt.Sprintf("capture of upvalue %d out of range", c.Index)
			}
		}
	case OpJmp, OpJmpIf, OpJmpUnless:
		if t := pc + 1 + ins.SBx(); t < 0 || t > len(p.Code) {
			return fmt.Sprintf("jump target %d outside code", t)
		}
	}
	return ""
}
