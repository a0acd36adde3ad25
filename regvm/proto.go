package regvm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/agim-lang/agim/value"
)

// Limits of the instruction encoding.
const (
	MaxRegisters = 256
	MaxConstants = math.MaxUint16 + 1
)

var (
	ErrTooManyConstants = errors.New("too many constants")
	ErrJumpTooLarge     = errors.New("jump offset does not fit in sBx")
	ErrTooManyProtos    = errors.New("too many prototypes")
)

// Capture describes one upvalue a CLOSURE instruction binds.
type Capture struct {
	IsLocal bool  // a register of the enclosing frame
	Index   uint8 // register, or upvalue index of the enclosing closure
}

// Proto is a compiled register VM function. NumRegs is the size of its
// register window; only that prefix is initialized on each call.
type Proto struct {
	Name      string
	Arity     int
	NumRegs   int
	Code      []Instruction
	Lines     []uint32
	Constants []*value.Value
	Captures  []Capture
}

// NewProto returns an empty prototype.
func NewProto(name string, arity, numRegs int) *Proto {
	return &Proto{Name: name, Arity: arity, NumRegs: max(numRegs, arity)}
}

// Emit appends ins and returns its pc.
func (p *Proto) Emit(ins Instruction, line uint32) int {
	p.Code = append(p.Code, ins)
	p.Lines = append(p.Lines, line)
	return len(p.Code) - 1
}

// EmitABC appends an iABC instruction.
func (p *Proto) EmitABC(op Op, a, b, c uint8, line uint32) int {
	return p.Emit(ABC(op, a, b, c), line)
}

// EmitABx appends an iABx instruction.
func (p *Proto) EmitABx(op Op, a uint8, bx uint16, line uint32) int {
	return p.Emit(ABx(op, a, bx), line)
}

// EmitJump appends a forward jump with a placeholder offset. Pass the
// returned pc to PatchJump once the target is known.
func (p *Proto) EmitJump(op Op, a uint8, line uint32) int {
	return p.Emit(AsBx(op, a, 0), line)
}

// PatchJump points the jump at pc to the next instruction to be emitted.
func (p *Proto) PatchJump(pc int) error {
	return p.PatchJumpTo(pc, len(p.Code))
}

// PatchJumpTo points the jump at pc to target. Offsets are relative to the
// instruction after the jump.
func (p *Proto) PatchJumpTo(pc, target int) error {
	delta := target - (pc + 1)
	if delta < -MaxSBx || delta > MaxSBx {
		return fmt.Errorf("%w: %d", ErrJumpTooLarge, delta)
	}
	ins := p.Code[pc]
	p.Code[pc] = AsBx(ins.Op(), uint8(ins.A()), delta)
	return nil
}

// EmitLoop appends a jump back to target.
func (p *Proto) EmitLoop(target int, line uint32) error {
	pc := p.Emit(AsBx(OpJmp, 0, 0), line)
	return p.PatchJumpTo(pc, target)
}

// AddConstant adds v to the pool and returns its index. Equal primitive and
// string constants are shared; the pool pins what it keeps.
func (p *Proto) AddConstant(v *value.Value) (uint16, error) {
	if v == nil {
		v = value.NewNil()
	}
	switch v.Kind() {
	case value.KindNil, value.KindBool, value.KindInt, value.KindPid, value.KindString:
		for i, k := range p.Constants {
			if k.Kind() == v.Kind() && value.Equal(k, v) {
				v.Release()
				return uint16(i), nil
			}
		}
	}
	if len(p.Constants) >= MaxConstants {
		v.Release()
		return 0, ErrTooManyConstants
	}
	if s, ok := v.AsString(); ok {
		v.Release()
		v = value.Intern(s)
	} else {
		v.Saturate()
	}
	p.Constants = append(p.Constants, v)
	return uint16(len(p.Constants) - 1), nil
}

// StringConstant adds an interned string constant.
func (p *Proto) StringConstant(s string) (uint16, error) {
	return p.AddConstant(value.NewString(s))
}

// Constant returns constant i, or nil when out of range.
func (p *Proto) Constant(i int) *value.Value {
	if i < 0 || i >= len(p.Constants) {
		return nil
	}
	return p.Constants[i]
}

// Line returns the source line of the instruction at pc, or 0.
func (p *Proto) Line(pc int) uint32 {
	if pc < 0 || pc >= len(p.Lines) {
		return 0
	}
	return p.Lines[pc]
}

// ---------------------------------------------------------------------------
// Unit
// ---------------------------------------------------------------------------

// Unit is a compiled register VM program: a main prototype and every
// function prototype, indexed by CLOSURE operands and Function values. It
// is shared read-only by every block running it.
type Unit struct {
	Name   string
	Main   *Proto
	Protos []*Proto

	refs atomic.Int32
}

// NewUnit returns a unit with an empty main prototype and one reference.
func NewUnit(name string, mainRegs int) *Unit {
	u := &Unit{Name: name, Main: NewProto("main", 0, mainRegs)}
	u.refs.Store(1)
	return u
}

// Retain adds a reference.
func (u *Unit) Retain() *Unit {
	u.refs.Add(1)
	return u
}

// Release drops a reference and reports whether it was the last.
func (u *Unit) Release() bool {
	if u.refs.Add(-1) != 0 {
		return false
	}
	u.Main = nil
	u.Protos = nil
	return true
}

// AddProto registers p and returns its index.
func (u *Unit) AddProto(p *Proto) (uint16, error) {
	if len(u.Protos) > MaxBx {
		return 0, ErrTooManyProtos
	}
	u.Protos = append(u.Protos, p)
	return uint16(len(u.Protos) - 1), nil
}

// Proto returns prototype i.
func (u *Unit) Proto(i int) (*Proto, bool) {
	if i < 0 || i >= len(u.Protos) {
		return nil, false
	}
	return u.Protos[i], true
}

// FunctionValue returns an immutable Function value for prototype i, for
// use as a constant, a global or a spawn target.
func (u *Unit) FunctionValue(i int) (*value.Value, error) {
	p, ok := u.Proto(i)
	if !ok {
		return nil, fmt.Errorf("prototype %d not in unit", i)
	}
	return value.NewFunction(value.FunctionInfo{
		Name:     p.Name,
		Arity:    p.Arity,
		Index:    i,
		Upvalues: len(p.Captures),
		Locals:   p.NumRegs,
	}), nil
}
