package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/agim-lang/agim/value"
)

// Limits enforced while building and decoding.
const (
	MaxCodeSize  = 16 << 20
	MaxConstants = 1 << 20
)

var (
	ErrTooManyConstants = errors.New("too many constants")
	ErrJumpTooLarge     = errors.New("jump offset does not fit in 16 bits")
	ErrTooManyCaches    = errors.New("too many inline cache slots")
)

// Chunk is a unit of stack VM code. It is mutable while a code generator
// builds it and read-only once handed to a VM.
type Chunk struct {
	Code      []byte
	Lines     []uint32 // source line of every byte in Code
	Constants []*value.Value
	Caches    []InlineCache
}

// NewChunk returns an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{
		Code:  make([]byte, 0, 64),
		Lines: make([]uint32, 0, 64),
	}
}

// Upvalue describes one capture of a CLOSURE instruction.
type Upvalue struct {
	IsLocal bool  // capture a local slot of the enclosing frame
	Index   uint8 // slot, or upvalue index of the enclosing closure
}

// Write appends one raw byte.
func (c *Chunk) Write(b byte, line uint32) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// Emit appends an opcode without operands and returns its offset.
func (c *Chunk) Emit(op Opcode, line uint32) int {
	offset := len(c.Code)
	c.Write(byte(op), line)
	return offset
}

// EmitU8 appends an opcode with a one-byte operand.
func (c *Chunk) EmitU8(op Opcode, operand uint8, line uint32) int {
	offset := c.Emit(op, line)
	c.Write(operand, line)
	return offset
}

// EmitU16 appends an opcode with a big-endian two-byte operand.
func (c *Chunk) EmitU16(op Opcode, operand uint16, line uint32) int {
	offset := c.Emit(op, line)
	c.writeU16(operand, line)
	return offset
}

// EmitWithOperands appends an opcode followed by raw operand bytes.
func (c *Chunk) EmitWithOperands(op Opcode, line uint32, operands ...byte) int {
	offset := c.Emit(op, line)
	for _, b := range operands {
		c.Write(b, line)
	}
	return offset
}

func (c *Chunk) writeU16(x uint16, line uint32) {
	c.Write(byte(x>>8), line)
	c.Write(byte(x), line)
}

// AddConstant adds v to the pool and returns its index. Equal primitive and
// string constants are shared. The pool takes the reference and pins it for
// the life of the process, since constants are read by every VM running the
// chunk.
func (c *Chunk) AddConstant(v *value.Value) (uint16, error) {
	if v == nil {
		v = value.NewNil()
	}
	if dedupable(v) {
		for i, k := range c.Constants {
			if k.Kind() == v.Kind() && value.Equal(k, v) {
				v.Release()
				return uint16(i), nil
			}
		}
	}
	if len(c.Constants) > math.MaxUint16 {
		v.Release()
		return 0, ErrTooManyConstants
	}
	if s, ok := v.AsString(); ok {
		v.Release()
		v = value.Intern(s)
	} else {
		v.Saturate()
	}
	c.Constants = append(c.Constants, v)
	return uint16(len(c.Constants) - 1), nil
}

func dedupable(v *value.Value) bool {
	switch v.Kind() {
	case value.KindNil, value.KindBool, value.KindInt, value.KindPid, value.KindString:
		return true
	}
	return false
}

// Constant returns the constant at index i, or nil when out of range.
func (c *Chunk) Constant(i int) *value.Value {
	if i < 0 || i >= len(c.Constants) {
		return nil
	}
	return c.Constants[i]
}

// EmitConstant adds v to the pool and emits CONST for it.
func (c *Chunk) EmitConstant(v *value.Value, line uint32) (int, error) {
	idx, err := c.AddConstant(v)
	if err != nil {
		return 0, err
	}
	return c.EmitU16(OpConst, idx, line), nil
}

// StringConstant adds an interned string constant and returns its index.
func (c *Chunk) StringConstant(s string) (uint16, error) {
	return c.AddConstant(value.NewString(s))
}

// EmitJump emits a forward jump with a placeholder offset and returns the
// offset of the placeholder for PatchJump.
func (c *Chunk) EmitJump(op Opcode, line uint32) int {
	c.Emit(op, line)
	c.writeU16(0xFFFF, line)
	return len(c.Code) - 2
}

// PatchJump points the jump whose placeholder is at offset to the current
// end of the code.
func (c *Chunk) PatchJump(offset int) error {
	return c.PatchJumpTo(offset, len(c.Code))
}

// PatchJumpTo points the jump whose placeholder is at offset to target. The
// offset is measured from the byte after the operand.
func (c *Chunk) PatchJumpTo(offset, target int) error {
	delta := target - (offset + 2)
	if delta < 0 || delta > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrJumpTooLarge, delta)
	}
	binary.BigEndian.PutUint16(c.Code[offset:], uint16(delta))
	return nil
}

// EmitLoop emits a backward jump to loopStart.
func (c *Chunk) EmitLoop(loopStart int, line uint32) error {
	delta := len(c.Code) + 3 - loopStart
	if delta < 0 || delta > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrJumpTooLarge, delta)
	}
	c.EmitU16(OpLoop, uint16(delta), line)
	return nil
}

// AddCache allocates a new inline cache slot.
func (c *Chunk) AddCache() (uint16, error) {
	if len(c.Caches) > math.MaxUint16 {
		return 0, ErrTooManyCaches
	}
	c.Caches = append(c.Caches, InlineCache{})
	return uint16(len(c.Caches) - 1), nil
}

// EmitMapGetIC emits a cached lookup of the string key on the map at the top
// of the stack.
func (c *Chunk) EmitMapGetIC(key string, line uint32) (int, error) {
	k, err := c.StringConstant(key)
	if err != nil {
		return 0, err
	}
	slot, err := c.AddCache()
	if err != nil {
		return 0, err
	}
	offset := c.Emit(OpMapGetIC, line)
	c.writeU16(k, line)
	c.writeU16(slot, line)
	return offset, nil
}

// EmitClosure emits CLOSURE for the Function constant fn with its captures.
func (c *Chunk) EmitClosure(fn uint16, upvalues []Upvalue, line uint32) int {
	offset := c.EmitU16(OpClosure, fn, line)
	for _, u := range upvalues {
		isLocal := byte(0)
		if u.IsLocal {
			isLocal = 1
		}
		c.Write(isLocal, line)
		c.Write(u.Index, line)
	}
	return offset
}

// Line returns the source line of the byte at offset, or 0.
func (c *Chunk) Line(offset int) uint32 {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}

// InstructionLen returns the length of the instruction at offset, including
// the variable capture list of CLOSURE.
func (c *Chunk) InstructionLen(offset int) int {
	op := Opcode(c.Code[offset])
	n := 1 + op.OperandLen()
	if op == OpClosure {
		n += 2 * c.closureUpvalues(offset)
	}
	return n
}

func (c *Chunk) closureUpvalues(offset int) int {
	fn := c.Constant(int(c.readUint16(offset + 1)))
	if info, ok := fn.Function(); ok {
		return info.Upvalues
	}
	return 0
}

// InstructionCount walks the code and counts instructions.
func (c *Chunk) InstructionCount() int {
	count := 0
	for offset := 0; offset < len(c.Code); offset += c.InstructionLen(offset) {
		count++
	}
	return count
}

// cacheSlots scans the code for the highest MAP_GET_IC slot so decoded
// chunks get a cache array of the right size.
func (c *Chunk) cacheSlots() int {
	n := 0
	for offset := 0; offset < len(c.Code); {
		op := Opcode(c.Code[offset])
		if op == OpMapGetIC && offset+4 < len(c.Code) {
			n = max(n, int(c.readUint16(offset+3))+1)
		}
		if !op.Valid() {
			break
		}
		offset += c.InstructionLen(offset)
	}
	return n
}

func (c *Chunk) readUint16(offset int) uint16 {
	if offset+1 >= len(c.Code) {
		return 0
	}
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// Function is a compiled function: its chunk and calling convention.
type Function struct {
	Name     string
	Arity    int
	Locals   int
	Upvalues int
	Chunk    *Chunk
}

// NewFunction returns a function with an empty chunk.
func NewFunction(name string, arity int) *Function {
	return &Function{Name: name, Arity: arity, Chunk: NewChunk()}
}
