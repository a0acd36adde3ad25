package regvm

import "fmt"

// Register instruction format
// ===========================
//
// Every instruction is one 32-bit word with the opcode in the low byte.
//
// Format iABC:  [8-bit op][8-bit A][8-bit B][8-bit C]
//               three-address operations: R(A) = R(B) op R(C)
//
// Format iABx:  [8-bit op][8-bit A][16-bit Bx]
//               constant, global and prototype indexes
//
// Format iAsBx: [8-bit op][8-bit A][16-bit sBx]
//               jumps and small integer immediates, biased by MaxSBx

// Op is a register VM opcode.
type Op uint8

const (
	// ========================================================================
	// Loads
	// ========================================================================

	OpNop   Op = iota
	OpMove     // MOVE A B          R(A) = R(B)
	OpLoadK    // LOADK A Bx        R(A) = K(Bx)
	OpLoadNil  // LOADNIL A B       R(A)..R(A+B) = nil
	OpLoadBool // LOADBOOL A B      R(A) = B != 0
	OpLoadInt  // LOADINT A sBx     R(A) = sBx

	// ========================================================================
	// Arithmetic
	// ========================================================================

	OpAdd // ADD A B C         R(A) = R(B) + R(C)
	OpSub // SUB A B C         R(A) = R(B) - R(C)
	OpMul // MUL A B C         R(A) = R(B) * R(C)
	OpDiv // DIV A B C         R(A) = R(B) / R(C)
	OpMod // MOD A B C         R(A) = R(B) % R(C)
	OpNeg // NEG A B           R(A) = -R(B)

	// ========================================================================
	// Comparison and logic
	// ========================================================================

	OpEq  // EQ A B C          R(A) = R(B) == R(C)
	OpNe  // NE A B C          R(A) = R(B) != R(C)
	OpLt  // LT A B C          R(A) = R(B) < R(C)
	OpLe  // LE A B C          R(A) = R(B) <= R(C)
	OpGt  // GT A B C          R(A) = R(B) > R(C)
	OpGe  // GE A B C          R(A) = R(B) >= R(C)
	OpNot // NOT A B           R(A) = !R(B)

	// ========================================================================
	// Control flow
	// ========================================================================

	OpJmp       // JMP sBx           pc += sBx
	OpJmpIf     // JMPIF A sBx       if R(A) is truthy, pc += sBx
	OpJmpUnless // JMPUNLESS A sBx   if R(A) is falsey, pc += sBx
	OpCall      // CALL A B C        R(A) = R(B)(R(B+1)..R(B+C))
	OpReturn    // RETURN A B        return R(A), or nil when B is 0
	OpHalt      // HALT A            stop with R(A) as the result

	// ========================================================================
	// Variables and closures
	// ========================================================================

	OpGetGlobal // GETGLOBAL A Bx    R(A) = Globals[K(Bx)]
	OpSetGlobal // SETGLOBAL A Bx    Globals[K(Bx)] = R(A)
	OpGetUpval  // GETUPVAL A B      R(A) = Upvalue[B]
	OpSetUpval  // SETUPVAL A B      Upvalue[B] = R(A)
	OpClosure   // CLOSURE A Bx      R(A) = closure(Protos[Bx])

	// ========================================================================
	// Collections
	// ========================================================================

	OpNewArray // NEWARRAY A B C    R(A) = [R(B)..R(B+C-1)]
	OpArrGet   // ARRGET A B C      R(A) = R(B)[R(C)]
	OpArrSet   // ARRSET A B C      R(A)[R(B)] = R(C)
	OpArrPush  // ARRPUSH A B       push R(B) onto R(A)
	OpNewMap   // NEWMAP A B        R(A) = {} sized for B entries
	OpMapGet   // MAPGET A B C      R(A) = R(B)[R(C)], nil when missing
	OpMapSet   // MAPSET A B C      R(A)[R(B)] = R(C)
	OpMapGetK  // MAPGETK A B C     R(A) = R(B)[K(C)] through the site's inline cache
	OpLen      // LEN A B           R(A) = length of R(B)
	OpConcat   // CONCAT A B C      R(A) = R(B) .. R(C)

	// ========================================================================
	// Actors
	// ========================================================================

	OpSpawn   // SPAWN A B C       R(A) = spawn R(B)(R(B+1)..R(B+C))
	OpSend    // SEND A B C        R(A) = send R(C) to pid R(B)
	OpReceive // RECEIVE A         R(A) = next message, suspends while empty
	OpSelf    // SELF A            R(A) = own pid
	OpYield   // YIELD

	opCount
)

// Format is the operand layout of an opcode.
type Format uint8

const (
	FormatNone Format = iota
	FormatA
	FormatAB
	FormatABC
	FormatABx
	FormatAsBx
	FormatSBx
)

type opInfo struct {
	name   string
	format Format
}

var opTable = [opCount]opInfo{
	OpNop:      {"NOP", FormatNone},
	OpMove:     {"MOVE", FormatAB},
	OpLoadK:    {"LOADK", FormatABx},
	OpLoadNil:  {"LOADNIL", FormatAB},
	OpLoadBool: {"LOADBOOL", FormatAB},
	OpLoadInt:  {"LOADINT", FormatAsBx},

	OpAdd: {"ADD", FormatABC},
	OpSub: {"SUB", FormatABC},
	OpMul: {"MUL", FormatABC},
	OpDiv: {"DIV", FormatABC},
	OpMod: {"MOD", FormatABC},
	OpNeg: {"NEG", FormatAB},

	OpEq:  {"EQ", FormatABC},
	OpNe:  {"NE", FormatABC},
	OpLt:  {"LT", FormatABC},
	OpLe:  {"LE", FormatABC},
	OpGt:  {"GT", FormatABC},
	OpGe:  {"GE", FormatABC},
	OpNot: {"NOT", FormatAB},

	OpJmp:       {"JMP", FormatSBx},
	OpJmpIf:     {"JMPIF", FormatAsBx},
	OpJmpUnless: {"JMPUNLESS", FormatAsBx},
	OpCall:      {"CALL", FormatABC},
	OpReturn:    {"RETURN", FormatAB},
	OpHalt:      {"HALT", FormatA},

	OpGetGlobal: {"GETGLOBAL", FormatABx},
	OpSetGlobal: {"SETGLOBAL", FormatABx},
	OpGetUpval:  {"GETUPVAL", FormatAB},
	OpSetUpval:  {"SETUPVAL", FormatAB},
	OpClosure:   {"CLOSURE", FormatABx},

	OpNewArray: {"NEWARRAY", FormatABC},
	OpArrGet:   {"ARRGET", FormatABC},
	OpArrSet:   {"ARRSET", FormatABC},
	OpArrPush:  {"ARRPUSH", FormatAB},
	OpNewMap:   {"NEWMAP", FormatAB},
	OpMapGet:   {"MAPGET", FormatABC},
	OpMapSet:   {"MAPSET", FormatABC},
	OpMapGetK:  {"MAPGETK", FormatABC},
	OpLen:      {"LEN", FormatAB},
	OpConcat:   {"CONCAT", FormatABC},

	OpSpawn:   {"SPAWN", FormatABC},
	OpSend:    {"SEND", FormatABC},
	OpReceive: {"RECEIVE", FormatA},
	OpSelf:    {"SELF", FormatA},
	OpYield:   {"YIELD", FormatNone},
}

// Valid reports whether op is defined.
func (op Op) Valid() bool { return op < opCount }

func (op Op) String() string {
	if op.Valid() {
		return opTable[op].name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(op))
}

// Format returns the operand layout of op.
func (op Op) Format() Format {
	if op.Valid() {
		return opTable[op].format
	}
	return FormatNone
}

// Instruction is one encoded register VM instruction.
type Instruction uint32

const (
	posA = 8
	posB = 16
	posC = 24

	maskByte = 0xFF
	maskBx   = 0xFFFF

	// MaxBx is the largest unsigned wide operand.
	MaxBx = maskBx
	// MaxSBx is the bias of signed wide operands.
	MaxSBx = MaxBx >> 1
)

// ABC encodes an iABC instruction.
func ABC(op Op, a, b, c uint8) Instruction {
	return Instruction(op) | Instruction(a)<<posA | Instruction(b)<<posB | Instruction(c)<<posC
}

// ABx encodes an iABx instruction.
func ABx(op Op, a uint8, bx uint16) Instruction {
	return Instruction(op) | Instruction(a)<<posA | Instruction(bx)<<posB
}

// AsBx encodes an iAsBx instruction. sbx must lie within ±MaxSBx.
func AsBx(op Op, a uint8, sbx int) Instruction {
	return ABx(op, a, uint16(sbx+MaxSBx))
}

func (i Instruction) Op() Op { return Op(i & maskByte) }
func (i Instruction) A() int { return int(i>>posA) & maskByte }
func (i Instruction) B() int { return int(i>>posB) & maskByte }
func (i Instruction) C() int { return int(i>>posC) & maskByte }
func (i Instruction) Bx() int { return int(i>>posB) & maskBx }
func (i Instruction) SBx() int { return i.Bx() - MaxSBx }
func (i Instruction) Word() uint32 { return uint32(i) }

func (i Instruction) String() string {
	op := i.Op()
	switch op.Format() {
	case FormatA:
		return fmt.Sprintf("%-10s %d", op, i.A())
	case FormatAB:
		return fmt.Sprintf("%-10s %d %d", op, i.A(), i.B())
	case FormatABC:
		return fmt.Sprintf("%-10s %d %d %d", op, i.A(), i.B(), i.C())
	case FormatABx:
		return fmt.Sprintf("%-10s %d %d", op, i.A(), i.Bx())
	case FormatAsBx:
		return fmt.Sprintf("%-10s %d %+d", op, i.A(), i.SBx())
	case FormatSBx:
		return fmt.Sprintf("%-10s %+d", op, i.SBx())
	}
	return op.String()
}
