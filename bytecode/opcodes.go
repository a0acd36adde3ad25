package bytecode

import "fmt"

// Opcode is a stack VM instruction.
// Opcodes are grouped into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Stack (0x00-0x0F)
	// ========================================================================

	OpNop   Opcode = 0x00
	OpPop   Opcode = 0x01 // discard top
	OpDup   Opcode = 0x02 // a -> a a
	OpDup2  Opcode = 0x03 // a b -> a b a b
	OpSwap  Opcode = 0x04 // a b -> b a
	OpConst Opcode = 0x05 // push constant: CONST <index:u16>
	OpNil   Opcode = 0x06
	OpTrue  Opcode = 0x07
	OpFalse Opcode = 0x08

	// ========================================================================
	// Arithmetic (0x10-0x17)
	// ========================================================================

	OpAdd Opcode = 0x10 // numbers add, strings concatenate
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpMod Opcode = 0x14
	OpNeg Opcode = 0x15

	// ========================================================================
	// Comparison (0x18-0x1F)
	// ========================================================================

	OpEq Opcode = 0x18
	OpNe Opcode = 0x19
	OpLt Opcode = 0x1A
	OpLe Opcode = 0x1B
	OpGt Opcode = 0x1C
	OpGe Opcode = 0x1D

	// ========================================================================
	// Logic (0x20-0x27)
	// ========================================================================

	OpNot Opcode = 0x20
	OpAnd Opcode = 0x21 // pops two, pushes the first falsey operand or the second
	OpOr  Opcode = 0x22 // pops two, pushes the first truthy operand or the second

	// ========================================================================
	// Variables (0x28-0x37)
	// ========================================================================

	OpGetLocal     Opcode = 0x28 // GET_LOCAL <slot:u8>
	OpSetLocal     Opcode = 0x29 // pop into local: SET_LOCAL <slot:u8>
	OpGetGlobal    Opcode = 0x2A // GET_GLOBAL <name:u16>, missing name is an error
	OpSetGlobal    Opcode = 0x2B // pop into existing global: SET_GLOBAL <name:u16>
	OpDefineGlobal Opcode = 0x2C // pop into new or existing global: DEFINE_GLOBAL <name:u16>
	OpGetUpvalue   Opcode = 0x2D // GET_UPVALUE <index:u8>
	OpSetUpvalue   Opcode = 0x2E // pop into upvalue: SET_UPVALUE <index:u8>
	OpCloseUpvalue Opcode = 0x2F // close upvalues at or above the top slot, then pop

	// ========================================================================
	// Control flow (0x38-0x3F)
	// ========================================================================

	OpJump       Opcode = 0x38 // JUMP <offset:u16> forward
	OpJumpIf     Opcode = 0x39 // jump if top is truthy, top stays: JUMP_IF <offset:u16>
	OpJumpUnless Opcode = 0x3A // jump if top is falsey, top stays: JUMP_UNLESS <offset:u16>
	OpLoop       Opcode = 0x3B // LOOP <offset:u16> backward
	OpCall       Opcode = 0x3C // CALL <argc:u8>
	OpReturn     Opcode = 0x3D
	OpHalt       Opcode = 0x3E

	// ========================================================================
	// Closures (0x40-0x47)
	// ========================================================================

	// CLOSURE <function:u16> then one (isLocal:u8, index:u8) pair per upvalue.
	OpClosure Opcode = 0x40

	// ========================================================================
	// Collections (0x48-0x5F)
	// ========================================================================

	OpArrayNew  Opcode = 0x48 // pop count items into a new array: ARRAY_NEW <count:u16>
	OpArrayGet  Opcode = 0x49 // array index -> item
	OpArraySet  Opcode = 0x4A // array index item -> array
	OpArrayPush Opcode = 0x4B // array item -> array
	OpArrayPop  Opcode = 0x4C // array -> array item
	OpArrayLen  Opcode = 0x4D // array -> int
	OpMapNew    Opcode = 0x4E // pop count key/value pairs into a new map: MAP_NEW <count:u16>
	OpMapGet    Opcode = 0x4F // map key -> value or nil
	OpMapSet    Opcode = 0x50 // map key value -> map
	OpMapGetIC  Opcode = 0x51 // map -> value: MAP_GET_IC <key:u16> <cache:u16>
	OpMapHas    Opcode = 0x52 // map key -> bool
	OpMapDelete Opcode = 0x53 // map key -> map
	OpLen       Opcode = 0x54 // string, bytes, array, map or vector -> int
	OpCopy      Opcode = 0x55 // deep copy
	OpVectorNew Opcode = 0x56 // pop count numbers into a vector: VECTOR_NEW <count:u16>

	// ========================================================================
	// Strings (0x60-0x67)
	// ========================================================================

	OpConcat Opcode = 0x60

	// ========================================================================
	// Algebraic types (0x68-0x7F)
	// ========================================================================

	OpResultOk     Opcode = 0x68
	OpResultErr    Opcode = 0x69
	OpIsOk         Opcode = 0x6A
	OpIsErr        Opcode = 0x6B
	OpOptionSome   Opcode = 0x6C
	OpOptionNone   Opcode = 0x6D
	OpIsSome       Opcode = 0x6E
	OpIsNone       Opcode = 0x6F
	OpUnwrap       Opcode = 0x70 // Ok or Some -> inner; Err or None is an error
	OpUnwrapOr     Opcode = 0x71 // wrapped default -> inner or default
	OpStructNew    Opcode = 0x72 // pop count (name, value) pairs: STRUCT_NEW <type:u16> <count:u8>
	OpStructGet    Opcode = 0x73 // STRUCT_GET <field:u16>
	OpStructSet    Opcode = 0x74 // struct value -> struct: STRUCT_SET <field:u16>
	OpStructGetIdx Opcode = 0x75 // STRUCT_GET_INDEX <index:u8>
	OpEnumNew      Opcode = 0x76 // ENUM_NEW <type:u16> <variant:u16> <payload:u8>
	OpEnumIs       Opcode = 0x77 // enum -> bool: ENUM_IS <variant:u16>
	OpEnumPayload  Opcode = 0x78

	// ========================================================================
	// Actors (0x80-0x8F)
	// ========================================================================

	OpSpawn          Opcode = 0x80 // callee args... -> pid: SPAWN <argc:u8>
	OpSend           Opcode = 0x81 // pid value -> bool
	OpReceive        Opcode = 0x82 // -> value, suspends while the mailbox is empty
	OpReceiveTimeout Opcode = 0x83 // millis -> Some(value) or None
	OpSelf           Opcode = 0x84
	OpYield          Opcode = 0x85

	// ========================================================================
	// Built-ins (0x90-0x9F)
	// ========================================================================

	OpToolCall  Opcode = 0x90 // TOOL_CALL <tool:u16> <argc:u8>
	OpInfer     Opcode = 0x91 // prompt -> result
	OpMemoryGet Opcode = 0x92 // key -> value
	OpMemorySet Opcode = 0x93 // key value -> nil
	OpHostCall  Opcode = 0x94 // HOST_CALL <name:u16> <argc:u8>
)

// OpcodeInfo describes an opcode for disassembly and validation.
type OpcodeInfo struct {
	Name       string
	StackPop   int // -1 when it depends on an operand
	StackPush  int
	OperandLen int // fixed operand bytes; CLOSURE adds two per upvalue
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack
	OpNop:   {"NOP", 0, 0, 0},
	OpPop:   {"POP", 1, 0, 0},
	OpDup:   {"DUP", 1, 2, 0},
	OpDup2:  {"DUP2", 2, 4, 0},
	OpSwap:  {"SWAP", 2, 2, 0},
	OpConst: {"CONST", 0, 1, 2},
	OpNil:   {"NIL", 0, 1, 0},
	OpTrue:  {"TRUE", 0, 1, 0},
	OpFalse: {"FALSE", 0, 1, 0},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	// Comparison
	OpEq: {"EQ", 2, 1, 0},
	OpNe: {"NE", 2, 1, 0},
	OpLt: {"LT", 2, 1, 0},
	OpLe: {"LE", 2, 1, 0},
	OpGt: {"GT", 2, 1, 0},
	OpGe: {"GE", 2, 1, 0},

	// Logic
	OpNot: {"NOT", 1, 1, 0},
	OpAnd: {"AND", 2, 1, 0},
	OpOr:  {"OR", 2, 1, 0},

	// Variables
	OpGetLocal:     {"GET_LOCAL", 0, 1, 1},
	OpSetLocal:     {"SET_LOCAL", 1, 0, 1},
	OpGetGlobal:    {"GET_GLOBAL", 0, 1, 2},
	OpSetGlobal:    {"SET_GLOBAL", 1, 0, 2},
	OpDefineGlobal: {"DEFINE_GLOBAL", 1, 0, 2},
	OpGetUpvalue:   {"GET_UPVALUE", 0, 1, 1},
	OpSetUpvalue:   {"SET_UPVALUE", 1, 0, 1},
	OpCloseUpvalue: {"CLOSE_UPVALUE", 1, 0, 0},

	// Control flow
	OpJump:       {"JUMP", 0, 0, 2},
	OpJumpIf:     {"JUMP_IF", 0, 0, 2},
	OpJumpUnless: {"JUMP_UNLESS", 0, 0, 2},
	OpLoop:       {"LOOP", 0, 0, 2},
	OpCall:       {"CALL", -1, 1, 1},
	OpReturn:     {"RETURN", 1, 0, 0},
	OpHalt:       {"HALT", 0, 0, 0},

	// Closures
	OpClosure: {"CLOSURE", 0, 1, 2},

	// Collections
	OpArrayNew:  {"ARRAY_NEW", -1, 1, 2},
	OpArrayGet:  {"ARRAY_GET", 2, 1, 0},
	OpArraySet:  {"ARRAY_SET", 3, 1, 0},
	OpArrayPush: {"ARRAY_PUSH", 2, 1, 0},
	OpArrayPop:  {"ARRAY_POP", 1, 2, 0},
	OpArrayLen:  {"ARRAY_LEN", 1, 1, 0},
	OpMapNew:    {"MAP_NEW", -1, 1, 2},
	OpMapGet:    {"MAP_GET", 2, 1, 0},
	OpMapSet:    {"MAP_SET", 3, 1, 0},
	OpMapGetIC:  {"MAP_GET_IC", 1, 1, 4},
	OpMapHas:    {"MAP_HAS", 2, 1, 0},
	OpMapDelete: {"MAP_DELETE", 2, 1, 0},
	OpLen:       {"LEN", 1, 1, 0},
	OpCopy:      {"COPY", 1, 1, 0},
	OpVectorNew: {"VECTOR_NEW", -1, 1, 2},

	// Strings
	OpConcat: {"CONCAT", 2, 1, 0},

	// Algebraic types
	OpResultOk:     {"RESULT_OK", 1, 1, 0},
	OpResultErr:    {"RESULT_ERR", 1, 1, 0},
	OpIsOk:         {"IS_OK", 1, 1, 0},
	OpIsErr:        {"IS_ERR", 1, 1, 0},
	OpOptionSome:   {"OPTION_SOME", 1, 1, 0},
	OpOptionNone:   {"OPTION_NONE", 0, 1, 0},
	OpIsSome:       {"IS_SOME", 1, 1, 0},
	OpIsNone:       {"IS_NONE", 1, 1, 0},
	OpUnwrap:       {"UNWRAP", 1, 1, 0},
	OpUnwrapOr:     {"UNWRAP_OR", 2, 1, 0},
	OpStructNew:    {"STRUCT_NEW", -1, 1, 3},
	OpStructGet:    {"STRUCT_GET", 1, 1, 2},
	OpStructSet:    {"STRUCT_SET", 2, 1, 2},
	OpStructGetIdx: {"STRUCT_GET_INDEX", 1, 1, 1},
	OpEnumNew:      {"ENUM_NEW", -1, 1, 5},
	OpEnumIs:       {"ENUM_IS", 1, 1, 2},
	OpEnumPayload:  {"ENUM_PAYLOAD", 1, 1, 0},

	// Actors
	OpSpawn:          {"SPAWN", -1, 1, 1},
	OpSend:           {"SEND", 2, 1, 0},
	OpReceive:        {"RECEIVE", 0, 1, 0},
	OpReceiveTimeout: {"RECEIVE_TIMEOUT", 1, 1, 0},
	OpSelf:           {"SELF", 0, 1, 0},
	OpYield:          {"YIELD", 0, 0, 0},

	// Built-ins
	OpToolCall:  {"TOOL_CALL", -1, 1, 3},
	OpInfer:     {"INFER", 1, 1, 0},
	OpMemoryGet: {"MEMORY_GET", 1, 1, 0},
	OpMemorySet: {"MEMORY_SET", 2, 1, 0},
	OpHostCall:  {"HOST_CALL", -1, 1, 3},
}

// GetOpcodeInfo returns metadata for an opcode. Unknown opcodes get a
// placeholder name and no operands.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the fixed operand bytes of op.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// IsJump reports whether op carries a relative code offset.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpLoop
}

// AllOpcodes returns every defined opcode.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
