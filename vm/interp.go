package vm

import (
	"context"
	"encoding/binary"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

// operandLen maps every byte to the fixed operand length of its opcode, or
// -1 for bytes that are not opcodes.
var operandLen = func() (t [256]int) {
	for i := range t {
		t[i] = -1
	}
	for _, op := range bytecode.AllOpcodes() {
		t[op] = op.OperandLen()
	}
	return t
}()

func u16(code []byte, at int) int { return int(binary.BigEndian.Uint16(code[at:])) }

func (vm *VM) halt() Status {
	vm.state = StateHalted
	return StatusHalt
}

func (vm *VM) yield(reason YieldReason) Status {
	vm.reason = reason
	vm.state = StateYielded
	return StatusYield
}

// run is the dispatch loop.
func (vm *VM) run(ctx context.Context) Status {
	if err := ctx.Err(); err != nil {
		vm.fail(0, &Error{Kind: KindRuntime, Message: err.Error(), Err: err})
		return StatusError
	}
	f := &vm.frames[len(vm.frames)-1]
	for {
		vm.heap.SafePoint()

		code := f.chunk.Code
		start := f.ip
		if start >= len(code) {
			// Falling off the end halts main and returns nil from a function.
			if len(vm.frames) == 1 && f.fn == nil {
				return vm.halt()
			}
			if err := vm.push(nanbox.Nil); err != nil {
				vm.fail(start, err)
				return StatusError
			}
			done, err := vm.ret()
			if err != nil {
				vm.fail(start, err)
				return StatusError
			}
			if done {
				return vm.halt()
			}
			f = &vm.frames[len(vm.frames)-1]
			continue
		}

		op := bytecode.Opcode(code[start])
		n := operandLen[op]
		if n < 0 {
			vm.fail(start, errorf(KindBytecode, "invalid opcode 0x%02X at %04X", byte(op), start))
			return StatusError
		}
		if start+1+n > len(code) {
			vm.fail(start, errorf(KindBytecode, "truncated %s at %04X", op, start))
			return StatusError
		}
		f.ip = start + 1 + n
		if vm.trace {
			log.Debugf("%04X %-16s depth=%d", start, op, len(vm.stack))
		}

		var err error
		switch op {
		case bytecode.OpNop:

		// Stack
		case bytecode.OpPop:
			var s nanbox.Slot
			if s, err = vm.pop(); err == nil {
				nanbox.Release(s)
			}
		case bytecode.OpDup:
			var s nanbox.Slot
			if s, err = vm.peek(0); err == nil {
				err = vm.push(nanbox.Retain(s))
			}
		case bytecode.OpDup2:
			var a, b nanbox.Slot
			if a, err = vm.peek(1); err == nil {
				b, _ = vm.peek(0)
				if err = vm.push(nanbox.Retain(a)); err == nil {
					err = vm.push(nanbox.Retain(b))
				}
			}
		case bytecode.OpSwap:
			if len(vm.stack)-2 < vm.floor() {
				err = errorf(KindStackUnderflow, "swap needs 2 operands")
				break
			}
			top := len(vm.stack) - 1
			vm.stack[top], vm.stack[top-1] = vm.stack[top-1], vm.stack[top]
		case bytecode.OpConst:
			k := f.chunk.Constant(u16(code, start+1))
			if k == nil {
				err = errorf(KindBytecode, "constant %d out of range", u16(code, start+1))
				break
			}
			err = vm.pushShared(k)
		case bytecode.OpNil:
			err = vm.push(nanbox.Nil)
		case bytecode.OpTrue:
			err = vm.push(nanbox.True)
		case bytecode.OpFalse:
			err = vm.push(nanbox.False)

		// Arithmetic, comparison and logic
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			err = vm.arith(value.OpAdd + byte(op-bytecode.OpAdd))
		case bytecode.OpNeg:
			err = vm.negate()
		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			err = vm.compare(op)
		case bytecode.OpNot:
			var s nanbox.Slot
			if s, err = vm.pop(); err == nil {
				truthy := s.Truthy()
				nanbox.Release(s)
				err = vm.push(nanbox.Bool(!truthy))
			}
		case bytecode.OpAnd, bytecode.OpOr:
			var x, y nanbox.Slot
			if y, x, err = vm.pop2(); err == nil {
				keep, drop := y, x
				if x.Truthy() == (op == bytecode.OpOr) {
					keep, drop = x, y
				}
				nanbox.Release(drop)
				err = vm.push(keep)
			}

		// Variables
		case bytecode.OpGetLocal:
			i := f.base + int(code[start+1])
			if i >= len(vm.stack) {
				err = errorf(KindBytecode, "local %d out of range", code[start+1])
				break
			}
			err = vm.push(nanbox.Retain(vm.stack[i]))
		case bytecode.OpSetLocal:
			var s nanbox.Slot
			if s, err = vm.pop(); err != nil {
				break
			}
			i := f.base + int(code[start+1])
			if i >= len(vm.stack) {
				nanbox.Release(s)
				err = errorf(KindBytecode, "local %d out of range", code[start+1])
				break
			}
			old := vm.stack[i]
			vm.stack[i] = s
			nanbox.Release(old)
		case bytecode.OpGetGlobal, bytecode.OpSetGlobal, bytecode.OpDefineGlobal:
			err = vm.global(op, f.chunk, u16(code, start+1))
		case bytecode.OpGetUpvalue, bytecode.OpSetUpvalue:
			i := int(code[start+1])
			if i >= len(f.upvalues) {
				err = errorf(KindBytecode, "upvalue %d out of range", i)
				break
			}
			var s nanbox.Slot
			if op == bytecode.OpGetUpvalue {
				if s, err = vm.readUpvalue(f.upvalues[i]); err == nil {
					err = vm.push(s)
				}
				break
			}
			if s, err = vm.pop(); err == nil {
				err = vm.writeUpvalue(f.upvalues[i], s)
			}
		case bytecode.OpCloseUpvalue:
			top := len(vm.stack) - 1
			if top < vm.floor() {
				err = errorf(KindStackUnderflow, "close needs an operand")
				break
			}
			vm.closeUpvalues(top)
			s, _ := vm.pop()
			nanbox.Release(s)

		// Control flow
		case bytecode.OpJump:
			f.ip += u16(code, start+1)
		case bytecode.OpJumpIf, bytecode.OpJumpUnless:
			var s nanbox.Slot
			if s, err = vm.peek(0); err == nil && s.Truthy() == (op == bytecode.OpJumpIf) {
				f.ip += u16(code, start+1)
			}
		case bytecode.OpLoop:
			f.ip -= u16(code, start+1)
			if f.ip < 0 {
				err = errorf(KindBytecode, "loop before start of code at %04X", start)
			}
		case bytecode.OpCall:
			if err = vm.call(int(code[start+1])); err == nil {
				f = &vm.frames[len(vm.frames)-1]
			}
		case bytecode.OpReturn:
			var done bool
			if done, err = vm.ret(); err == nil {
				if done {
					return vm.halt()
				}
				f = &vm.frames[len(vm.frames)-1]
			}
		case bytecode.OpHalt:
			return vm.halt()

		case bytecode.OpClosure:
			err = vm.closure(f, start)

		// Collections
		case bytecode.OpArrayNew:
			err = vm.arrayNew(u16(code, start+1))
		case bytecode.OpArrayGet:
			err = vm.arrayGet()
		case bytecode.OpArraySet:
			err = vm.arraySet()
		case bytecode.OpArrayPush:
			err = vm.arrayPush()
		case bytecode.OpArrayPop:
			err = vm.arrayPop()
		case bytecode.OpArrayLen:
			err = vm.length(value.KindArray)
		case bytecode.OpMapNew:
			err = vm.mapNew(u16(code, start+1))
		case bytecode.OpMapGet:
			err = vm.mapGet()
		case bytecode.OpMapSet:
			err = vm.mapSet()
		case bytecode.OpMapGetIC:
			err = vm.mapGetCached(f, u16(code, start+1), u16(code, start+3))
		case bytecode.OpMapHas:
			err = vm.mapHas()
		case bytecode.OpMapDelete:
			err = vm.mapDelete()
		case bytecode.OpLen:
			err = vm.length(value.KindNil)
		case bytecode.OpCopy:
			err = vm.deepCopy()
		case bytecode.OpVectorNew:
			err = vm.vectorNew(u16(code, start+1))
		case bytecode.OpConcat:
			err = vm.concat()

		// Algebraic types
		case bytecode.OpResultOk, bytecode.OpResultErr, bytecode.OpOptionSome:
			err = vm.wrap(op)
		case bytecode.OpOptionNone:
			err = vm.pushNew(value.NewNone())
		case bytecode.OpIsOk, bytecode.OpIsErr, bytecode.OpIsSome, bytecode.OpIsNone:
			err = vm.testWrapped(op)
		case bytecode.OpUnwrap:
			err = vm.unwrap()
		case bytecode.OpUnwrapOr:
			err = vm.unwrapOr()
		case bytecode.OpStructNew:
			err = vm.structNew(f.chunk, u16(code, start+1), int(code[start+3]))
		case bytecode.OpStructGet, bytecode.OpStructSet:
			err = vm.structField(op, f.chunk, u16(code, start+1))
		case bytecode.OpStructGetIdx:
			err = vm.structIndex(int(code[start+1]))
		case bytecode.OpEnumNew:
			err = vm.enumNew(f.chunk, u16(code, start+1), u16(code, start+3), code[start+5] != 0)
		case bytecode.OpEnumIs:
			err = vm.enumIs(f.chunk, u16(code, start+1))
		case bytecode.OpEnumPayload:
			err = vm.enumPayload()

		// Actors
		case bytecode.OpSpawn:
			err = vm.spawn(int(code[start+1]))
		case bytecode.OpSend:
			err = vm.send()
		case bytecode.OpReceive:
			var got bool
			if got, err = vm.receive(); err == nil && !got {
				f.ip = start
				return vm.yield(YieldReceive)
			}
		case bytecode.OpReceiveTimeout:
			var got bool
			if got, err = vm.receiveTimeout(); err == nil && !got {
				f.ip = start
				return vm.yield(YieldReceive)
			}
		case bytecode.OpSelf:
			var s nanbox.Slot
			if s, err = nanbox.Pid(vm.self); err == nil {
				err = vm.push(s)
			}
		case bytecode.OpYield:
			vm.reductions--
			return vm.yield(YieldExplicit)

		// Built-ins
		case bytecode.OpToolCall:
			err = vm.toolCall(ctx, u16(code, start+1), int(code[start+3]))
		case bytecode.OpInfer:
			err = vm.infer(ctx)
		case bytecode.OpMemoryGet:
			err = vm.memoryGet()
		case bytecode.OpMemorySet:
			err = vm.memorySet()
		case bytecode.OpHostCall:
			err = vm.hostCall(ctx, f.chunk, u16(code, start+1), int(code[start+3]))

		default:
			err = errorf(KindBytecode, "unhandled opcode %s", op)
		}

		if err != nil {
			vm.fail(start, err)
			return StatusError
		}
		vm.reductions--
		if vm.reductions <= 0 {
			return vm.yield(YieldBudget)
		}
	}
}
