package regvm

import (
	"context"

	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
)

func (m *VM) halt(result nanbox.Slot) vm.Status {
	nanbox.Release(m.result)
	m.result = result
	m.state = vm.StateHalted
	return vm.StatusHalt
}

func (m *VM) yield(reason vm.YieldReason) vm.Status {
	m.reason = reason
	m.state = vm.StateYielded
	return vm.StatusYield
}

// run is the dispatch loop. Units are verified on load, so operands are
// trusted to be in range.
func (m *VM) run(ctx context.Context) vm.Status {
	if err := ctx.Err(); err != nil {
		m.fail(0, &vm.Error{Kind: vm.KindRuntime, Message: err.Error(), Err: err})
		return vm.StatusError
	}
	f := &m.frames[len(m.frames)-1]
	for {
		m.heap.SafePoint()

		p := f.proto
		pc := f.pc
		if pc >= len(p.Code) {
			// Falling off the end halts main and returns nil from a function.
			if len(m.frames) == 1 && p == m.unit.Main {
				return m.halt(nanbox.Nil)
			}
			if m.leave(nanbox.Nil) {
				return vm.StatusHalt
			}
			f = &m.frames[len(m.frames)-1]
			continue
		}
		ins := p.Code[pc]
		f.pc = pc + 1
		if m.trace {
			log.Debugf("%s %04d %s", p.Name, pc, ins)
		}

		base := f.base
		a := base + ins.A()
		var err error
		switch op := ins.Op(); op {
		case OpNop:

		// Loads
		case OpMove:
			m.set(a, nanbox.Retain(m.regs[base+ins.B()]))
		case OpLoadK:
			err = m.setShared(a, p.Constants[ins.Bx()])
		case OpLoadNil:
			for i := a; i <= a+ins.B(); i++ {
				m.set(i, nanbox.Nil)
			}
		case OpLoadBool:
			m.set(a, nanbox.Bool(ins.B() != 0))
		case OpLoadInt:
			var s nanbox.Slot
			if s, err = nanbox.Int(int64(ins.SBx())); err == nil {
				m.set(a, s)
			}

		// Arithmetic, comparison and logic
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			err = m.arith(a, value.OpAdd+byte(op-OpAdd), m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpNeg:
			err = m.negate(a, m.regs[base+ins.B()])
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			err = m.compare(a, op, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpNot:
			m.set(a, nanbox.Bool(!m.regs[base+ins.B()].Truthy()))

		// Control flow
		case OpJmp:
			f.pc += ins.SBx()
		case OpJmpIf, OpJmpUnless:
			if m.regs[a].Truthy() == (op == OpJmpIf) {
				f.pc += ins.SBx()
			}
		case OpCall:
			if err = m.call(a, base+ins.B(), ins.C()); err == nil {
				f = &m.frames[len(m.frames)-1]
			}
		case OpReturn:
			result := nanbox.Nil
			if ins.B() != 0 {
				result = nanbox.Retain(m.regs[a])
			}
			if m.leave(result) {
				return vm.StatusHalt
			}
			f = &m.frames[len(m.frames)-1]
		case OpHalt:
			return m.halt(nanbox.Retain(m.regs[a]))

		// Variables and closures
		case OpGetGlobal, OpSetGlobal:
			err = m.global(op, a, p.Constants[ins.Bx()])
		case OpGetUpval:
			var s nanbox.Slot
			if s, err = m.readUpvalue(f.upvalues[ins.B()]); err == nil {
				m.set(a, s)
			}
		case OpSetUpval:
			err = m.writeUpvalue(f.upvalues[ins.B()], nanbox.Retain(m.regs[a]))
		case OpClosure:
			err = m.closure(f, a, ins.Bx())

		// Collections
		case OpNewArray:
			err = m.arrayNew(a, base+ins.B(), ins.C())
		case OpArrGet:
			err = m.arrayGet(a, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpArrSet:
			err = m.arraySet(a, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpArrPush:
			err = m.arrayPush(a, m.regs[base+ins.B()])
		case OpNewMap:
			var mp *value.Value
			if mp, err = m.heap.Map(ins.B()); err == nil {
				err = m.setValue(a, mp)
			}
		case OpMapGet:
			err = m.mapGet(a, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpMapSet:
			err = m.mapSet(a, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpMapGetK:
			err = m.mapGetCached(f, pc, a, m.regs[base+ins.B()], p.Constants[ins.C()])
		case OpLen:
			err = m.length(a, m.regs[base+ins.B()])
		case OpConcat:
			err = m.concat(a, m.regs[base+ins.B()], m.regs[base+ins.C()])

		// Actors
		case OpSpawn:
			err = m.spawn(a, base+ins.B(), ins.C())
		case OpSend:
			err = m.send(a, m.regs[base+ins.B()], m.regs[base+ins.C()])
		case OpReceive:
			var got bool
			if got, err = m.receive(a); err == nil && !got {
				f.pc = pc
				return m.yield(vm.YieldReceive)
			}
		case OpSelf:
			var s nanbox.Slot
			if s, err = nanbox.Pid(m.self); err == nil {
				m.set(a, s)
			}
		case OpYield:
			m.reductions--
			return m.yield(vm.YieldExplicit)

		default:
			err = errorf(vm.KindBytecode, "unhandled opcode %s", op)
		}

		if err != nil {
			m.fail(pc, err)
			return vm.StatusError
		}
		m.reductions--
		if m.reductions <= 0 {
			return m.yield(vm.YieldBudget)
		}
	}
}
