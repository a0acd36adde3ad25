package main

import (
	"fmt"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/value"
)

// Built-in sample programs, so the runtime can be exercised without the
// language front end.
var samples = map[string]string{
	"fib":   "recursive fibonacci of -n through a global function",
	"ping":  "spawns a block that doubles -n and replies with it",
	"count": "counts -n down to zero, yielding as the budget runs out",
}

// sample builds the named sample for an engine: a *bytecode.Bytecode for
// "stack" or a *regvm.Unit for "register".
func sample(name, engine string, n int) (any, error) {
	if _, ok := samples[name]; !ok {
		return nil, fmt.Errorf("unknown sample %q", name)
	}
	if engine == "register" {
		return registerSample(name, n)
	}
	return stackSample(name, n)
}

// stackAsm emits into a chunk, keeping the first error.
type stackAsm struct {
	c    *bytecode.Chunk
	line uint32
	err  error
}

func (a *stackAsm) op(op bytecode.Opcode) { a.c.Emit(op, a.line) }

func (a *stackAsm) u8(op bytecode.Opcode, x uint8) { a.c.EmitU8(op, x, a.line) }

func (a *stackAsm) u16(op bytecode.Opcode, x uint16) { a.c.EmitU16(op, x, a.line) }

func (a *stackAsm) push(i int64) {
	if a.err == nil {
		_, a.err = a.c.EmitConstant(value.NewInt(i), a.line)
	}
}

func (a *stackAsm) name(s string) uint16 {
	i, err := a.c.StringConstant(s)
	if a.err == nil {
		a.err = err
	}
	return i
}

func (a *stackAsm) function(b *bytecode.Bytecode, fn *bytecode.Function) uint16 {
	idx := b.AddFunction(fn)
	k, err := a.c.AddConstant(value.NewFunction(value.FunctionInfo{
		Name:  fn.Name,
		Arity: fn.Arity,
		Index: idx,
	}))
	if a.err == nil {
		a.err = err
	}
	return k
}

func (a *stackAsm) patch(at int) {
	if err := a.c.PatchJump(at); a.err == nil {
		a.err = err
	}
}

func (a *stackAsm) loop(start int) {
	if err := a.c.EmitLoop(start, a.line); a.err == nil {
		a.err = err
	}
}

func stackSample(name string, n int) (*bytecode.Bytecode, error) {
	b := bytecode.New(name)
	m := &stackAsm{c: b.Main, line: 1}
	switch name {
	case "fib":
		fn := bytecode.NewFunction("fib", 1)
		f := &stackAsm{c: fn.Chunk, line: 1}
		self := f.name("fib")
		f.u8(bytecode.OpGetLocal, 1)
		f.push(2)
		f.op(bytecode.OpLt)
		recurse := f.c.EmitJump(bytecode.OpJumpUnless, f.line)
		f.op(bytecode.OpPop)
		f.u8(bytecode.OpGetLocal, 1)
		f.op(bytecode.OpReturn)
		f.patch(recurse)
		f.line = 2
		f.op(bytecode.OpPop)
		for _, d := range []int64{1, 2} {
			f.u16(bytecode.OpGetGlobal, self)
			f.u8(bytecode.OpGetLocal, 1)
			f.push(d)
			f.op(bytecode.OpSub)
			f.u8(bytecode.OpCall, 1)
		}
		f.op(bytecode.OpAdd)
		f.op(bytecode.OpReturn)
		if f.err != nil {
			return nil, f.err
		}

		k := m.function(b, fn)
		global := m.name("fib")
		m.u16(bytecode.OpConst, k)
		m.u16(bytecode.OpDefineGlobal, global)
		m.u16(bytecode.OpGetGlobal, global)
		m.push(int64(n))
		m.u8(bytecode.OpCall, 1)
		m.op(bytecode.OpHalt)

	case "ping":
		fn := bytecode.NewFunction("double", 1)
		f := &stackAsm{c: fn.Chunk, line: 1}
		f.u8(bytecode.OpGetLocal, 1)
		f.op(bytecode.OpReceive)
		f.push(2)
		f.op(bytecode.OpMul)
		f.op(bytecode.OpSend)
		f.op(bytecode.OpReturn)
		if f.err != nil {
			return nil, f.err
		}

		k := m.function(b, fn)
		m.u16(bytecode.OpConst, k)
		m.op(bytecode.OpSelf)
		m.u8(bytecode.OpSpawn, 1)
		m.line = 2
		m.u8(bytecode.OpGetLocal, 0)
		m.push(int64(n))
		m.op(bytecode.OpSend)
		m.op(bytecode.OpPop)
		m.line = 3
		m.op(bytecode.OpReceive)
		m.op(bytecode.OpHalt)

	case "count":
		m.push(int64(n))
		start := len(m.c.Code)
		m.line = 2
		m.u8(bytecode.OpGetLocal, 0)
		m.push(0)
		m.op(bytecode.OpGt)
		exit := m.c.EmitJump(bytecode.OpJumpUnless, m.line)
		m.op(bytecode.OpPop)
		m.u8(bytecode.OpGetLocal, 0)
		m.push(1)
		m.op(bytecode.OpSub)
		m.u8(bytecode.OpSetLocal, 0)
		m.loop(start)
		m.patch(exit)
		m.line = 3
		m.op(bytecode.OpPop)
		m.u8(bytecode.OpGetLocal, 0)
		m.op(bytecode.OpHalt)
	}
	if m.err != nil {
		return nil, m.err
	}
	return b, nil
}

// regAsm emits into a prototype, keeping the first error.
type regAsm struct {
	p    *regvm.Proto
	line uint32
	err  error
}

func (a *regAsm) abc(op regvm.Op, x, y, z uint8) { a.p.EmitABC(op, x, y, z, a.line) }

func (a *regAsm) abx(op regvm.Op, x uint8, bx uint16) { a.p.EmitABx(op, x, bx, a.line) }

func (a *regAsm) loadInt(r uint8, n int) {
	if n > regvm.MaxSBx || n < -regvm.MaxSBx {
		if a.err == nil {
			a.err = fmt.Errorf("constant %d out of LOADINT range", n)
		}
		return
	}
	a.p.Emit(regvm.AsBx(regvm.OpLoadInt, r, n), a.line)
}

func (a *regAsm) name(s string) uint16 {
	i, err := a.p.StringConstant(s)
	if a.err == nil {
		a.err = err
	}
	return i
}

func (a *regAsm) patch(pc int) {
	if err := a.p.PatchJump(pc); a.err == nil {
		a.err = err
	}
}

func (a *regAsm) loop(target int) {
	if err := a.p.EmitLoop(target, a.line); a.err == nil {
		a.err = err
	}
}

func registerSample(name string, n int) (*regvm.Unit, error) {
	u := regvm.NewUnit(name, 6)
	m := &regAsm{p: u.Main, line: 1}
	var sub *regAsm
	switch name {
	case "fib":
		sub = &regAsm{p: regvm.NewProto("fib", 1, 5), line: 1}
		sub.loadInt(1, 2)
		sub.abc(regvm.OpLt, 2, 0, 1)
		skip := sub.p.EmitJump(regvm.OpJmpUnless, 2, sub.line)
		sub.abc(regvm.OpReturn, 0, 1, 0)
		sub.patch(skip)
		sub.line = 2
		self := sub.name("fib")
		sub.abx(regvm.OpGetGlobal, 1, self)
		sub.loadInt(3, 1)
		sub.abc(regvm.OpSub, 2, 0, 3)
		sub.abc(regvm.OpCall, 2, 1, 1)
		sub.abx(regvm.OpGetGlobal, 3, self)
		sub.loadInt(4, 2)
		sub.abc(regvm.OpSub, 4, 0, 4)
		sub.abc(regvm.OpCall, 3, 3, 1)
		sub.abc(regvm.OpAdd, 2, 2, 3)
		sub.abc(regvm.OpReturn, 2, 1, 0)

	case "ping":
		sub = &regAsm{p: regvm.NewProto("double", 1, 4), line: 1}
		sub.abc(regvm.OpReceive, 1, 0, 0)
		sub.loadInt(2, 2)
		sub.abc(regvm.OpMul, 3, 1, 2)
		sub.abc(regvm.OpSend, 2, 0, 3)
		sub.abc(regvm.OpReturn, 2, 1, 0)

	case "count":
		m.loadInt(0, n)
		m.loadInt(1, 0)
		m.loadInt(2, 1)
		m.line = 2
		start := len(m.p.Code)
		m.abc(regvm.OpGt, 3, 0, 1)
		exit := m.p.EmitJump(regvm.OpJmpUnless, 3, m.line)
		m.abc(regvm.OpSub, 0, 0, 2)
		m.loop(start)
		m.patch(exit)
		m.line = 3
		m.abc(regvm.OpHalt, 0, 0, 0)
		if m.err != nil {
			return nil, m.err
		}
		return u, nil
	}
	if sub.err != nil {
		return nil, sub.err
	}
	idx, err := u.AddProto(sub.p)
	if err != nil {
		return nil, err
	}

	m.abx(regvm.OpClosure, 0, idx)
	switch name {
	case "fib":
		m.abx(regvm.OpSetGlobal, 0, m.name("fib"))
		m.loadInt(1, n)
		m.line = 2
		m.abc(regvm.OpCall, 0, 0, 1)
		m.abc(regvm.OpHalt, 0, 0, 0)
	case "ping":
		m.abc(regvm.OpSelf, 1, 0, 0)
		m.abc(regvm.OpSpawn, 2, 0, 1)
		m.line = 2
		m.loadInt(3, n)
		m.abc(regvm.OpSend, 4, 2, 3)
		m.line = 3
		m.abc(regvm.OpReceive, 5, 0, 0)
		m.abc(regvm.OpHalt, 5, 0, 0)
	}
	if m.err != nil {
		return nil, m.err
	}
	return u, nil
}
