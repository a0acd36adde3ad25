package regvm

import (
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
)

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// set stores s in absolute register i. The slot's reference moves in and
// the previous occupant is released.
func (m *VM) set(i int, s nanbox.Slot) {
	old := m.regs[i]
	m.regs[i] = s
	nanbox.Release(old)
}

// setValue boxes v into register i. The reference moves in.
func (m *VM) setValue(i int, v *value.Value) error {
	s, err := nanbox.Box(v)
	if err != nil {
		return err
	}
	m.set(i, s)
	return nil
}

// setShared stores a borrowed value, adding a reference for the register.
func (m *VM) setShared(i int, v *value.Value) error {
	if v == nil {
		m.set(i, nanbox.Nil)
		return nil
	}
	s, err := nanbox.Share(v)
	if err != nil {
		return err
	}
	m.set(i, s)
	return nil
}

// setNew links a freshly built value into the heap and stores it.
func (m *VM) setNew(i int, v *value.Value) error {
	if err := m.heap.Track(v); err != nil {
		v.Release()
		return err
	}
	return m.setValue(i, v)
}

// take moves the value out of register i, leaving nil behind.
func (m *VM) take(i int) *value.Value {
	s := m.regs[i]
	m.regs[i] = nanbox.Nil
	return nanbox.Unbox(s)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// callee resolves a callable value to its prototype and captured upvalues.
func (m *VM) callee(v *value.Value, argc int) (*Proto, []*value.Upvalue, error) {
	if v == nil || !v.IsCallable() {
		kind := value.KindNil
		if v != nil {
			kind = v.Kind()
		}
		return nil, nil, errorf(vm.KindType, "cannot call %s", kind)
	}
	info, _ := v.Function()
	p, ok := m.unit.Proto(info.Index)
	if !ok {
		return nil, nil, errorf(vm.KindBytecode, "prototype %d not in unit", info.Index)
	}
	if argc != p.Arity {
		return nil, nil, errorf(vm.KindType, "%s expects %d arguments, got %d", p.Name, p.Arity, argc)
	}
	var ups []*value.Upvalue
	if v.IsClosure() {
		ups, _ = v.ClosureUpvalues()
	}
	if len(ups) < len(p.Captures) {
		return nil, nil, errorf(vm.KindType, "%s must be called through a closure", p.Name)
	}
	return p, ups, nil
}

// call enters the function in absolute register fn with argc arguments in
// the registers after it. The result lands in absolute register ret.
func (m *VM) call(ret, fn, argc int) error {
	p, ups, err := m.callee(m.regs[fn].Peek(), argc)
	if err != nil {
		return err
	}
	args := make([]nanbox.Slot, argc)
	for i := range args {
		args[i] = nanbox.Retain(m.regs[fn+1+i])
	}
	return m.enter(p, ups, args, ret)
}

// enter pushes a frame for p on top of the register file. The argument
// references move in. Only the argument registers are written; the rest
// of the window is already nil.
func (m *VM) enter(p *Proto, ups []*value.Upvalue, args []nanbox.Slot, ret int) error {
	if len(m.frames) >= m.maxFrames {
		releaseSlots(args)
		return errorf(vm.KindFrameOverflow, "call depth exceeds %d", m.maxFrames)
	}
	base := m.top
	end := base + p.NumRegs
	if end > m.maxRegs {
		releaseSlots(args)
		return errorf(vm.KindStackOverflow, "register file exceeds %d", m.maxRegs)
	}
	if end > len(m.regs) {
		m.regs = append(m.regs, nilSlots(max(end, 2*len(m.regs))-len(m.regs))...)
	}
	copy(m.regs[base:], args)
	m.top = end
	m.frames = append(m.frames, frame{
		proto:    p,
		upvalues: ups,
		caches:   m.caches[p],
		base:     base,
		ret:      ret,
	})
	return nil
}

// leave pops the current frame, clearing its window, and delivers result
// to the caller. It reports whether that was the bottom frame, in which
// case the VM halts with result.
func (m *VM) leave(result nanbox.Slot) bool {
	f := m.frames[len(m.frames)-1]
	m.closeUpvalues(f.base)
	for i := f.base; i < m.top; i++ {
		nanbox.Release(m.regs[i])
		m.regs[i] = nanbox.Nil
	}
	m.top = f.base
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		m.halt(result)
		return true
	}
	m.set(f.ret, result)
	return false
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for register i, creating it if no
// closure has captured that register yet.
func (m *VM) captureUpvalue(i int) *value.Upvalue {
	var prev *value.Upvalue
	u := m.open
	for u != nil && u.Index > i {
		prev = u
		u = u.Next
	}
	if u != nil && u.Index == i {
		return u
	}
	created := value.NewUpvalue(i)
	created.Next = u
	if prev == nil {
		m.open = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues moves every open upvalue at or above register from into
// the upvalue itself.
func (m *VM) closeUpvalues(from int) {
	for m.open != nil && m.open.Index >= from {
		u := m.open
		m.open = u.Next
		if !u.Captured() || u.Index >= m.top {
			u.IsOpen = false
			u.Next = nil
			continue
		}
		u.Close(m.take(u.Index))
	}
}

func (m *VM) readUpvalue(u *value.Upvalue) (nanbox.Slot, error) {
	if u.IsOpen {
		if u.Index >= m.top {
			return nanbox.Nil, errorf(vm.KindBytecode, "upvalue register %d out of range", u.Index)
		}
		return nanbox.Retain(m.regs[u.Index]), nil
	}
	if u.Closed == nil {
		return nanbox.Nil, nil
	}
	return nanbox.Share(u.Closed)
}

func (m *VM) writeUpvalue(u *value.Upvalue, s nanbox.Slot) error {
	if u.IsOpen {
		if u.Index >= m.top {
			nanbox.Release(s)
			return errorf(vm.KindBytecode, "upvalue register %d out of range", u.Index)
		}
		m.set(u.Index, s)
		return nil
	}
	u.Set(nanbox.Unbox(s))
	return nil
}

// hasOpen reports whether a closure still aliases live registers.
func hasOpen(closure *value.Value) bool {
	ups, _ := closure.ClosureUpvalues()
	for _, u := range ups {
		if u.IsOpen {
			return true
		}
	}
	return false
}
