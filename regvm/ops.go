package regvm

import (
	"errors"

	"github.com/agim-lang/agim/mailbox"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
)

// Operand slots passed to these helpers are borrowed from the register
// file. Results are written to absolute register a.

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (m *VM) arith(a int, op byte, x, y nanbox.Slot) error {
	r, ok, err := nanbox.Arith(op, x, y)
	if !ok {
		var v *value.Value
		if v, err = value.Arith(m.heap, op, x.Peek(), y.Peek()); err == nil {
			r, err = nanbox.Box(v)
		}
	}
	if err != nil {
		return err
	}
	m.set(a, r)
	return nil
}

func (m *VM) negate(a int, s nanbox.Slot) error {
	if i, ok := s.AsInt(); ok && s.IsSmallInt() {
		r, err := nanbox.Int(-i)
		if err != nil {
			return err
		}
		m.set(a, r)
		return nil
	}
	if f, ok := s.AsFloat(); ok {
		m.set(a, nanbox.Float(-f))
		return nil
	}
	v, err := value.Neg(m.heap, s.Peek())
	if err != nil {
		return err
	}
	return m.setValue(a, v)
}

func (m *VM) compare(a int, op Op, x, y nanbox.Slot) error {
	var r bool
	switch op {
	case OpEq:
		r = nanbox.Equal(x, y)
	case OpNe:
		r = !nanbox.Equal(x, y)
	default:
		ord, err := nanbox.Compare(x, y)
		if err != nil {
			return err
		}
		switch op {
		case OpLt:
			r = ord == value.Less
		case OpLe:
			r = ord != value.Greater
		case OpGt:
			r = ord == value.Greater
		case OpGe:
			r = ord != value.Less
		}
	}
	m.set(a, nanbox.Bool(r))
	return nil
}

// ---------------------------------------------------------------------------
// Globals and closures
// ---------------------------------------------------------------------------

// global reads or writes the global named by key. SETGLOBAL defines the
// name when it is new.
func (m *VM) global(op Op, a int, key *value.Value) error {
	if op == OpGetGlobal {
		cur, defined := m.globals.MapGet(key)
		if !defined {
			name, _ := key.AsString()
			return errorf(vm.KindUndefined, "undefined variable %q", name)
		}
		return m.setShared(a, cur)
	}
	g, err := value.MapSet(m.heap, m.globals, key, m.regs[a].Value())
	m.globals = g
	return err
}

func (m *VM) closure(f *frame, a, idx int) error {
	p := m.unit.Protos[idx]
	fn := m.functions[idx]
	if len(p.Captures) == 0 {
		return m.setShared(a, fn)
	}
	ups := make([]*value.Upvalue, len(p.Captures))
	for i, c := range p.Captures {
		if c.IsLocal {
			ups[i] = m.captureUpvalue(f.base + int(c.Index))
			continue
		}
		ups[i] = f.upvalues[c.Index]
	}
	fn.Retain()
	return m.setNew(a, value.NewClosure(fn, ups))
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// arrayNew builds an array from count registers starting at absolute
// register from.
func (m *VM) arrayNew(a, from, count int) error {
	items := make([]*value.Value, count)
	for i := range items {
		items[i] = m.regs[from+i].Value()
	}
	return m.setNew(a, value.NewArrayOf(items...))
}

func index(s nanbox.Slot) (int, error) {
	i, ok := s.AsInt()
	if !ok {
		return 0, errorf(vm.KindType, "index must be int, got %s", s.Kind())
	}
	return int(i), nil
}

func (m *VM) arrayGet(a int, as, is nanbox.Slot) error {
	i, err := index(is)
	if err != nil {
		return err
	}
	arr := as.Peek()
	if arr.IsVector() {
		x, ok := arr.VectorAt(i)
		if !ok {
			return errorf(vm.KindBounds, "index %d out of bounds", i)
		}
		m.set(a, nanbox.Float(x))
		return nil
	}
	n, ok := arr.ArrayLen()
	if !ok {
		return errorf(vm.KindType, "cannot index %s", arr.Kind())
	}
	item, ok := arr.ArrayAt(i)
	if !ok {
		return errorf(vm.KindBounds, "index %d out of bounds for length %d", i, n)
	}
	return m.setShared(a, item)
}

// rebind stores the handle a copy-on-write transform returned back into
// register a, whether or not the transform failed.
func (m *VM) rebind(a int, w *value.Value, err error) error {
	if berr := m.setValue(a, w); err == nil {
		err = berr
	}
	return err
}

func (m *VM) arraySet(a int, is, item nanbox.Slot) error {
	i, err := index(is)
	if err != nil {
		return err
	}
	v := item.Value()
	w, err := value.ArraySet(m.heap, m.take(a), i, v)
	return m.rebind(a, w, err)
}

func (m *VM) arrayPush(a int, item nanbox.Slot) error {
	v := item.Value()
	w, err := value.ArrayPush(m.heap, m.take(a), v)
	return m.rebind(a, w, err)
}

func (m *VM) length(a int, s nanbox.Slot) error {
	v := s.Peek()
	n, ok := v.Len()
	if !ok {
		return errorf(vm.KindType, "%s has no length", v.Kind())
	}
	r, err := nanbox.Int(int64(n))
	if err != nil {
		return err
	}
	m.set(a, r)
	return nil
}

func checkMap(ms, key nanbox.Slot) error {
	if !ms.Peek().IsMap() {
		return errorf(vm.KindType, "expected map, got %s", ms.Kind())
	}
	if key.Kind() != value.KindString {
		return errorf(vm.KindType, "map key must be string, got %s", key.Kind())
	}
	return nil
}

func (m *VM) mapGet(a int, ms, key nanbox.Slot) error {
	if err := checkMap(ms, key); err != nil {
		return err
	}
	v, _ := ms.Peek().MapGet(key.Peek())
	return m.setShared(a, v)
}

func (m *VM) mapSet(a int, key, val nanbox.Slot) error {
	if err := checkMap(m.regs[a], key); err != nil {
		return err
	}
	// The key may live in a register the transform clears.
	k := key.Value()
	defer k.Release()
	v := val.Value()
	w, err := value.MapSet(m.heap, m.take(a), k, v)
	return m.rebind(a, w, err)
}

// mapGetCached reads a constant key through the inline cache of the
// instruction at pc.
func (m *VM) mapGetCached(f *frame, pc, a int, ms nanbox.Slot, key *value.Value) error {
	mp := ms.Peek()
	shape, ok := mp.MapShape()
	if !ok {
		return errorf(vm.KindType, "expected map, got %s", mp.Kind())
	}
	ic := &f.caches[pc]
	if bucket, hit := ic.Lookup(shape); hit {
		v, _ := mp.MapGetAt(bucket, key)
		return m.setShared(a, v)
	}
	v, bucket, _ := mp.MapLookup(key)
	if bucket >= 0 {
		ic.Update(shape, bucket)
	}
	return m.setShared(a, v)
}

// concat joins two strings or two byte strings. A string joined with any
// other value uses that value's text form.
func (m *VM) concat(a int, x, y nanbox.Slot) error {
	xv, yv := x.Peek(), y.Peek()
	var r *value.Value
	var err error
	switch {
	case xv.IsBytes() && yv.IsBytes():
		r, err = value.ConcatBytes(m.heap, xv, yv)
	case xv.IsString() || yv.IsString():
		xt, yt := textOf(xv), textOf(yv)
		r, err = value.Concat(m.heap, xt, yt)
		if xt != xv {
			xt.Release()
		}
		if yt != yv {
			yt.Release()
		}
	default:
		err = errorf(vm.KindType, "cannot concatenate %s and %s", xv.Kind(), yv.Kind())
	}
	if err != nil {
		return err
	}
	return m.setValue(a, r)
}

func textOf(v *value.Value) *value.Value {
	if v.IsString() {
		return v
	}
	return value.NewString(v.String())
}

// ---------------------------------------------------------------------------
// Actors
// ---------------------------------------------------------------------------

// escape prepares v for another block. The reference stays with the
// caller but the value is flagged so neither side mutates it in place.
func escape(v *value.Value) *value.Value {
	s := value.CowShare(v)
	v.Release()
	return s
}

func (m *VM) needRuntime() error {
	if m.runtime == nil {
		return &vm.Error{Kind: vm.KindRuntime, Message: vm.ErrNoRuntime.Error(), Err: vm.ErrNoRuntime}
	}
	return nil
}

// spawn starts a block running the callee in absolute register fn with
// argc arguments after it.
func (m *VM) spawn(a, fn, argc int) error {
	if err := m.needRuntime(); err != nil {
		return err
	}
	callee := m.regs[fn].Peek()
	switch {
	case !callee.IsCallable():
		return errorf(vm.KindType, "cannot spawn %s", callee.Kind())
	case callee.IsClosure() && hasOpen(callee):
		return errorf(vm.KindType, "cannot spawn a closure over live registers")
	}
	args := make([]*value.Value, argc)
	for i := range args {
		args[i] = escape(m.regs[fn+1+i].Value())
	}
	pid, err := m.runtime.Spawn(vm.SpawnRequest{
		Parent:  m.self,
		Program: m.unit,
		Callee:  escape(m.regs[fn].Value()),
		Args:    args,
	})
	if err != nil {
		return &vm.Error{Kind: vm.KindRuntime, Message: "spawn: " + err.Error(), Err: err}
	}
	s, err := nanbox.Pid(pid)
	if err != nil {
		return err
	}
	m.set(a, s)
	return nil
}

// send delivers a copy of msg to the pid in to and stores whether it was
// accepted.
func (m *VM) send(a int, to, msg nanbox.Slot) error {
	if err := m.needRuntime(); err != nil {
		return err
	}
	pid, ok := to.AsPid()
	if !ok {
		return errorf(vm.KindType, "send target must be pid, got %s", to.Kind())
	}
	err := m.runtime.Send(m.self, pid, escape(msg.Value()))
	switch {
	case err == nil:
		m.set(a, nanbox.True)
		return nil
	case errors.Is(err, vm.ErrNoProcess), errors.Is(err, mailbox.ErrFull):
		log.Debugf("block %d: send to %d dropped: %s", m.self, pid, err)
		m.set(a, nanbox.False)
		return nil
	}
	return &vm.Error{Kind: vm.KindRuntime, Message: "send: " + err.Error(), Err: err}
}

// receive stores the next message. It reports false, leaving the register
// untouched, when the mailbox is empty.
func (m *VM) receive(a int) (bool, error) {
	if err := m.needRuntime(); err != nil {
		return false, err
	}
	msg, ok := m.runtime.Receive(m.self)
	if !ok {
		return false, nil
	}
	return true, m.setValue(a, msg)
}
