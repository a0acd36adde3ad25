package vm

import (
	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (vm *VM) arith(op byte) error {
	y, x, err := vm.pop2()
	if err != nil {
		return err
	}
	r, ok, err := nanbox.Arith(op, x, y)
	if !ok {
		var v *value.Value
		if v, err = value.Arith(vm.heap, op, x.Peek(), y.Peek()); err == nil {
			r, err = nanbox.Box(v)
		}
	}
	nanbox.Release(x)
	nanbox.Release(y)
	if err != nil {
		return err
	}
	return vm.push(r)
}

func (vm *VM) negate() error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	if i, ok := s.AsInt(); ok && s.IsSmallInt() {
		r, err := nanbox.Int(-i)
		if err != nil {
			return err
		}
		return vm.push(r)
	}
	if f, ok := s.AsFloat(); ok {
		return vm.push(nanbox.Float(-f))
	}
	v, err := value.Neg(vm.heap, s.Peek())
	nanbox.Release(s)
	if err != nil {
		return err
	}
	return vm.pushValue(v)
}

func (vm *VM) compare(op bytecode.Opcode) error {
	y, x, err := vm.pop2()
	if err != nil {
		return err
	}
	defer nanbox.Release(x)
	defer nanbox.Release(y)
	var r bool
	switch op {
	case bytecode.OpEq:
		r = nanbox.Equal(x, y)
	case bytecode.OpNe:
		r = !nanbox.Equal(x, y)
	default:
		ord, err := nanbox.Compare(x, y)
		if err != nil {
			return err
		}
		switch op {
		case bytecode.OpLt:
			r = ord == value.Less
		case bytecode.OpLe:
			r = ord == value.Less || ord == value.Same
		case bytecode.OpGt:
			r = ord == value.Greater
		case bytecode.OpGe:
			r = ord == value.Greater || ord == value.Same
		}
	}
	return vm.push(nanbox.Bool(r))
}

// ---------------------------------------------------------------------------
// Globals and closures
// ---------------------------------------------------------------------------

// constString returns string constant i of c.
func constString(c *bytecode.Chunk, i int) (*value.Value, string, error) {
	k := c.Constant(i)
	if k == nil {
		return nil, "", errorf(KindBytecode, "constant %d out of range", i)
	}
	s, ok := k.AsString()
	if !ok {
		return nil, "", errorf(KindBytecode, "constant %d is %s, want string", i, k.Kind())
	}
	return k, s, nil
}

func (vm *VM) global(op bytecode.Opcode, c *bytecode.Chunk, idx int) error {
	key, name, err := constString(c, idx)
	if err != nil {
		return err
	}
	cur, defined := vm.globals.MapGet(key)
	switch op {
	case bytecode.OpGetGlobal:
		if !defined {
			return errorf(KindUndefined, "undefined variable %q", name)
		}
		return vm.pushShared(cur)
	case bytecode.OpSetGlobal:
		if !defined {
			return errorf(KindUndefined, "assignment to undefined variable %q", name)
		}
	}
	v, err := vm.popValue()
	if err != nil {
		return err
	}
	g, err := value.MapSet(vm.heap, vm.globals, key, v)
	vm.globals = g
	return err
}

func (vm *VM) closure(f *frame, start int) error {
	code := f.chunk.Code
	idx := u16(code, start+1)
	k := f.chunk.Constant(idx)
	if k == nil || !k.IsFunction() {
		return errorf(KindBytecode, "constant %d is not a function", idx)
	}
	info, _ := k.Function()
	end := f.ip + 2*info.Upvalues
	if end > len(code) {
		return errorf(KindBytecode, "truncated CLOSURE at %04X", start)
	}
	ups := make([]*value.Upvalue, info.Upvalues)
	for i := range ups {
		isLocal, index := code[f.ip+2*i], int(code[f.ip+2*i+1])
		if isLocal != 0 {
			slot := f.base + index
			if slot >= len(vm.stack) {
				return errorf(KindBytecode, "capture of local %d out of range", index)
			}
			ups[i] = vm.captureUpvalue(slot)
			continue
		}
		if index >= len(f.upvalues) {
			return errorf(KindBytecode, "capture of upvalue %d out of range", index)
		}
		ups[i] = f.upvalues[index]
	}
	f.ip = end
	k.Retain()
	return vm.pushNew(value.NewClosure(k, ups))
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

func (vm *VM) arrayNew(count int) error {
	slots, err := vm.popN(count)
	if err != nil {
		return err
	}
	items := make([]*value.Value, len(slots))
	for i, s := range slots {
		items[i] = nanbox.Unbox(s)
	}
	return vm.pushNew(value.NewArrayOf(items...))
}

func index(s nanbox.Slot) (int, error) {
	i, ok := s.AsInt()
	if !ok {
		return 0, errorf(KindType, "index must be int, got %s", s.Kind())
	}
	return int(i), nil
}

func (vm *VM) arrayGet() error {
	is, as, err := vm.pop2()
	if err != nil {
		return err
	}
	defer nanbox.Release(as)
	defer nanbox.Release(is)
	i, err := index(is)
	if err != nil {
		return err
	}
	arr := as.Peek()
	if arr.IsVector() {
		x, ok := arr.VectorAt(i)
		if !ok {
			return errorf(KindBounds, "index %d out of bounds", i)
		}
		return vm.push(nanbox.Float(x))
	}
	n, ok := arr.ArrayLen()
	if !ok {
		return errorf(KindType, "cannot index %s", arr.Kind())
	}
	item, ok := arr.ArrayAt(i)
	if !ok {
		return errorf(KindBounds, "index %d out of bounds for length %d", i, n)
	}
	return vm.pushShared(item)
}

func (vm *VM) arraySet() error {
	item, err := vm.popValue()
	if err != nil {
		return err
	}
	is, as, err := vm.pop2()
	if err != nil {
		item.Release()
		return err
	}
	i, err := index(is)
	nanbox.Release(is)
	if err != nil {
		item.Release()
		nanbox.Release(as)
		return err
	}
	w, err := value.ArraySet(vm.heap, nanbox.Unbox(as), i, item)
	if err != nil {
		w.Release()
		return err
	}
	return vm.pushValue(w)
}

func (vm *VM) arrayPush() error {
	is, as, err := vm.pop2()
	if err != nil {
		return err
	}
	w, err := value.ArrayPush(vm.heap, nanbox.Unbox(as), nanbox.Unbox(is))
	if err != nil {
		w.Release()
		return err
	}
	return vm.pushValue(w)
}

func (vm *VM) arrayPop() error {
	arr, err := vm.popValue()
	if err != nil {
		return err
	}
	w, item, err := value.ArrayPop(vm.heap, arr)
	if err != nil {
		w.Release()
		return err
	}
	if err := vm.pushValue(w); err != nil {
		item.Release()
		return err
	}
	return vm.pushValue(item)
}

// length pushes the length of the top value. want restricts the kind
// unless it is KindNil.
func (vm *VM) length(want value.Kind) error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	v := s.Peek()
	n, ok := v.Len()
	if !ok || (want != value.KindNil && v.Kind() != want) {
		return errorf(KindType, "%s has no length", v.Kind())
	}
	r, err := nanbox.Int(int64(n))
	if err != nil {
		return err
	}
	return vm.push(r)
}

func (vm *VM) mapNew(pairs int) error {
	slots, err := vm.popN(2 * pairs)
	if err != nil {
		return err
	}
	m, err := vm.track(value.NewMap(pairs))
	if err != nil {
		releaseSlots(slots)
		return err
	}
	for i := 0; i < len(slots); i += 2 {
		key := slots[i]
		m, err = value.MapSet(vm.heap, m, key.Peek(), nanbox.Unbox(slots[i+1]))
		nanbox.Release(key)
		if err != nil {
			releaseSlots(slots[i+2:])
			m.Release()
			return err
		}
	}
	return vm.pushValue(m)
}

// mapOperands pops a key and the map below it. The map must be a Map and
// the key a String.
func (vm *VM) mapOperands() (m, key nanbox.Slot, err error) {
	key, m, err = vm.pop2()
	if err != nil {
		return m, key, err
	}
	if !m.Peek().IsMap() {
		err = errorf(KindType, "expected map, got %s", m.Kind())
	} else if key.Kind() != value.KindString {
		err = errorf(KindType, "map key must be string, got %s", key.Kind())
	}
	if err != nil {
		nanbox.Release(m)
		nanbox.Release(key)
	}
	return m, key, err
}

func (vm *VM) mapGet() error {
	m, key, err := vm.mapOperands()
	if err != nil {
		return err
	}
	defer nanbox.Release(m)
	defer nanbox.Release(key)
	v, _ := m.Peek().MapGet(key.Peek())
	return vm.pushShared(v)
}

func (vm *VM) mapHas() error {
	m, key, err := vm.mapOperands()
	if err != nil {
		return err
	}
	has := m.Peek().MapHas(key.Peek())
	nanbox.Release(m)
	nanbox.Release(key)
	return vm.push(nanbox.Bool(has))
}

func (vm *VM) mapSet() error {
	val, err := vm.popValue()
	if err != nil {
		return err
	}
	m, key, err := vm.mapOperands()
	if err != nil {
		val.Release()
		return err
	}
	w, err := value.MapSet(vm.heap, nanbox.Unbox(m), key.Peek(), val)
	nanbox.Release(key)
	if err != nil {
		w.Release()
		return err
	}
	return vm.pushValue(w)
}

func (vm *VM) mapDelete() error {
	m, key, err := vm.mapOperands()
	if err != nil {
		return err
	}
	w, err := value.MapDelete(vm.heap, nanbox.Unbox(m), key.Peek())
	nanbox.Release(key)
	if err != nil {
		w.Release()
		return err
	}
	return vm.pushValue(w)
}

// mapGetCached reads a constant key through the site's inline cache.
func (vm *VM) mapGetCached(f *frame, keyIdx, cacheIdx int) error {
	key, _, err := constString(f.chunk, keyIdx)
	if err != nil {
		return err
	}
	if cacheIdx >= len(f.caches) {
		return errorf(KindBytecode, "cache slot %d out of range", cacheIdx)
	}
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	m := s.Peek()
	shape, ok := m.MapShape()
	if !ok {
		return errorf(KindType, "expected map, got %s", m.Kind())
	}
	ic := &f.caches[cacheIdx]
	if bucket, hit := ic.Lookup(shape); hit {
		v, _ := m.MapGetAt(bucket, key)
		return vm.pushShared(v)
	}
	v, bucket, _ := m.MapLookup(key)
	if bucket >= 0 {
		ic.Update(shape, bucket)
	}
	return vm.pushShared(v)
}

func (vm *VM) deepCopy() error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	if !s.IsObject() {
		return vm.push(s)
	}
	c, err := value.DeepCopy(vm.heap, s.Peek())
	nanbox.Release(s)
	if err != nil {
		return err
	}
	return vm.pushValue(c)
}

func (vm *VM) vectorNew(count int) error {
	slots, err := vm.popN(count)
	if err != nil {
		return err
	}
	defer releaseSlots(slots)
	xs := make([]float64, len(slots))
	for i, s := range slots {
		x, ok := s.AsNumber()
		if !ok {
			return errorf(KindType, "vector element must be a number, got %s", s.Kind())
		}
		xs[i] = x
	}
	return vm.pushNew(value.NewVector(xs))
}

// concat joins two strings or two byte strings. A string joined with any
// other value uses that value's text form.
func (vm *VM) concat() error {
	y, x, err := vm.pop2()
	if err != nil {
		return err
	}
	defer nanbox.Release(x)
	defer nanbox.Release(y)
	xv, yv := x.Peek(), y.Peek()
	var r *value.Value
	switch {
	case xv.IsBytes() && yv.IsBytes():
		r, err = value.ConcatBytes(vm.heap, xv, yv)
	case xv.IsString() || yv.IsString():
		xt, yt := textOf(xv), textOf(yv)
		r, err = value.Concat(vm.heap, xt, yt)
		if xt != xv {
			xt.Release()
		}
		if yt != yv {
			yt.Release()
		}
	default:
		err = errorf(KindType, "cannot concatenate %s and %s", xv.Kind(), yv.Kind())
	}
	if err != nil {
		return err
	}
	return vm.pushValue(r)
}

func textOf(v *value.Value) *value.Value {
	if v.IsString() {
		return v
	}
	return value.NewString(v.String())
}

// ---------------------------------------------------------------------------
// Algebraic types
// ---------------------------------------------------------------------------

func (vm *VM) wrap(op bytecode.Opcode) error {
	v, err := vm.popValue()
	if err != nil {
		return err
	}
	switch op {
	case bytecode.OpResultOk:
		return vm.pushNew(value.NewOk(v))
	case bytecode.OpResultErr:
		return vm.pushNew(value.NewErr(v))
	}
	return vm.pushNew(value.NewSome(v))
}

func (vm *VM) testWrapped(op bytecode.Opcode) error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	v := s.Peek()
	var yes, valid bool
	switch op {
	case bytecode.OpIsOk, bytecode.OpIsErr:
		yes, valid = v.IsOk()
		if !valid {
			return errorf(KindType, "expected result, got %s", v.Kind())
		}
		yes = yes == (op == bytecode.OpIsOk)
	default:
		yes, valid = v.IsSome()
		if !valid {
			return errorf(KindType, "expected option, got %s", v.Kind())
		}
		yes = yes == (op == bytecode.OpIsSome)
	}
	return vm.push(nanbox.Bool(yes))
}

// unwrapped returns the inner value of Ok or Some. ok is false for Err and
// None; err is set for anything that is not a Result or Option.
func unwrapped(v *value.Value) (inner *value.Value, ok bool, err error) {
	switch v.Kind() {
	case value.KindResult:
		ok, _ = v.IsOk()
	case value.KindOption:
		ok, _ = v.IsSome()
	default:
		return nil, false, errorf(KindType, "cannot unwrap %s", v.Kind())
	}
	inner, _ = v.Inner()
	return inner, ok, nil
}

func (vm *VM) unwrap() error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	inner, ok, err := unwrapped(s.Peek())
	if err != nil {
		return err
	}
	if !ok {
		return errorf(KindUnwrap, "unwrap of %s", s.Peek())
	}
	return vm.pushShared(inner)
}

func (vm *VM) unwrapOr() error {
	def, s, err := vm.pop2()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	inner, ok, err := unwrapped(s.Peek())
	if err != nil {
		nanbox.Release(def)
		return err
	}
	if !ok {
		return vm.push(def)
	}
	nanbox.Release(def)
	return vm.pushShared(inner)
}

func (vm *VM) structNew(c *bytecode.Chunk, typeIdx, count int) error {
	_, typeName, err := constString(c, typeIdx)
	if err != nil {
		return err
	}
	slots, err := vm.popN(2 * count)
	if err != nil {
		return err
	}
	fields := make([]value.Field, 0, count)
	for i := 0; i < len(slots); i += 2 {
		name, ok := slots[i].Peek().AsString()
		if !ok {
			err := errorf(KindType, "field name must be string, got %s", slots[i].Kind())
			for _, f := range fields {
				f.Value.Release()
			}
			releaseSlots(slots[i:])
			return err
		}
		nanbox.Release(slots[i])
		fields = append(fields, value.Field{Name: name, Value: nanbox.Unbox(slots[i+1])})
	}
	return vm.pushNew(value.NewStruct(typeName, fields))
}

func (vm *VM) structField(op bytecode.Opcode, c *bytecode.Chunk, nameIdx int) error {
	_, name, err := constString(c, nameIdx)
	if err != nil {
		return err
	}
	if op == bytecode.OpStructSet {
		val, err := vm.popValue()
		if err != nil {
			return err
		}
		s, err := vm.popValue()
		if err != nil {
			val.Release()
			return err
		}
		w, err := value.StructSet(vm.heap, s, name, val)
		if err != nil {
			w.Release()
			return err
		}
		return vm.pushValue(w)
	}
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	v := s.Peek()
	if !v.IsStruct() {
		return errorf(KindType, "expected struct, got %s", v.Kind())
	}
	field, ok := v.Field(name)
	if !ok {
		return errorf(KindKey, "no field %q", name)
	}
	return vm.pushShared(field)
}

func (vm *VM) structIndex(i int) error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	v := s.Peek()
	if !v.IsStruct() {
		return errorf(KindType, "expected struct, got %s", v.Kind())
	}
	field, ok := v.FieldAt(i)
	if !ok {
		return errorf(KindBounds, "field %d out of bounds", i)
	}
	return vm.pushShared(field.Value)
}

func (vm *VM) enumNew(c *bytecode.Chunk, typeIdx, variantIdx int, hasPayload bool) error {
	_, typeName, err := constString(c, typeIdx)
	if err != nil {
		return err
	}
	_, variant, err := constString(c, variantIdx)
	if err != nil {
		return err
	}
	var payload *value.Value
	if hasPayload {
		if payload, err = vm.popValue(); err != nil {
			return err
		}
	}
	return vm.pushNew(value.NewEnum(typeName, variant, payload))
}

func (vm *VM) enumIs(c *bytecode.Chunk, variantIdx int) error {
	_, want, err := constString(c, variantIdx)
	if err != nil {
		return err
	}
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	got, ok := s.Peek().Variant()
	if !ok {
		return errorf(KindType, "expected enum, got %s", s.Kind())
	}
	return vm.push(nanbox.Bool(got == want))
}

func (vm *VM) enumPayload() error {
	s, err := vm.pop()
	if err != nil {
		return err
	}
	defer nanbox.Release(s)
	v := s.Peek()
	if !v.IsEnum() {
		return errorf(KindType, "expected enum, got %s", v.Kind())
	}
	payload, _ := v.EnumPayload()
	return vm.pushShared(payload)
}
