package value

// ---------------------------------------------------------------------------
// Result and Option
// ---------------------------------------------------------------------------

type wrapData struct {
	ok    bool
	inner *Value
}

// NewOk returns Result::Ok(inner). The reference to inner moves in.
func NewOk(inner *Value) *Value { return newWrap(KindResult, true, inner) }

// NewErr returns Result::Err(inner).
func NewErr(inner *Value) *Value { return newWrap(KindResult, false, inner) }

// NewSome returns Option::Some(inner).
func NewSome(inner *Value) *Value { return newWrap(KindOption, true, inner) }

// NewNone returns Option::None.
func NewNone() *Value { return newWrap(KindOption, false, nil) }

func newWrap(k Kind, ok bool, inner *Value) *Value {
	v := newValue(k, false)
	v.ref = &wrapData{ok: ok, inner: inner}
	barrier(v, inner)
	return v
}

// IsOk reports whether v is Result::Ok. The second result is false when v
// is not a Result.
func (v *Value) IsOk() (bool, bool) {
	p, ok := v.payload().(*wrapData)
	if !ok || v.kind != KindResult {
		return false, false
	}
	return p.ok, true
}

// IsSome reports whether v is Option::Some.
func (v *Value) IsSome() (bool, bool) {
	p, ok := v.payload().(*wrapData)
	if !ok || v.kind != KindOption {
		return false, false
	}
	return p.ok, true
}

// Inner returns the wrapped value of a Result or Option. None has no inner
// value. The reference is borrowed.
func (v *Value) Inner() (*Value, bool) {
	p, ok := v.payload().(*wrapData)
	if !ok || p.inner == nil {
		return nil, false
	}
	return p.inner, true
}

// ---------------------------------------------------------------------------
// Struct
// ---------------------------------------------------------------------------

// Field is one named slot of a Struct.
type Field struct {
	Name  string
	Value *Value
}

type structData struct {
	typeName string
	fields   []Field
}

// NewStruct returns a Struct with the given fields in order. The field
// values move in.
func NewStruct(typeName string, fields []Field) *Value {
	v := newValue(KindStruct, false)
	v.ref = &structData{typeName: typeName, fields: append([]Field(nil), fields...)}
	return v
}

func (v *Value) structure() *structData {
	p, _ := v.payload().(*structData)
	return p
}

// TypeName returns the declared type of a Struct or Enum.
func (v *Value) TypeName() (string, bool) {
	switch p := v.payload().(type) {
	case *structData:
		return p.typeName, true
	case *enumData:
		return p.typeName, true
	}
	return "", false
}

// FieldCount returns the number of fields of a Struct.
func (v *Value) FieldCount() (int, bool) {
	p := v.structure()
	if p == nil {
		return 0, false
	}
	return len(p.fields), true
}

// Field returns the named field. The reference is borrowed.
func (v *Value) Field(name string) (*Value, bool) {
	p := v.structure()
	if p == nil {
		return nil, false
	}
	for _, f := range p.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// FieldAt returns field i by position.
func (v *Value) FieldAt(i int) (Field, bool) {
	p := v.structure()
	if p == nil || i < 0 || i >= len(p.fields) {
		return Field{}, false
	}
	return p.fields[i], true
}

// StructSet replaces the named field. Structs are COW like arrays; the
// caller must rebind. val moves in.
func StructSet(a Allocator, s *Value, name string, val *Value) (*Value, error) {
	p := s.structure()
	if p == nil {
		val.Release()
		return s, typeErrorf("expected struct, got %s", s.Kind())
	}
	idx := -1
	for i, f := range p.fields {
		if f.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		val.Release()
		return s, ErrKeyNotFound
	}
	w := s
	if !mutable(a, s) {
		fields := append([]Field(nil), p.fields...)
		for _, f := range fields {
			f.Value.Retain()
		}
		c := NewStruct(p.typeName, nil)
		c.structure().fields = fields
		if _, err := track(a, c); err != nil {
			for _, f := range fields {
				f.Value.Release()
			}
			val.Release()
			return s, err
		}
		s.Release()
		w = c
	}
	fields := w.structure().fields
	old := fields[idx].Value
	fields[idx].Value = val
	barrier(w, val)
	old.Release()
	return w, nil
}

// ---------------------------------------------------------------------------
// Enum
// ---------------------------------------------------------------------------

type enumData struct {
	typeName string
	variant  string
	payload  *Value
}

// NewEnum returns an Enum value. payload may be nil; its reference moves in.
func NewEnum(typeName, variant string, payload *Value) *Value {
	v := newValue(KindEnum, false)
	v.ref = &enumData{typeName: typeName, variant: variant, payload: payload}
	barrier(v, payload)
	return v
}

// Variant returns the variant name of an Enum.
func (v *Value) Variant() (string, bool) {
	p, ok := v.payload().(*enumData)
	if !ok {
		return "", false
	}
	return p.variant, true
}

// EnumPayload returns the payload of an Enum, if it has one.
func (v *Value) EnumPayload() (*Value, bool) {
	p, ok := v.payload().(*enumData)
	if !ok || p.payload == nil {
		return nil, false
	}
	return p.payload, true
}

// ---------------------------------------------------------------------------
// Function and Closure
// ---------------------------------------------------------------------------

// FunctionInfo describes a compiled function. Index selects the function
// chunk inside its bytecode unit.
type FunctionInfo struct {
	Name     string
	Arity    int
	Index    int
	Upvalues int
	Locals   int
}

// NewFunction returns an immutable Function value.
func NewFunction(info FunctionInfo) *Value {
	v := newValue(KindFunction, true)
	v.ref = &info
	return v
}

// Function returns the description of a Function, or of the function a
// Closure wraps.
func (v *Value) Function() (*FunctionInfo, bool) {
	switch p := v.payload().(type) {
	case *FunctionInfo:
		return p, true
	case *closureData:
		return p.fn.Function()
	}
	return nil, false
}

// Upvalue is a variable captured by a closure. While open it aliases a VM
// stack slot by index; once closed it owns its value. Upvalues are shared
// by every closure that captured the same slot.
type Upvalue struct {
	Index  int
	IsOpen bool
	Closed *Value

	// Next links the VM's open-upvalue list.
	Next *Upvalue

	refs    int
	holders []*Value
}

// NewUpvalue returns an open upvalue for stack slot index.
func NewUpvalue(index int) *Upvalue {
	return &Upvalue{Index: index, IsOpen: true}
}

// Close detaches the upvalue from the stack. v moves in.
func (u *Upvalue) Close(v *Value) {
	u.Closed = v
	u.IsOpen = false
	u.Next = nil
	for _, h := range u.holders {
		barrier(h, v)
	}
}

// Set replaces the value of a closed upvalue. v moves in.
func (u *Upvalue) Set(v *Value) {
	old := u.Closed
	u.Closed = v
	for _, h := range u.holders {
		barrier(h, v)
	}
	old.Release()
}

func (u *Upvalue) drop(holder *Value) {
	for i, h := range u.holders {
		if h == holder {
			u.holders = append(u.holders[:i], u.holders[i+1:]...)
			break
		}
	}
	u.refs--
	if u.refs <= 0 && !u.IsOpen {
		u.Closed.Release()
		u.Closed = nil
	}
}

type closureData struct {
	fn       *Value
	upvalues []*Upvalue
}

// NewClosure returns a Closure over fn capturing upvalues. The reference to
// fn moves in.
func NewClosure(fn *Value, upvalues []*Upvalue) *Value {
	v := newValue(KindClosure, false)
	v.ref = &closureData{fn: fn, upvalues: upvalues}
	for _, u := range upvalues {
		u.refs++
		u.holders = append(u.holders, v)
	}
	return v
}

// ClosureUpvalues returns the upvalues of a Closure.
func (v *Value) ClosureUpvalues() ([]*Upvalue, bool) {
	p, ok := v.payload().(*closureData)
	if !ok {
		return nil, false
	}
	return p.upvalues, true
}

// ClosureFunction returns the Function a Closure wraps. Borrowed.
func (v *Value) ClosureFunction() (*Value, bool) {
	p, ok := v.payload().(*closureData)
	if !ok {
		return nil, false
	}
	return p.fn, true
}

// Captured reports whether any live closure still holds u.
func (u *Upvalue) Captured() bool { return u.refs > 0 }
