// Package nanbox packs Agim values into 64-bit VM slots.
//
// Every slot is an IEEE 754 double. Non-float values live in the payload of
// a quiet NaN, with three tag bits selecting the variant:
//
//   - Float: the natural bit pattern. Computed NaNs are canonicalized so
//     they never collide with a tagged slot.
//   - Int: quiet NaN + tagInt + 48-bit two's complement payload. Ints that
//     do not fit are boxed as objects.
//   - Special: quiet NaN + tagSpecial + nil, true or false.
//   - Pid: quiet NaN + tagPid + 48-bit block id.
//   - Object: quiet NaN + tagObject + 48-bit handle from the process-wide
//     handle table. An object slot owns one reference to its Value.
package nanbox

import (
	"errors"
	"fmt"
	"math"

	"github.com/agim-lang/agim/value"
)

// Slot is one NaN-boxed value.
type Slot uint64

const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0.
	nanBits uint64 = 0x7FF8000000000000

	// Three tag bits in the top of the mantissa.
	tagMask uint64 = 0x0007000000000000

	// 48 bits for handle, int or pid.
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagPid     uint64 = 0x0004000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000

	// Sign and exponent of every boxed slot. A negative quiet NaN carries
	// the sign bit and is therefore never mistaken for a tagged slot.
	boxMask uint64 = 0xFFF8000000000000
)

const (
	specialNil uint64 = iota
	specialTrue
	specialFalse
)

// Singleton slots.
const (
	Nil   = Slot(nanBits | tagSpecial | specialNil)
	True  = Slot(nanBits | tagSpecial | specialTrue)
	False = Slot(nanBits | tagSpecial | specialFalse)
)

// Inline int range.
const (
	MaxInt int64 = 1<<47 - 1
	MinInt int64 = -(1 << 47)
)

// ErrHandleSpace is returned when no more objects can be boxed.
var ErrHandleSpace = errors.New("nanbox: handle space exhausted")

func (s Slot) tag() uint64 {
	if uint64(s)&boxMask != nanBits {
		return 0
	}
	return uint64(s) & tagMask
}

func (s Slot) payload() uint64 { return uint64(s) & payloadMask }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Float boxes f.
func Float(f float64) Slot {
	if f != f {
		return Slot(nanBits)
	}
	return Slot(math.Float64bits(f))
}

// Bool boxes b.
func Bool(b bool) Slot {
	if b {
		return True
	}
	return False
}

// SmallInt boxes i when it fits in 48 bits.
func SmallInt(i int64) (Slot, bool) {
	if i > MaxInt || i < MinInt {
		return 0, false
	}
	return Slot(nanBits | tagInt | (uint64(i) & payloadMask)), true
}

// Int boxes i, falling back to an object slot for wide ints.
func Int(i int64) (Slot, error) {
	if s, ok := SmallInt(i); ok {
		return s, nil
	}
	return object(value.NewInt(i))
}

// Pid boxes a block id.
func Pid(pid uint64) (Slot, error) {
	if pid <= payloadMask {
		return Slot(nanBits | tagPid | pid), nil
	}
	return object(value.NewPid(pid))
}

// Box converts v to a slot and takes over the caller's reference. Nil,
// Bool, Float and small Int and Pid values are stored inline and v is
// released.
func Box(v *value.Value) (Slot, error) {
	if s, ok := inline(v); ok {
		v.Release()
		return s, nil
	}
	return object(v)
}

func inline(v *value.Value) (Slot, bool) {
	switch v.Kind() {
	case value.KindNil:
		return Nil, true
	case value.KindBool:
		b, _ := v.AsBool()
		return Bool(b), true
	case value.KindFloat:
		f, _ := v.AsFloat()
		return Float(f), true
	case value.KindInt:
		i, _ := v.AsInt()
		return SmallInt(i)
	case value.KindPid:
		p, _ := v.AsPid()
		if p <= payloadMask {
			return Slot(nanBits | tagPid | p), true
		}
	}
	return 0, false
}

// Share boxes a borrowed value, adding a reference for the slot.
func Share(v *value.Value) (Slot, error) {
	if s, ok := inline(v); ok {
		return s, nil
	}
	if !v.Retain() {
		return Nil, fmt.Errorf("nanbox: boxing a freed %s", v.Kind())
	}
	return object(v)
}

func object(v *value.Value) (Slot, error) {
	h := value.HandleOf(v)
	if h == 0 || h > payloadMask {
		v.Release()
		return Nil, ErrHandleSpace
	}
	return Slot(nanBits | tagObject | h), nil
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func (s Slot) IsFloat() bool    { return s.tag() == 0 }
func (s Slot) IsSmallInt() bool { return s.tag() == tagInt }
func (s Slot) IsObject() bool   { return s.tag() == tagObject }
func (s Slot) IsNil() bool      { return s == Nil }
func (s Slot) IsBool() bool     { return s == True || s == False }

// IsPid reports an inline pid.
func (s Slot) IsPid() bool { return s.tag() == tagPid }

// Kind returns the variant of the value in s.
func (s Slot) Kind() value.Kind {
	switch s.tag() {
	case 0:
		return value.KindFloat
	case tagInt:
		return value.KindInt
	case tagPid:
		return value.KindPid
	case tagSpecial:
		if s == Nil {
			return value.KindNil
		}
		return value.KindBool
	}
	return s.Object().Kind()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Object returns the Value an object slot refers to, without adding a
// reference. It returns nil for inline slots.
func (s Slot) Object() *value.Value {
	if s.tag() != tagObject {
		return nil
	}
	return value.Resolve(s.payload())
}

// AsFloat returns a Float slot's value.
func (s Slot) AsFloat() (float64, bool) {
	if s.tag() == 0 {
		return math.Float64frombits(uint64(s)), true
	}
	return 0, false
}

// AsInt returns an Int, inline or boxed.
func (s Slot) AsInt() (int64, bool) {
	switch s.tag() {
	case tagInt:
		p := s.payload()
		if p&intSignBit != 0 {
			p |= intSignExtend
		}
		return int64(p), true
	case tagObject:
		return s.Object().AsInt()
	}
	return 0, false
}

// AsNumber returns an Int or Float as float64.
func (s Slot) AsNumber() (float64, bool) {
	if f, ok := s.AsFloat(); ok {
		return f, true
	}
	if i, ok := s.AsInt(); ok {
		return float64(i), true
	}
	return 0, false
}

func (s Slot) AsBool() (bool, bool) {
	switch s {
	case True:
		return true, true
	case False:
		return false, true
	}
	return false, false
}

// AsPid returns a Pid, inline or boxed.
func (s Slot) AsPid() (uint64, bool) {
	switch s.tag() {
	case tagPid:
		return s.payload(), true
	case tagObject:
		return s.Object().AsPid()
	}
	return 0, false
}

// Value returns a new reference to the value in s. Inline slots produce a
// fresh unowned Value; the caller releases the result either way.
func (s Slot) Value() *value.Value {
	switch s.tag() {
	case 0:
		f, _ := s.AsFloat()
		return value.NewFloat(f)
	case tagInt:
		i, _ := s.AsInt()
		return value.NewInt(i)
	case tagPid:
		return value.NewPid(s.payload())
	case tagSpecial:
		switch s {
		case True:
			return value.NewBool(true)
		case False:
			return value.NewBool(false)
		}
		return value.NewNil()
	}
	v := s.Object()
	if v == nil || !v.Retain() {
		return value.NewNil()
	}
	return v
}

// Unbox converts s back to a Value, taking over the slot's reference.
func Unbox(s Slot) *value.Value {
	if s.IsObject() {
		if v := s.Object(); v != nil {
			return v
		}
		return value.NewNil()
	}
	return s.Value()
}

// Peek returns the value in s without taking a reference. Inline slots
// produce a fresh unowned Value that nothing else references.
func (s Slot) Peek() *value.Value {
	if v := s.Object(); v != nil {
		return v
	}
	if s.IsObject() {
		return value.NewNil()
	}
	return s.Value()
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// Retain adds a reference for a copy of s. Inline slots need none.
func Retain(s Slot) Slot {
	if v := s.Object(); v != nil {
		v.Retain()
	}
	return s
}

// Release drops the reference held by s.
func Release(s Slot) {
	if v := s.Object(); v != nil {
		v.Release()
	}
}

// ---------------------------------------------------------------------------
// Fast paths
// ---------------------------------------------------------------------------

// Truthy applies the bytecode rule: Nil, false, 0 and 0.0 are false and every
// object is true.
func (s Slot) Truthy() bool {
	switch s.tag() {
	case 0:
		f, _ := s.AsFloat()
		return f != 0
	case tagInt:
		return s.payload() != 0
	case tagSpecial:
		return s == True
	case tagPid:
		return true
	}
	return value.Truthy(s.Object())
}

// Arith applies a value arithmetic operator when both slots are numbers.
// It reports ok=false for any other pairing so the caller can take the
// general path.
func Arith(op byte, x, y Slot) (r Slot, ok bool, err error) {
	if x.IsSmallInt() && y.IsSmallInt() {
		xi, _ := x.AsInt()
		yi, _ := y.AsInt()
		n, err := value.IntArith(op, xi, yi)
		if err != nil {
			return Nil, true, err
		}
		r, err = Int(n)
		return r, true, err
	}
	if x.IsObject() || y.IsObject() {
		return Nil, false, nil
	}
	xf, xok := x.AsNumber()
	yf, yok := y.AsNumber()
	if !xok || !yok {
		return Nil, false, nil
	}
	return Float(value.FloatArith(op, xf, yf)), true, nil
}

// Equal compares two slots with value.Equal semantics.
func Equal(x, y Slot) bool {
	if x.IsObject() || y.IsObject() {
		if x == y {
			return true
		}
		return value.Equal(x.Peek(), y.Peek())
	}
	if xf, ok := x.AsNumber(); ok {
		yf, ok := y.AsNumber()
		return ok && xf == yf
	}
	return x == y
}

// Compare orders two slots with value.Compare semantics.
func Compare(x, y Slot) (value.Ordering, error) {
	if x.IsSmallInt() && y.IsSmallInt() {
		xi, _ := x.AsInt()
		yi, _ := y.AsInt()
		switch {
		case xi < yi:
			return value.Less, nil
		case xi > yi:
			return value.Greater, nil
		}
		return value.Same, nil
	}
	return value.Compare(x.Peek(), y.Peek())
}

func (s Slot) String() string {
	switch s.tag() {
	case tagObject:
		if v := s.Object(); v != nil {
			return v.String()
		}
		return "<freed>"
	case tagPid:
		return fmt.Sprintf("<pid %d>", s.payload())
	}
	return s.Value().String()
}
