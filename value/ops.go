package value

import (
	"bytes"
	"math"
	"strings"
)

// Arithmetic follows one coercion rule: Int op Int stays Int with
// two's-complement wrap; any Float operand promotes both sides to Float.
// Add also concatenates two Strings or two Bytes.

type arithOp uint8

const (
	opAdd arithOp = iota
	opSub
	opMul
	opDiv
	opMod
)

var arithNames = [...]string{"add", "subtract", "multiply", "divide", "take modulo of"}

// IntArith applies an arithmetic operator to two Ints. Division and modulo
// by zero report ErrDivisionByZero.
func IntArith(op byte, x, y int64) (int64, error) {
	switch arithOp(op) {
	case opAdd:
		return x + y, nil
	case opSub:
		return x - y, nil
	case opMul:
		return x * y, nil
	case opDiv:
		if y == 0 {
			return 0, ErrDivisionByZero
		}
		return x / y, nil
	case opMod:
		if y == 0 {
			return 0, ErrDivisionByZero
		}
		return x % y, nil
	}
	return 0, typeErrorf("unknown arithmetic operator %d", op)
}

// FloatArith applies an arithmetic operator to two Floats with IEEE 754
// semantics.
func FloatArith(op byte, x, y float64) float64 {
	switch arithOp(op) {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	case opDiv:
		return x / y
	case opMod:
		return math.Mod(x, y)
	}
	return math.NaN()
}

// Arithmetic operator codes accepted by IntArith, FloatArith and Arith.
const (
	OpAdd = byte(opAdd)
	OpSub = byte(opSub)
	OpMul = byte(opMul)
	OpDiv = byte(opDiv)
	OpMod = byte(opMod)
)

// Arith applies op to x and y and returns a fresh result.
func Arith(a Allocator, op byte, x, y *Value) (*Value, error) {
	xi, xInt := x.AsInt()
	yi, yInt := y.AsInt()
	if xInt && yInt {
		r, err := IntArith(op, xi, yi)
		if err != nil {
			return nil, err
		}
		return track(a, NewInt(r))
	}
	if xf, ok := x.AsNumber(); ok {
		if yf, ok := y.AsNumber(); ok {
			return track(a, NewFloat(FloatArith(op, xf, yf)))
		}
	}
	if arithOp(op) == opAdd {
		switch {
		case x.IsString() && y.IsString():
			return Concat(a, x, y)
		case x.IsBytes() && y.IsBytes():
			return ConcatBytes(a, x, y)
		}
	}
	name := "apply"
	if int(op) < len(arithNames) {
		name = arithNames[op]
	}
	return nil, typeErrorf("cannot %s %s and %s", name, x.Kind(), y.Kind())
}

// Add, Sub, Mul, Div and Mod are Arith with a fixed operator.
func Add(a Allocator, x, y *Value) (*Value, error) { return Arith(a, OpAdd, x, y) }
func Sub(a Allocator, x, y *Value) (*Value, error) { return Arith(a, OpSub, x, y) }
func Mul(a Allocator, x, y *Value) (*Value, error) { return Arith(a, OpMul, x, y) }
func Div(a Allocator, x, y *Value) (*Value, error) { return Arith(a, OpDiv, x, y) }
func Mod(a Allocator, x, y *Value) (*Value, error) { return Arith(a, OpMod, x, y) }

// Neg negates a number.
func Neg(a Allocator, x *Value) (*Value, error) {
	if i, ok := x.AsInt(); ok {
		return track(a, NewInt(-i))
	}
	if f, ok := x.AsFloat(); ok {
		return track(a, NewFloat(-f))
	}
	return nil, typeErrorf("cannot negate %s", x.Kind())
}

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

// Equal reports deep structural equality. Int and Float compare by numeric
// value; Floats follow IEEE 754, so NaN is unequal to itself. Closures are
// equal only to themselves.
func Equal(x, y *Value) bool {
	if x == y && !x.IsFloat() {
		return true
	}
	xk, yk := x.Kind(), y.Kind()
	if xk != yk {
		if x.IsNumber() && y.IsNumber() {
			xf, _ := x.AsNumber()
			yf, _ := y.AsNumber()
			return xf == yf
		}
		return false
	}
	switch xk {
	case KindNil:
		return true
	case KindBool, KindInt, KindPid:
		return x.bits == y.bits
	case KindFloat:
		xf, _ := x.AsFloat()
		yf, _ := y.AsFloat()
		return xf == yf
	case KindString:
		xs, _ := x.AsString()
		ys, _ := y.AsString()
		return xs == ys
	case KindBytes:
		xb, _ := x.AsBytes()
		yb, _ := y.AsBytes()
		return bytes.Equal(xb, yb)
	case KindVector:
		xv, yv := x.ref.(*vectorData).xs, y.ref.(*vectorData).xs
		if len(xv) != len(yv) {
			return false
		}
		for i := range xv {
			if xv[i] != yv[i] {
				return false
			}
		}
		return true
	case KindArray:
		xa, ya := x.array().items, y.array().items
		if len(xa) != len(ya) {
			return false
		}
		for i := range xa {
			if !Equal(xa[i], ya[i]) {
				return false
			}
		}
		return true
	case KindMap:
		xm, ym := x.hashMap(), y.hashMap()
		if xm.count != ym.count {
			return false
		}
		equal := true
		xm.each(func(e *mapEntry) {
			if !equal {
				return
			}
			s, _ := e.key.AsString()
			o, _ := ym.find(s, e.hash)
			equal = o != nil && Equal(e.val, o.val)
		})
		return equal
	case KindResult, KindOption:
		xw, yw := x.ref.(*wrapData), y.ref.(*wrapData)
		if xw.ok != yw.ok {
			return false
		}
		if xw.inner == nil || yw.inner == nil {
			return xw.inner == nil && yw.inner == nil
		}
		return Equal(xw.inner, yw.inner)
	case KindStruct:
		xs, ys := x.structure(), y.structure()
		if xs.typeName != ys.typeName || len(xs.fields) != len(ys.fields) {
			return false
		}
		for i := range xs.fields {
			if xs.fields[i].Name != ys.fields[i].Name || !Equal(xs.fields[i].Value, ys.fields[i].Value) {
				return false
			}
		}
		return true
	case KindEnum:
		xe, ye := x.ref.(*enumData), y.ref.(*enumData)
		if xe.typeName != ye.typeName || xe.variant != ye.variant {
			return false
		}
		if xe.payload == nil || ye.payload == nil {
			return xe.payload == nil && ye.payload == nil
		}
		return Equal(xe.payload, ye.payload)
	case KindFunction:
		xf, _ := x.Function()
		yf, _ := y.Function()
		return *xf == *yf
	}
	return false
}

// Ordering is the result of Compare.
type Ordering int

const (
	Less      Ordering = -1
	Same      Ordering = 0
	Greater   Ordering = 1
	Unordered Ordering = 2 // a NaN was involved
)

// Compare orders two numbers, two Strings or two Bytes. Numbers follow IEEE
// 754: a NaN operand yields Unordered. Any other pairing is a TypeError.
func Compare(x, y *Value) (Ordering, error) {
	xi, xInt := x.AsInt()
	yi, yInt := y.AsInt()
	if xInt && yInt {
		return order(xi < yi, xi > yi), nil
	}
	if xf, ok := x.AsNumber(); ok {
		if yf, ok := y.AsNumber(); ok {
			if math.IsNaN(xf) || math.IsNaN(yf) {
				return Unordered, nil
			}
			return order(xf < yf, xf > yf), nil
		}
	}
	if xs, ok := x.AsString(); ok {
		if ys, ok := y.AsString(); ok {
			return Ordering(strings.Compare(xs, ys)), nil
		}
	}
	if xb, ok := x.AsBytes(); ok {
		if yb, ok := y.AsBytes(); ok {
			return Ordering(bytes.Compare(xb, yb)), nil
		}
	}
	return Unordered, typeErrorf("cannot compare %s and %s", x.Kind(), y.Kind())
}

func order(less, greater bool) Ordering {
	switch {
	case less:
		return Less
	case greater:
		return Greater
	}
	return Same
}

// ---------------------------------------------------------------------------
// Hashing and truthiness
// ---------------------------------------------------------------------------

// Hash returns a hash of v. Strings and Bytes use FNV-1a, Ints hash to
// themselves and Floats to their bit pattern. Containers mix their items.
func Hash(v *Value) uint64 {
	switch v.Kind() {
	case KindNil:
		return 0
	case KindBool, KindInt, KindFloat, KindPid:
		return v.bits
	case KindString:
		h, _ := v.StringHash()
		return uint64(h)
	case KindBytes:
		b, _ := v.AsBytes()
		return uint64(HashBytes(b))
	}
	h := uint64(fnvOffset32) ^ uint64(v.Kind())
	mix := func(x uint64) {
		h ^= x
		h *= 1099511628211
	}
	switch p := v.payload().(type) {
	case *arrayData:
		for _, item := range p.items {
			mix(Hash(item))
		}
	case *mapData:
		var acc uint64
		p.each(func(e *mapEntry) { acc += uint64(e.hash) ^ Hash(e.val) })
		mix(acc)
	case *vectorData:
		for _, x := range p.xs {
			mix(math.Float64bits(x))
		}
	case *wrapData:
		if p.ok {
			mix(1)
		}
		if p.inner != nil {
			mix(Hash(p.inner))
		}
	case *structData:
		mix(uint64(HashString(p.typeName)))
		for _, f := range p.fields {
			mix(Hash(f.Value))
		}
	case *enumData:
		mix(uint64(HashString(p.typeName)))
		mix(uint64(HashString(p.variant)))
		if p.payload != nil {
			mix(Hash(p.payload))
		}
	case *FunctionInfo:
		mix(uint64(p.Index))
	case *closureData:
		mix(HandleOf(v))
	}
	return h
}

// Truthy is the rule bytecode uses: Nil, false, Int 0 and Float 0.0 are
// false and everything else, including empty containers, is true.
func Truthy(v *Value) bool {
	switch v.Kind() {
	case KindNil:
		return false
	case KindBool, KindInt:
		return v.bits != 0
	case KindFloat:
		f, _ := v.AsFloat()
		return f != 0
	}
	return true
}

// IsTruthy is the helper rule used outside bytecode. It extends Truthy by
// treating empty Strings, Bytes, Arrays and Maps as false.
func IsTruthy(v *Value) bool {
	if !Truthy(v) {
		return false
	}
	switch v.Kind() {
	case KindString, KindBytes, KindArray, KindMap:
		n, _ := v.Len()
		return n > 0
	}
	return true
}
