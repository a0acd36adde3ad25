package value

import "math"

// MaxLength bounds String and Bytes payloads. Lengths travel as u32 on the
// wire, and concatenation refuses to exceed this limit.
const MaxLength = math.MaxInt32

// FNV-1a, 32-bit.
const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// HashString returns the FNV-1a hash of the bytes of s.
func HashString(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// HashBytes returns the FNV-1a hash of b.
func HashBytes(b []byte) uint32 {
	h := fnvOffset32
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

type stringData struct {
	s    string
	hash uint32
}

// NewString returns a fresh immutable String holding s.
func NewString(s string) *Value {
	v := newValue(KindString, true)
	v.ref = &stringData{s: s, hash: HashString(s)}
	return v
}

func (v *Value) AsString() (string, bool) {
	p, ok := v.payload().(*stringData)
	if !ok {
		return "", false
	}
	return p.s, true
}

// StringHash returns the hash stored with a String.
func (v *Value) StringHash() (uint32, bool) {
	p, ok := v.payload().(*stringData)
	if !ok {
		return 0, false
	}
	return p.hash, true
}

// Concat returns a fresh String holding the bytes of x followed by y.
func Concat(a Allocator, x, y *Value) (*Value, error) {
	xs, ok1 := x.AsString()
	ys, ok2 := y.AsString()
	if !ok1 || !ok2 {
		return nil, typeErrorf("cannot concatenate %s and %s", x.Kind(), y.Kind())
	}
	if len(xs) > MaxLength-len(ys) {
		return nil, ErrOverflow
	}
	return track(a, NewString(xs+ys))
}

// ---------------------------------------------------------------------------
// Bytes
// ---------------------------------------------------------------------------

type bytesData struct {
	b []byte
}

// NewBytes returns a fresh Bytes value holding a copy of b.
func NewBytes(b []byte) *Value {
	v := newValue(KindBytes, false)
	v.ref = &bytesData{b: append([]byte(nil), b...)}
	return v
}

// AsBytes returns the bytes of v. The slice is borrowed; callers must not
// modify it.
func (v *Value) AsBytes() ([]byte, bool) {
	p, ok := v.payload().(*bytesData)
	if !ok {
		return nil, false
	}
	return p.b, true
}

// ConcatBytes returns a fresh Bytes holding x followed by y.
func ConcatBytes(a Allocator, x, y *Value) (*Value, error) {
	xb, ok1 := x.AsBytes()
	yb, ok2 := y.AsBytes()
	if !ok1 || !ok2 {
		return nil, typeErrorf("cannot concatenate %s and %s", x.Kind(), y.Kind())
	}
	if len(xb) > MaxLength-len(yb) {
		return nil, ErrOverflow
	}
	out := make([]byte, 0, len(xb)+len(yb))
	out = append(append(out, xb...), yb...)
	v := newValue(KindBytes, false)
	v.ref = &bytesData{b: out}
	return track(a, v)
}

// ---------------------------------------------------------------------------
// Vector
// ---------------------------------------------------------------------------

type vectorData struct {
	xs []float64
}

// NewVector returns a fresh immutable Vector holding a copy of xs.
func NewVector(xs []float64) *Value {
	v := newValue(KindVector, true)
	v.ref = &vectorData{xs: append([]float64(nil), xs...)}
	return v
}

// VectorLen returns the number of components of a Vector.
func (v *Value) VectorLen() (int, bool) {
	p, ok := v.payload().(*vectorData)
	if !ok {
		return 0, false
	}
	return len(p.xs), true
}

// VectorAt returns component i of a Vector.
func (v *Value) VectorAt(i int) (float64, bool) {
	p, ok := v.payload().(*vectorData)
	if !ok || i < 0 || i >= len(p.xs) {
		return 0, false
	}
	return p.xs[i], true
}

// Len returns the length of a String, Bytes, Array, Map or Vector.
func (v *Value) Len() (int, bool) {
	switch p := v.payload().(type) {
	case *stringData:
		return len(p.s), true
	case *bytesData:
		return len(p.b), true
	case *arrayData:
		return len(p.items), true
	case *mapData:
		return p.count, true
	case *vectorData:
		return len(p.xs), true
	}
	return 0, false
}
