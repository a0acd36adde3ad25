package value

import (
	"math"
	"sync/atomic"
)

// Value is a single runtime value of the Agim language.
//
// Every Value is a heap object with a header (reference count, flags, GC
// state and the intrusive links of the owning heap's object list) and a
// variant payload selected by Kind. Primitive variants store their payload
// inline in bits; the remaining variants keep a typed payload in ref.
//
// Accessors never panic on a kind mismatch: they report absence through a
// second boolean result instead. A nil *Value reads as Nil.
type Value struct {
	Header
	kind Kind
	bits uint64
	ref  any
}

// Kind discriminates the variants a Value can hold.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindPid
	KindString
	KindBytes
	KindArray
	KindMap
	KindVector
	KindClosure
	KindFunction
	KindResult
	KindOption
	KindStruct
	KindEnum
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindPid:      "pid",
	KindString:   "string",
	KindBytes:    "bytes",
	KindArray:    "array",
	KindMap:      "map",
	KindVector:   "vector",
	KindClosure:  "closure",
	KindFunction: "function",
	KindResult:   "result",
	KindOption:   "option",
	KindStruct:   "struct",
	KindEnum:     "enum",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// Value flags.
const (
	FlagCOWShared uint32 = 1 << iota // value has been handed to another block
	FlagImmutable                    // value never changes after construction

	flagEscaped // referenced from outside the owning heap
)

// Header is embedded in every Value. The reference count, flags and handle
// are safe for concurrent use. GC, Size, Next and Prev belong to the owning
// heap and are only touched from the goroutine that runs that heap.
type Header struct {
	rc     atomic.Uint32
	flags  atomic.Uint32
	handle atomic.Uint64
	owner  Owner

	GC   GCBits
	Size int32
	Next *Value
	Prev *Value
}

// GCBits packs the per-object collector state: mark bit, old-generation bit,
// a 3-bit survival counter and the remembered bit.
type GCBits uint8

const (
	gcMarked        GCBits = 1 << 0
	gcOld           GCBits = 1 << 1
	gcSurvivalShift        = 2
	gcSurvivalMask  GCBits = 7 << gcSurvivalShift
	gcRemembered    GCBits = 1 << 5

	// MaxSurvivals is the saturation point of the survival counter.
	MaxSurvivals = 7
)

func (b GCBits) Marked() bool     { return b&gcMarked != 0 }
func (b GCBits) Old() bool        { return b&gcOld != 0 }
func (b GCBits) Remembered() bool { return b&gcRemembered != 0 }
func (b GCBits) Survivals() int   { return int((b & gcSurvivalMask) >> gcSurvivalShift) }

func (b *GCBits) set(bit GCBits, on bool) {
	if on {
		*b |= bit
	} else {
		*b &^= bit
	}
}

func (b *GCBits) SetMarked(on bool)     { b.set(gcMarked, on) }
func (b *GCBits) SetOld(on bool)        { b.set(gcOld, on) }
func (b *GCBits) SetRemembered(on bool) { b.set(gcRemembered, on) }

// Survive bumps the survival counter, saturating at MaxSurvivals, and returns
// the new count.
func (b *GCBits) Survive() int {
	n := b.Survivals()
	if n < MaxSurvivals {
		n++
		*b = (*b &^ gcSurvivalMask) | GCBits(n)<<gcSurvivalShift
	}
	return n
}

// Reset clears every collector bit.
func (b *GCBits) Reset() { *b = 0 }

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func newValue(k Kind, immutable bool) *Value {
	v := &Value{kind: k}
	v.rc.Store(1)
	if immutable {
		v.flags.Store(FlagImmutable)
	}
	return v
}

// NewNil returns a fresh Nil value.
func NewNil() *Value { return newValue(KindNil, true) }

// NewBool returns a fresh Bool value.
func NewBool(b bool) *Value {
	v := newValue(KindBool, true)
	if b {
		v.bits = 1
	}
	return v
}

// NewInt returns a fresh 64-bit Int value.
func NewInt(i int64) *Value {
	v := newValue(KindInt, true)
	v.bits = uint64(i)
	return v
}

// NewFloat returns a fresh Float value.
func NewFloat(f float64) *Value {
	v := newValue(KindFloat, true)
	v.bits = math.Float64bits(f)
	return v
}

// NewPid returns a fresh Pid value.
func NewPid(pid uint64) *Value {
	v := newValue(KindPid, true)
	v.bits = pid
	return v
}

// Zero returns a fresh value of the given kind with an empty payload.
func Zero(k Kind) *Value {
	switch k {
	case KindBool:
		return NewBool(false)
	case KindInt:
		return NewInt(0)
	case KindFloat:
		return NewFloat(0)
	case KindPid:
		return NewPid(0)
	case KindString:
		return NewString("")
	case KindBytes:
		return NewBytes(nil)
	case KindArray:
		return NewArray(0)
	case KindMap:
		return NewMap(0)
	case KindVector:
		return NewVector(nil)
	case KindResult:
		return NewOk(NewNil())
	case KindOption:
		return NewNone()
	case KindStruct:
		return NewStruct("", nil)
	case KindEnum:
		return NewEnum("", "", nil)
	case KindFunction:
		return NewFunction(FunctionInfo{})
	case KindClosure:
		return NewClosure(NewFunction(FunctionInfo{}), nil)
	}
	return NewNil()
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// Kind reports the variant of v. A nil pointer is Nil.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNil
	}
	return v.kind
}

func (v *Value) Is(k Kind) bool   { return v.Kind() == k }
func (v *Value) IsNil() bool      { return v.Kind() == KindNil }
func (v *Value) IsBool() bool     { return v.Kind() == KindBool }
func (v *Value) IsInt() bool      { return v.Kind() == KindInt }
func (v *Value) IsFloat() bool    { return v.Kind() == KindFloat }
func (v *Value) IsPid() bool      { return v.Kind() == KindPid }
func (v *Value) IsString() bool   { return v.Kind() == KindString }
func (v *Value) IsBytes() bool    { return v.Kind() == KindBytes }
func (v *Value) IsArray() bool    { return v.Kind() == KindArray }
func (v *Value) IsMap() bool      { return v.Kind() == KindMap }
func (v *Value) IsVector() bool   { return v.Kind() == KindVector }
func (v *Value) IsClosure() bool  { return v.Kind() == KindClosure }
func (v *Value) IsFunction() bool { return v.Kind() == KindFunction }
func (v *Value) IsResult() bool   { return v.Kind() == KindResult }
func (v *Value) IsOption() bool   { return v.Kind() == KindOption }
func (v *Value) IsStruct() bool   { return v.Kind() == KindStruct }
func (v *Value) IsEnum() bool     { return v.Kind() == KindEnum }

// IsNumber reports whether v is an Int or a Float.
func (v *Value) IsNumber() bool {
	k := v.Kind()
	return k == KindInt || k == KindFloat
}

// IsCallable reports whether v can be the target of a call.
func (v *Value) IsCallable() bool {
	k := v.Kind()
	return k == KindClosure || k == KindFunction
}

// ---------------------------------------------------------------------------
// Primitive accessors
// ---------------------------------------------------------------------------

func (v *Value) AsBool() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.bits != 0, true
}

func (v *Value) AsInt() (int64, bool) {
	if v.Kind() != KindInt {
		return 0, false
	}
	return int64(v.bits), true
}

func (v *Value) AsFloat() (float64, bool) {
	if v.Kind() != KindFloat {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// AsNumber returns v as a float64 when it is an Int or a Float.
func (v *Value) AsNumber() (float64, bool) {
	switch v.Kind() {
	case KindInt:
		return float64(int64(v.bits)), true
	case KindFloat:
		return math.Float64frombits(v.bits), true
	}
	return 0, false
}

func (v *Value) AsPid() (uint64, bool) {
	if v.Kind() != KindPid {
		return 0, false
	}
	return v.bits, true
}

// ---------------------------------------------------------------------------
// Ownership hooks
// ---------------------------------------------------------------------------

// Owner is the heap a Value was allocated from. The heap is told about
// stores into its containers and about values whose refcount reached zero.
// Reclaim may be called from any goroutine.
type Owner interface {
	WriteBarrier(container, child *Value)
	Reclaim(v *Value)
}

// Allocator links freshly built values into a heap. Operations that may
// allocate (COW clones, concatenation, decoding) take one explicitly; a nil
// Allocator leaves values unowned.
type Allocator interface {
	Track(v *Value) error
	Owns(v *Value) bool
}

// Owner returns the heap that tracks v, or nil for unowned values.
func (v *Value) Owner() Owner {
	if v == nil {
		return nil
	}
	return v.owner
}

// SetOwner records the heap that tracks v. Only heaps call this.
func (v *Value) SetOwner(o Owner) { v.owner = o }

func track(a Allocator, v *Value) (*Value, error) {
	if a == nil {
		return v, nil
	}
	if err := a.Track(v); err != nil {
		return nil, err
	}
	return v, nil
}

func barrier(container, child *Value) {
	if child == nil || container.owner == nil {
		return
	}
	container.owner.WriteBarrier(container, child)
}

// mutable reports whether a mutating transform may change v in place.
func mutable(a Allocator, v *Value) bool {
	if v.NeedsCOW() {
		return false
	}
	if a != nil && !a.Owns(v) {
		return false
	}
	return true
}

// Each calls fn for every Value directly referenced by v.
func (v *Value) Each(fn func(*Value)) {
	switch p := v.payload().(type) {
	case *arrayData:
		for _, item := range p.items {
			fn(item)
		}
	case *mapData:
		p.each(func(e *mapEntry) { fn(e.val) })
	case *structData:
		for _, f := range p.fields {
			fn(f.Value)
		}
	case *enumData:
		if p.payload != nil {
			fn(p.payload)
		}
	case *wrapData:
		if p.inner != nil {
			fn(p.inner)
		}
	case *closureData:
		fn(p.fn)
		for _, u := range p.upvalues {
			if !u.IsOpen && u.Closed != nil {
				fn(u.Closed)
			}
		}
	}
}

// EachHeld is Each restricted to the references v owns: fn sees each of
// them once. A closed upvalue shared by several closures owns a single
// reference, so cells already in seen are skipped and new ones are added.
func (v *Value) EachHeld(seen map[*Upvalue]bool, fn func(*Value)) {
	p, ok := v.payload().(*closureData)
	if !ok {
		v.Each(fn)
		return
	}
	fn(p.fn)
	for _, u := range p.upvalues {
		if u.IsOpen || u.Closed == nil || seen[u] {
			continue
		}
		seen[u] = true
		fn(u.Closed)
	}
}

func (v *Value) payload() any {
	if v == nil {
		return nil
	}
	return v.ref
}

// SizeOf estimates the bytes held by v, used for heap accounting.
func SizeOf(v *Value) int {
	const header = 64
	switch p := v.payload().(type) {
	case *stringData:
		return header + len(p.s)
	case *bytesData:
		return header + len(p.b)
	case *arrayData:
		return header + 8*cap(p.items)
	case *mapData:
		return header + 8*len(p.buckets) + 40*p.count
	case *vectorData:
		return header + 8*len(p.xs)
	case *structData:
		return header + 24*len(p.fields)
	case *closureData:
		return header + 8*len(p.upvalues)
	}
	return header
}
