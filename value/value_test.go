package value

import (
	"errors"
	"math"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Refcount
// ---------------------------------------------------------------------------

func TestFreshValueRefCount(t *testing.T) {
	v := NewArray(0)
	if v.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1", v.RefCount())
	}
}

func TestRetainRelease(t *testing.T) {
	v := NewArray(0)
	if !v.Retain() {
		t.Fatal("Retain() = false on live value")
	}
	if v.RefCount() != 2 {
		t.Errorf("RefCount() after Retain = %d, want 2", v.RefCount())
	}
	if v.Release() {
		t.Error("Release() freed a value with two references")
	}
	if v.RefCount() != 1 {
		t.Errorf("RefCount() after Release = %d, want 1", v.RefCount())
	}
	if !v.Release() {
		t.Error("last Release() did not free")
	}
	if v.RefCount() != RefFreeing {
		t.Errorf("RefCount() after free = %#x, want RefFreeing", v.RefCount())
	}
	if v.Retain() {
		t.Error("Retain() resurrected a freed value")
	}
}

func TestSaturatedRefCount(t *testing.T) {
	v := NewString("pinned")
	v.Saturate()
	v.Retain()
	v.Release()
	v.Release()
	if v.RefCount() != RefSaturated {
		t.Errorf("RefCount() = %#x, want RefSaturated", v.RefCount())
	}
}

func TestReleaseFreesChildren(t *testing.T) {
	child := NewArray(0)
	parent := NewArrayOf(child)
	parent.Release()
	if !child.Freeing() {
		t.Error("child not freed with its parent")
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	v := NewMap(0)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				v.Retain()
				v.Release()
			}
		}()
	}
	wg.Wait()
	if v.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1", v.RefCount())
	}
}

// ---------------------------------------------------------------------------
// COW
// ---------------------------------------------------------------------------

func TestImmutableNeverNeedsCOW(t *testing.T) {
	for _, v := range []*Value{NewNil(), NewBool(true), NewInt(3), NewFloat(1.5), NewPid(7), NewString("s"), NewVector([]float64{1}), NewFunction(FunctionInfo{Name: "f"})} {
		v.Retain()
		v.Retain()
		v.MarkShared()
		if v.NeedsCOW() {
			t.Errorf("%s: NeedsCOW() = true for immutable value", v.Kind())
		}
		if v.Shared() {
			t.Errorf("%s: MarkShared() changed an immutable value", v.Kind())
		}
	}
}

func TestCOWIsolation(t *testing.T) {
	a := NewArrayOf(NewInt(1), NewInt(2))
	a.Retain()

	a2, err := ArrayPush(nil, a, NewInt(3))
	if err != nil {
		t.Fatalf("ArrayPush: %v", err)
	}
	if a2 == a {
		t.Fatal("ArrayPush on shared array returned the same handle")
	}
	if n, _ := a2.ArrayLen(); n != 3 {
		t.Errorf("new array length = %d, want 3", n)
	}
	if n, _ := a.ArrayLen(); n != 2 {
		t.Errorf("original array length = %d, want 2", n)
	}
	if a.RefCount() != 1 {
		t.Errorf("original RefCount() = %d, want 1", a.RefCount())
	}
	if a2.RefCount() != 1 {
		t.Errorf("clone RefCount() = %d, want 1", a2.RefCount())
	}
}

func TestUniqueArrayMutatesInPlace(t *testing.T) {
	a := NewArray(0)
	h := a
	var err error
	for i := range 20 {
		if a, err = ArrayPush(nil, a, NewInt(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if a, err = ArraySet(nil, a, 3, NewInt(99)); err != nil {
		t.Fatal(err)
	}
	if a != h {
		t.Error("unique array changed handle")
	}
	if v, _ := a.ArrayAt(3); !Equal(v, NewInt(99)) {
		t.Errorf("a[3] = %v, want 99", v)
	}
}

func TestArrayPushDoublesCapacity(t *testing.T) {
	a := NewArray(0)
	caps := []int{}
	for i := range 33 {
		a, _ = ArrayPush(nil, a, NewInt(int64(i)))
		c, _ := a.ArrayCap()
		if len(caps) == 0 || caps[len(caps)-1] != c {
			caps = append(caps, c)
		}
	}
	want := []int{4, 8, 16, 32, 64}
	if len(caps) != len(want) {
		t.Fatalf("capacities = %v, want %v", caps, want)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Fatalf("capacities = %v, want %v", caps, want)
		}
	}
}

func TestArrayTransforms(t *testing.T) {
	a := NewArrayOf(NewInt(3), NewInt(1), NewInt(2))
	var err error
	if a, err = ArrayInsert(nil, a, 0, NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if a, err = ArraySort(nil, a); err != nil {
		t.Fatal(err)
	}
	if got := a.String(); got != "[0, 1, 2, 3]" {
		t.Errorf("sorted = %s", got)
	}
	if a, err = ArrayReverse(nil, a); err != nil {
		t.Fatal(err)
	}
	a, popped, err := ArrayPop(nil, a)
	if err != nil || !Equal(popped, NewInt(0)) {
		t.Errorf("ArrayPop = %v, %v", popped, err)
	}
	a, removed, err := ArrayRemove(nil, a, 0)
	if err != nil || !Equal(removed, NewInt(3)) {
		t.Errorf("ArrayRemove = %v, %v", removed, err)
	}
	if got := a.String(); got != "[2, 1]" {
		t.Errorf("after remove = %s", got)
	}
	if _, err := ArraySet(nil, a, 5, NewNil()); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("ArraySet out of range err = %v, want ErrOutOfBounds", err)
	}
	if a, err = ArrayClear(nil, a); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.ArrayLen(); n != 0 {
		t.Errorf("length after clear = %d", n)
	}
}

func TestArraySortByDescending(t *testing.T) {
	a := NewArrayOf(NewInt(1), NewInt(3), NewInt(2))
	a, err := ArraySortBy(nil, a, func(x, y *Value) (int, error) {
		o, err := Compare(y, x)
		return int(o), err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := a.String(); got != "[3, 2, 1]" {
		t.Errorf("sorted = %s, want [3, 2, 1]", got)
	}
}

func TestArraySortMixedFails(t *testing.T) {
	a := NewArrayOf(NewInt(1), NewString("x"))
	if _, err := ArraySort(nil, a); !errors.Is(err, ErrType) {
		t.Errorf("err = %v, want ErrType", err)
	}
}

// ---------------------------------------------------------------------------
// Map
// ---------------------------------------------------------------------------

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap(0)
	var err error
	for i := range 100 {
		key := NewString(string(rune('a'+i%26)) + string(rune('A'+i/26)))
		if m, err = MapSet(nil, m, key, NewInt(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := m.MapLen(); n != 100 {
		t.Fatalf("MapLen() = %d, want 100", n)
	}
	v, ok := m.MapGetString("cA")
	if !ok || !Equal(v, NewInt(2)) {
		t.Errorf("m[cA] = %v, %v", v, ok)
	}
	if m, err = MapDelete(nil, m, NewString("cA")); err != nil {
		t.Fatal(err)
	}
	if m.MapHas(NewString("cA")) {
		t.Error("deleted key still present")
	}
	if _, err := MapSet(nil, m, NewInt(1), NewNil()); !errors.Is(err, ErrType) {
		t.Errorf("non-string key err = %v, want ErrType", err)
	}
}

func TestMapLoadFactorResize(t *testing.T) {
	m := NewMap(0)
	shape, _ := m.MapShape()
	for i := range 6 {
		m, _ = MapSetString(nil, m, string(rune('a'+i)), NewInt(int64(i)))
	}
	after, _ := m.MapShape()
	if shape == after {
		t.Error("shape unchanged after exceeding load factor")
	}
	p := m.hashMap()
	if float64(p.count) > float64(len(p.buckets))*mapLoadFactor {
		t.Errorf("count %d over load factor for %d buckets", p.count, len(p.buckets))
	}
}

func TestMapChainDepthForcesResize(t *testing.T) {
	m := NewMap(1 << 12)
	p := m.hashMap()
	before := len(p.buckets)
	// Plant a long chain directly so only the depth rule can trigger.
	for i := range mapMaxChainLen {
		p.buckets[0] = &mapEntry{key: Intern("dup"), hash: uint32(i * before), val: NewNil(), next: p.buckets[0]}
		p.count++
	}
	key := Intern("probe")
	_, grow := p.put(key, uint32(17*before), NewNil())
	if !grow {
		t.Error("put on a chain of depth 16 did not request a resize")
	}
}

func TestMapCOWChangesShape(t *testing.T) {
	m, _ := MapSetString(nil, NewMap(0), "a", NewInt(1))
	shape, _ := m.MapShape()
	m.Retain()
	m2, err := MapSetString(nil, m, "b", NewInt(2))
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := m2.MapShape()
	if s2 == shape {
		t.Error("COW clone kept the original shape")
	}
	if m.MapHas(NewString("b")) {
		t.Error("original map changed")
	}
}

func TestMapGetAt(t *testing.T) {
	m, _ := MapSetString(nil, NewMap(0), "k", NewInt(5))
	key := Intern("k")
	v, bucket, ok := m.MapLookup(key)
	if !ok || !Equal(v, NewInt(5)) {
		t.Fatalf("MapLookup = %v, %v", v, ok)
	}
	if got, ok := m.MapGetAt(bucket, key); !ok || got != v {
		t.Errorf("MapGetAt(%d) = %v, %v", bucket, got, ok)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic, equality, ordering
// ---------------------------------------------------------------------------

func TestArith(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		x, y *Value
		want *Value
	}{
		{"int add", OpAdd, NewInt(2), NewInt(3), NewInt(5)},
		{"int wrap", OpAdd, NewInt(math.MaxInt64), NewInt(1), NewInt(math.MinInt64)},
		{"mixed add", OpAdd, NewInt(1), NewFloat(0.5), NewFloat(1.5)},
		{"int div", OpDiv, NewInt(7), NewInt(2), NewInt(3)},
		{"float div zero", OpDiv, NewFloat(1), NewFloat(0), NewFloat(math.Inf(1))},
		{"int mod", OpMod, NewInt(7), NewInt(3), NewInt(1)},
		{"concat", OpAdd, NewString("ab"), NewString("cd"), NewString("abcd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Arith(nil, tt.op, tt.x, tt.y)
			if err != nil {
				t.Fatal(err)
			}
			if !Equal(got, tt.want) || got.Kind() != tt.want.Kind() {
				t.Errorf("got %v (%s), want %v (%s)", got, got.Kind(), tt.want, tt.want.Kind())
			}
		})
	}
}

func TestArithErrors(t *testing.T) {
	if _, err := Div(nil, NewInt(1), NewInt(0)); !errors.Is(err, ErrDivisionByZero) || !errors.Is(err, ErrType) {
		t.Errorf("int div by zero err = %v", err)
	}
	if _, err := Mod(nil, NewInt(1), NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("int mod by zero err = %v", err)
	}
	if _, err := Add(nil, NewInt(1), NewString("x")); !errors.Is(err, ErrType) {
		t.Errorf("int + string err = %v", err)
	}
}

func TestConcatLength(t *testing.T) {
	c, err := Concat(nil, NewString("héllo"), NewString(" wörld"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := c.AsString()
	if len(s) != len("héllo")+len(" wörld") || s != "héllo wörld" {
		t.Errorf("Concat = %q", s)
	}
}

func TestEqual(t *testing.T) {
	nan := NewFloat(math.NaN())
	mk := func() *Value {
		m, _ := MapSetString(nil, NewMap(0), "a", NewArrayOf(NewInt(1), NewString("x")))
		return m
	}
	tests := []struct {
		name string
		x, y *Value
		want bool
	}{
		{"nil", NewNil(), NewNil(), true},
		{"int float", NewInt(2), NewFloat(2), true},
		{"strings", NewString("a"), NewString("a"), true},
		{"cross type", NewInt(1), NewString("1"), false},
		{"nan", nan, nan, false},
		{"nested maps", mk(), mk(), true},
		{"arrays differ", NewArrayOf(NewInt(1)), NewArrayOf(NewInt(2)), false},
		{"ok vs err", NewOk(NewInt(1)), NewErr(NewInt(1)), false},
		{"none", NewNone(), NewNone(), true},
		{"enum", NewEnum("S", "C", NewInt(1)), NewEnum("S", "C", NewInt(1)), true},
	}
	for _, tt := range tests {
		if got := Equal(tt.x, tt.y); got != tt.want {
			t.Errorf("%s: Equal = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	if o, _ := Compare(NewInt(1), NewFloat(1.5)); o != Less {
		t.Errorf("1 vs 1.5 = %d, want Less", o)
	}
	if o, _ := Compare(NewString("b"), NewString("a")); o != Greater {
		t.Errorf("b vs a = %d, want Greater", o)
	}
	if o, _ := Compare(NewFloat(math.NaN()), NewFloat(1)); o != Unordered {
		t.Errorf("NaN vs 1 = %d, want Unordered", o)
	}
	if _, err := Compare(NewInt(1), NewString("a")); !errors.Is(err, ErrType) {
		t.Errorf("cross type err = %v, want ErrType", err)
	}
}

func TestHash(t *testing.T) {
	if Hash(NewInt(42)) != 42 {
		t.Errorf("Hash(42) = %d", Hash(NewInt(42)))
	}
	if Hash(NewFloat(0)) == Hash(NewFloat(math.Copysign(0, -1))) {
		t.Error("+0.0 and -0.0 hash equal")
	}
	if Hash(NewString("abc")) != uint64(HashString("abc")) {
		t.Error("string hash differs from FNV-1a")
	}
	// FNV-1a 32-bit of "a".
	if HashString("a") != 0xe40c292c {
		t.Errorf("HashString(a) = %#x", HashString("a"))
	}
}

func TestTruthiness(t *testing.T) {
	empty := NewArray(0)
	tests := []struct {
		v        *Value
		vm, help bool
	}{
		{NewNil(), false, false},
		{NewBool(false), false, false},
		{NewInt(0), false, false},
		{NewFloat(0), false, false},
		{NewInt(2), true, true},
		{NewString(""), true, false},
		{empty, true, false},
		{NewMap(0), true, false},
		{NewArrayOf(NewNil()), true, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.v); got != tt.vm {
			t.Errorf("Truthy(%v) = %v, want %v", tt.v, got, tt.vm)
		}
		if got := IsTruthy(tt.v); got != tt.help {
			t.Errorf("IsTruthy(%v) = %v, want %v", tt.v, got, tt.help)
		}
	}
}

// ---------------------------------------------------------------------------
// Render
// ---------------------------------------------------------------------------

func TestRender(t *testing.T) {
	m, _ := MapSetString(nil, NewMap(0), "b", NewInt(2))
	m, _ = MapSetString(nil, m, "a", NewString("x"))
	tests := []struct {
		v    *Value
		text string
		json string
	}{
		{NewNil(), "nil", "null"},
		{NewFloat(2), "2.0", "2"},
		{NewString("hi"), "hi", `"hi"`},
		{m, `{"a": "x", "b": 2}`, `{"a":"x","b":2}`},
		{NewSome(NewInt(1)), "Some(1)", "1"},
		{NewErr(NewString("e")), `Err("e")`, `{"err":"e"}`},
		{NewStruct("P", []Field{{"x", NewInt(1)}, {"y", NewInt(2)}}), "P { x: 1, y: 2 }", `{"x":1,"y":2}`},
		{NewEnum("Shape", "Dot", nil), "Shape::Dot", `{"type":"Shape","variant":"Dot"}`},
		{NewFloat(math.NaN()), "nan", "null"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.text {
			t.Errorf("String() = %s, want %s", got, tt.text)
		}
		if got := JSON(tt.v); got != tt.json {
			t.Errorf("JSON() = %s, want %s", got, tt.json)
		}
	}
}

// ---------------------------------------------------------------------------
// DeepCopy, intern, handles
// ---------------------------------------------------------------------------

func TestDeepCopy(t *testing.T) {
	inner := NewArrayOf(NewInt(1))
	m, _ := MapSetString(nil, NewMap(0), "xs", inner)
	c, err := DeepCopy(nil, m)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(c, m) {
		t.Fatal("copy not equal to original")
	}
	cx, _ := c.MapGetString("xs")
	if cx == inner {
		t.Error("copy shares a mutable child")
	}
	s := NewString("shared")
	if cs, _ := DeepCopy(nil, s); cs != s {
		t.Error("immutable value copied instead of retained")
	}
}

func TestIntern(t *testing.T) {
	a := Intern("key")
	b := Intern("key")
	if a != b {
		t.Error("Intern returned different values for equal strings")
	}
	if a.RefCount() != RefSaturated {
		t.Errorf("interned RefCount() = %#x, want RefSaturated", a.RefCount())
	}
}

func TestHandles(t *testing.T) {
	v := NewArray(0)
	h := HandleOf(v)
	if h == 0 {
		t.Fatal("HandleOf returned 0")
	}
	if HandleOf(v) != h {
		t.Error("HandleOf not stable")
	}
	if Resolve(h) != v {
		t.Error("Resolve did not return the value")
	}
	v.Release()
	if Resolve(h) != nil {
		t.Error("handle still resolves after free")
	}
}

func TestHandlesReused(t *testing.T) {
	a := NewArray(0)
	h := HandleOf(a)
	a.Release()

	b := NewArray(0)
	defer b.Release()
	if got := HandleOf(b); got != h {
		t.Errorf("HandleOf after free = %d, want recycled handle %d", got, h)
	}
	if Resolve(h) != b {
		t.Error("recycled handle does not resolve to its new value")
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func TestAccessorsReportMismatch(t *testing.T) {
	v := NewString("s")
	if _, ok := v.AsInt(); ok {
		t.Error("AsInt on string reported ok")
	}
	if _, ok := v.ArrayLen(); ok {
		t.Error("ArrayLen on string reported ok")
	}
	var nilv *Value
	if !nilv.IsNil() {
		t.Error("nil pointer is not Nil")
	}
	if _, ok := nilv.AsString(); ok {
		t.Error("AsString on nil pointer reported ok")
	}
}

func TestStructSetCOW(t *testing.T) {
	s := NewStruct("P", []Field{{"x", NewInt(1)}})
	s.Retain()
	s2, err := StructSet(nil, s, "x", NewInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if s2 == s {
		t.Fatal("shared struct mutated in place")
	}
	if v, _ := s.Field("x"); !Equal(v, NewInt(1)) {
		t.Errorf("original x = %v", v)
	}
	if _, err := StructSet(nil, s2, "nope", NewNil()); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown field err = %v", err)
	}
}

func TestClosureUpvalueLifetime(t *testing.T) {
	u := NewUpvalue(3)
	c1 := NewClosure(NewFunction(FunctionInfo{Name: "f"}), []*Upvalue{u})
	c2 := NewClosure(NewFunction(FunctionInfo{Name: "g"}), []*Upvalue{u})
	boxed := NewArray(0)
	u.Close(boxed)
	c1.Release()
	if boxed.Freeing() {
		t.Fatal("upvalue value freed while another closure holds it")
	}
	c2.Release()
	if !boxed.Freeing() {
		t.Error("upvalue value not freed with its last closure")
	}
}
