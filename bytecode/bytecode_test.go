package bytecode

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agim-lang/agim/value"
)

func TestOpcodeTable(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" {
			t.Errorf("opcode 0x%02X has no name", byte(op))
		}
		if op.String() != info.Name {
			t.Errorf("String() = %q, want %q", op.String(), info.Name)
		}
	}
	if Opcode(0xFF).Valid() {
		t.Error("0xFF should not be a valid opcode")
	}
	if !strings.HasPrefix(Opcode(0xFF).String(), "UNKNOWN") {
		t.Errorf("unknown opcode name = %q", Opcode(0xFF).String())
	}
	if !OpLoop.IsJump() || OpCall.IsJump() {
		t.Error("IsJump covers JUMP through LOOP only")
	}
}

func TestChunkConstantsDedupe(t *testing.T) {
	c := NewChunk()

	i0, _ := c.AddConstant(value.NewInt(42))
	i1, _ := c.AddConstant(value.NewString("hello"))
	i2, _ := c.AddConstant(value.NewInt(42))
	i3, _ := c.AddConstant(value.NewString("hello"))
	i4, _ := c.AddConstant(value.NewFloat(1.5))
	i5, _ := c.AddConstant(value.NewFloat(1.5))

	if i0 != i2 {
		t.Errorf("equal ints got indexes %d and %d", i0, i2)
	}
	if i1 != i3 {
		t.Errorf("equal strings got indexes %d and %d", i1, i3)
	}
	if i4 == i5 {
		t.Error("floats should not be deduplicated")
	}
	if len(c.Constants) != 4 {
		t.Errorf("len(Constants) = %d, want 4", len(c.Constants))
	}
	if c.Constant(int(i1)) != value.Intern("hello") {
		t.Error("string constants should be interned")
	}
	if c.Constant(99) != nil {
		t.Error("out of range constant should be nil")
	}
}

func TestChunkEmitLines(t *testing.T) {
	c := NewChunk()
	c.Emit(OpNil, 1)
	c.EmitU8(OpGetLocal, 3, 2)
	c.EmitU16(OpArrayNew, 0x0102, 3)

	want := []byte{byte(OpNil), byte(OpGetLocal), 3, byte(OpArrayNew), 0x01, 0x02}
	if string(c.Code) != string(want) {
		t.Fatalf("Code = %v, want %v", c.Code, want)
	}
	if len(c.Lines) != len(c.Code) {
		t.Fatalf("len(Lines) = %d, want %d", len(c.Lines), len(c.Code))
	}
	if c.Line(1) != 2 || c.Line(5) != 3 || c.Line(100) != 0 {
		t.Errorf("Lines = %v", c.Lines)
	}
	if c.InstructionCount() != 3 {
		t.Errorf("InstructionCount() = %d, want 3", c.InstructionCount())
	}
}

func TestPatchJump(t *testing.T) {
	c := NewChunk()
	c.Emit(OpTrue, 1)
	jump := c.EmitJump(OpJumpUnless, 1)
	c.Emit(OpNil, 1)
	c.Emit(OpPop, 1)
	if err := c.PatchJump(jump); err != nil {
		t.Fatal(err)
	}
	if got := c.readUint16(jump); got != 2 {
		t.Errorf("jump delta = %d, want 2", got)
	}

	if err := c.PatchJumpTo(jump, 0); !errors.Is(err, ErrJumpTooLarge) {
		t.Errorf("backward patch error = %v, want ErrJumpTooLarge", err)
	}
}

func TestEmitLoop(t *testing.T) {
	c := NewChunk()
	start := len(c.Code)
	c.Emit(OpNop, 1)
	c.Emit(OpNop, 1)
	if err := c.EmitLoop(start, 1); err != nil {
		t.Fatal(err)
	}
	// LOOP at offset 2, the VM lands on 2+3-5 = 0.
	if got := c.readUint16(3); got != 5 {
		t.Errorf("loop delta = %d, want 5", got)
	}
}

func TestClosureInstructionLen(t *testing.T) {
	c := NewChunk()
	fn, _ := c.AddConstant(value.NewFunction(value.FunctionInfo{Name: "adder", Arity: 1, Upvalues: 2}))
	off := c.EmitClosure(fn, []Upvalue{{IsLocal: true, Index: 0}, {Index: 1}}, 1)
	c.Emit(OpReturn, 1)

	if n := c.InstructionLen(off); n != 7 {
		t.Errorf("InstructionLen(CLOSURE) = %d, want 7", n)
	}
	if c.InstructionCount() != 2 {
		t.Errorf("InstructionCount() = %d, want 2", c.InstructionCount())
	}
}

func TestInlineCacheTransitions(t *testing.T) {
	var ic InlineCache
	if _, ok := ic.Lookup(1); ok {
		t.Fatal("hit on empty cache")
	}
	ic.Update(1, 10)
	if ic.State != CacheMonomorphic {
		t.Fatalf("state = %v, want monomorphic", ic.State)
	}
	if b, ok := ic.Lookup(1); !ok || b != 10 {
		t.Fatalf("Lookup(1) = %d, %v", b, ok)
	}

	for shape := uint64(2); shape <= MaxPolymorphic; shape++ {
		ic.Update(shape, int(shape))
	}
	if ic.State != CachePolymorphic || ic.Count != MaxPolymorphic {
		t.Fatalf("state = %v count = %d, want polymorphic with %d", ic.State, ic.Count, MaxPolymorphic)
	}

	ic.Update(99, 1)
	if ic.State != CacheMegamorphic {
		t.Fatalf("state = %v, want megamorphic", ic.State)
	}
	if _, ok := ic.Lookup(1); ok {
		t.Error("megamorphic cache should not hit")
	}
	ic.Update(1, 10)
	if ic.State != CacheMegamorphic {
		t.Error("megamorphic is terminal")
	}

	if ic.Hits != 1 || ic.Misses != 2 {
		t.Errorf("hits/misses = %d/%d, want 1/2", ic.Hits, ic.Misses)
	}
	var stats CacheStats
	stats.Add([]InlineCache{ic, {}})
	if stats.Sites != 2 || stats.Megamorphic != 1 {
		t.Errorf("stats = %+v", stats)
	}

	ic.Reset()
	if ic.State != CacheUninitialized || ic.Hits != 0 {
		t.Error("Reset should clear the cache")
	}
}

func TestBytecodeRefs(t *testing.T) {
	b := New("test")
	b.Retain()
	if b.Refs() != 2 {
		t.Fatalf("Refs() = %d, want 2", b.Refs())
	}
	if b.Release() {
		t.Fatal("first release should not be the last")
	}
	if !b.Release() {
		t.Fatal("second release should be the last")
	}
	if b.Main != nil {
		t.Error("last release should drop the chunks")
	}
}

func TestAddString(t *testing.T) {
	b := New("")
	a := b.AddString("x")
	c := b.AddString("y")
	if b.AddString("x") != a || a == c {
		t.Errorf("AddString indexes: %d %d", a, c)
	}
}

func sampleProgram(t *testing.T) *Bytecode {
	t.Helper()
	b := New("sample.agim")
	b.AddTool(Tool{Name: "search", Description: "web search", Arity: 1})
	b.AddString("greeting")

	f := NewFunction("double", 1)
	f.Locals = 1
	f.Chunk.EmitU8(OpGetLocal, 0, 2)
	f.Chunk.EmitU8(OpGetLocal, 0, 2)
	f.Chunk.Emit(OpAdd, 2)
	f.Chunk.Emit(OpReturn, 2)
	idx := b.AddFunction(f)

	m := b.Main
	fn, _ := m.AddConstant(value.NewFunction(value.FunctionInfo{Name: "double", Arity: 1, Index: idx, Locals: 1}))
	m.EmitClosure(fn, nil, 1)
	if _, err := m.EmitConstant(value.NewInt(21), 1); err != nil {
		t.Fatal(err)
	}
	m.EmitU8(OpCall, 1, 1)
	m.EmitU16(OpMapNew, 0, 3)
	if _, err := m.EmitMapGetIC("name", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := m.EmitConstant(value.NewArrayOf(value.NewInt(1), value.NewString("two")), 4); err != nil {
		t.Fatal(err)
	}
	m.Emit(OpHalt, 5)
	return b
}

func TestMarshalRoundTrip(t *testing.T) {
	b := sampleProgram(t)
	data, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[:4]) != "AGIM" {
		t.Fatalf("magic = %q", data[:4])
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != "sample.agim" || got.Version != Version {
		t.Errorf("Source, Version = %q, %d", got.Source, got.Version)
	}
	if string(got.Main.Code) != string(b.Main.Code) {
		t.Error("main code differs")
	}
	for i := range b.Main.Lines {
		if got.Main.Lines[i] != b.Main.Lines[i] {
			t.Fatalf("line %d = %d, want %d", i, got.Main.Lines[i], b.Main.Lines[i])
		}
	}
	if len(got.Main.Constants) != len(b.Main.Constants) {
		t.Fatalf("constants = %d, want %d", len(got.Main.Constants), len(b.Main.Constants))
	}
	for i, k := range b.Main.Constants {
		if k.String() != got.Main.Constants[i].String() {
			t.Errorf("constant %d = %s, want %s", i, got.Main.Constants[i], k)
		}
	}
	info, ok := got.Main.Constants[0].Function()
	if !ok || info.Name != "double" || info.Arity != 1 || info.Locals != 1 {
		t.Errorf("function constant = %+v", info)
	}
	if len(got.Main.Caches) != 1 {
		t.Errorf("cache slots = %d, want 1", len(got.Main.Caches))
	}

	if len(got.Functions) != 1 {
		t.Fatalf("functions = %d, want 1", len(got.Functions))
	}
	f := got.Functions[0]
	if f.Name != "double" || f.Arity != 1 || f.Locals != 1 {
		t.Errorf("function = %+v", f)
	}
	if string(f.Chunk.Code) != string(b.Functions[0].Chunk.Code) {
		t.Error("function code differs")
	}
	if len(got.Tools) != 1 || got.Tools[0] != b.Tools[0] {
		t.Errorf("tools = %+v", got.Tools)
	}
	if len(got.Strings) != 1 || got.AddString("greeting") != 0 {
		t.Errorf("strings = %v", got.Strings)
	}
}

func TestUnmarshalWithoutSourceName(t *testing.T) {
	b := sampleProgram(t)
	b.Source = ""
	data, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	// Drop the empty source name entirely.
	got, err := Unmarshal(data[:len(data)-4])
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != "" {
		t.Errorf("Source = %q", got.Source)
	}
}

func serializeKind(err error) value.SerializeErrorKind {
	var se *value.SerializeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func TestUnmarshalErrors(t *testing.T) {
	data, err := Marshal(sampleProgram(t))
	if err != nil {
		t.Fatal(err)
	}

	badMagic := append([]byte("NOPE"), data[4:]...)
	if k := serializeKind(mustFail(t, badMagic)); k != value.SerializeCorrupt {
		t.Errorf("bad magic kind = %v, want corrupt", k)
	}

	newer := append([]byte(nil), data...)
	newer[7] = byte(Version + 1)
	if k := serializeKind(mustFail(t, newer)); k != value.SerializeVersion {
		t.Errorf("newer version kind = %v, want version", k)
	}

	for _, n := range []int{0, 3, 7, 12, len(data) / 2} {
		if k := serializeKind(mustFail(t, data[:n])); k != value.SerializeBuffer {
			t.Errorf("truncated at %d kind = %v, want buffer", n, k)
		}
	}

	huge := append([]byte(nil), data[:8]...)
	huge = append(huge, 0x7F, 0xFF, 0xFF, 0xFF)
	if k := serializeKind(mustFail(t, huge)); k != value.SerializeOverflow {
		t.Errorf("oversized code kind = %v, want overflow", k)
	}

	trailing := append(append([]byte(nil), data...), 0)
	if k := serializeKind(mustFail(t, trailing)); k != value.SerializeCorrupt {
		t.Errorf("trailing bytes kind = %v, want corrupt", k)
	}
}

func mustFail(t *testing.T, data []byte) error {
	t.Helper()
	_, err := Unmarshal(data)
	if err == nil {
		t.Fatalf("Unmarshal(%d bytes) succeeded", len(data))
	}
	return err
}

func TestMarshalTooManyConstants(t *testing.T) {
	b := New("")
	b.Main.Constants = make([]*value.Value, MaxConstants+1)
	_, err := Marshal(b)
	if k := serializeKind(err); k != value.SerializeOverflow {
		t.Errorf("kind = %v, want overflow", k)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.agimc")
	b := sampleProgram(t)
	b.Source = ""
	if err := WriteFile(path, b); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != path {
		t.Errorf("Source = %q, want the file path", got.Source)
	}
}

func TestDisassemble(t *testing.T) {
	b := sampleProgram(t)
	c := b.Main
	jump := c.EmitJump(OpJump, 6)
	c.Emit(OpNil, 6)
	if err := c.PatchJump(jump); err != nil {
		t.Fatal(err)
	}

	out := b.Disassemble()
	for _, want := range []string{
		"Agim Bytecode v1",
		"; === main ===",
		"; === double ===",
		"Constants:",
		"CLOSURE 0 ; <fn double>",
		"CONST 1 ; 21",
		"CALL 1",
		`MAP_GET_IC 2 0 ; "name"`,
		"(-> ",
		"; line 2",
		"search/1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleTruncated(t *testing.T) {
	c := NewChunk()
	c.Write(byte(OpConst), 1)
	c.Write(0, 1)
	out := c.Disassemble()
	if !strings.Contains(out, "<truncated>") {
		t.Errorf("expected truncated marker:\n%s", out)
	}
}
