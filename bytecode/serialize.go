package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/agim-lang/agim/value"
)

// File layout, all integers big-endian:
//
//	[magic:4] [version:4]
//	[main chunk]
//	[function_count:4] { [name] [arity:1] [locals:2] [upvalues:2] [chunk] }
//	[string_count:4] { [len:4] [bytes] }
//	[tool_count:4] { [name] [description] [arity:1] }
//	[source name]
//
// where a chunk is
//
//	[code_len:4] [code] [code_len x line:4] [const_count:4] [constants]
//
// Constants use the value payload encoding, plus the Function tag:
//
//	[0x08] [index:4] [arity:1] [upvalues:2] [locals:2] [name]

// Marshal encodes b.
func Marshal(b *Bytecode) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, b.Version)

	var err error
	if buf, err = appendChunk(buf, b.Main); err != nil {
		return nil, fmt.Errorf("main chunk: %w", err)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Functions)))
	for i, f := range b.Functions {
		if f.Arity > math.MaxUint8 || f.Locals > math.MaxUint16 || f.Upvalues > math.MaxUint16 {
			return nil, value.SerializeErrorf(value.SerializeOverflow, "function %d (%s): arity, locals or upvalues out of range", i, f.Name)
		}
		buf = appendString(buf, f.Name)
		buf = append(buf, byte(f.Arity))
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Locals))
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Upvalues))
		if buf, err = appendChunk(buf, f.Chunk); err != nil {
			return nil, fmt.Errorf("function %d (%s): %w", i, f.Name, err)
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Strings)))
	for _, s := range b.Strings {
		buf = appendString(buf, s)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Tools)))
	for _, t := range b.Tools {
		buf = appendString(buf, t.Name)
		buf = appendString(buf, t.Description)
		buf = append(buf, byte(t.Arity))
	}

	buf = appendString(buf, b.Source)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendChunk(buf []byte, c *Chunk) ([]byte, error) {
	if c == nil {
		c = NewChunk()
	}
	if len(c.Code) > MaxCodeSize {
		return nil, value.SerializeErrorf(value.SerializeOverflow, "code size %d exceeds %d", len(c.Code), MaxCodeSize)
	}
	if len(c.Constants) > MaxConstants {
		return nil, value.SerializeErrorf(value.SerializeOverflow, "%d constants exceed %d", len(c.Constants), MaxConstants)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)
	for i := range c.Code {
		buf = binary.BigEndian.AppendUint32(buf, c.Line(i))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Constants)))
	var err error
	for i, k := range c.Constants {
		if info, ok := k.Function(); ok && k.IsFunction() {
			buf = append(buf, value.TagFunction)
			buf = binary.BigEndian.AppendUint32(buf, uint32(info.Index))
			buf = append(buf, byte(info.Arity))
			buf = binary.BigEndian.AppendUint16(buf, uint16(info.Upvalues))
			buf = binary.BigEndian.AppendUint16(buf, uint16(info.Locals))
			buf = appendString(buf, info.Name)
			continue
		}
		if buf, err = value.AppendEncoded(buf, k); err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
	}
	return buf, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Unmarshal decodes a program. Truncated input, a wrong magic number, a
// newer version and oversized chunks are rejected with a
// *value.SerializeError.
func Unmarshal(data []byte) (*Bytecode, error) {
	r := &reader{data: data}
	magic, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != Magic {
		return nil, value.SerializeErrorf(value.SerializeCorrupt, "bad magic %q", magic)
	}
	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version > Version {
		return nil, value.SerializeErrorf(value.SerializeVersion, "version %d is newer than supported version %d", version, Version)
	}

	b := New("")
	b.Version = version
	if b.Main, err = r.chunk(); err != nil {
		return nil, fmt.Errorf("main chunk: %w", err)
	}

	n, err := r.count(9)
	if err != nil {
		return nil, err
	}
	b.Functions = make([]*Function, 0, n)
	for i := range n {
		f := &Function{}
		if f.Name, err = r.str(); err != nil {
			return nil, err
		}
		arity, err := r.u8()
		if err != nil {
			return nil, err
		}
		locals, err := r.u16()
		if err != nil {
			return nil, err
		}
		upvalues, err := r.u16()
		if err != nil {
			return nil, err
		}
		f.Arity, f.Locals, f.Upvalues = int(arity), int(locals), int(upvalues)
		if f.Chunk, err = r.chunk(); err != nil {
			return nil, fmt.Errorf("function %d (%s): %w", i, f.Name, err)
		}
		b.Functions = append(b.Functions, f)
	}

	if n, err = r.count(4); err != nil {
		return nil, err
	}
	for range n {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		b.Strings = append(b.Strings, s)
	}
	b.indexStrings()

	if n, err = r.count(9); err != nil {
		return nil, err
	}
	for range n {
		var t Tool
		if t.Name, err = r.str(); err != nil {
			return nil, err
		}
		if t.Description, err = r.str(); err != nil {
			return nil, err
		}
		arity, err := r.u8()
		if err != nil {
			return nil, err
		}
		t.Arity = int(arity)
		b.Tools = append(b.Tools, t)
	}

	// The source name was added after the first files were written.
	if r.remaining() > 0 {
		if b.Source, err = r.str(); err != nil {
			return nil, err
		}
	}
	if r.remaining() > 0 {
		return nil, value.SerializeErrorf(value.SerializeCorrupt, "%d trailing bytes", r.remaining())
	}
	return b, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, value.SerializeErrorf(value.SerializeBuffer, "need %d bytes at offset %d, have %d", n, r.pos, r.remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// count reads an element count, each element taking at least size bytes.
func (r *reader) count(size int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(size) > uint64(r.remaining()) {
		return 0, value.SerializeErrorf(value.SerializeBuffer, "count %d exceeds remaining input", n)
	}
	return int(n), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) chunk() (*Chunk, error) {
	size, err := r.u32()
	if err != nil {
		return nil, err
	}
	if size > MaxCodeSize {
		return nil, value.SerializeErrorf(value.SerializeOverflow, "code size %d exceeds %d", size, MaxCodeSize)
	}
	code, err := r.bytes(int(size))
	if err != nil {
		return nil, err
	}
	c := &Chunk{
		Code:  append([]byte(nil), code...),
		Lines: make([]uint32, size),
	}
	for i := range c.Lines {
		if c.Lines[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxConstants {
		return nil, value.SerializeErrorf(value.SerializeOverflow, "%d constants exceed %d", n, MaxConstants)
	}
	if int(n) > r.remaining() {
		return nil, value.SerializeErrorf(value.SerializeBuffer, "constant count %d exceeds remaining input", n)
	}
	c.Constants = make([]*value.Value, 0, n)
	for range n {
		k, err := r.constant()
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", len(c.Constants), err)
		}
		c.Constants = append(c.Constants, k)
	}
	c.Caches = make([]InlineCache, c.cacheSlots())
	return c, nil
}

func (r *reader) constant() (*value.Value, error) {
	if r.remaining() > 0 && r.data[r.pos] == value.TagFunction {
		r.pos++
		index, err := r.u32()
		if err != nil {
			return nil, err
		}
		arity, err := r.u8()
		if err != nil {
			return nil, err
		}
		upvalues, err := r.u16()
		if err != nil {
			return nil, err
		}
		locals, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		fn := value.NewFunction(value.FunctionInfo{
			Name:     name,
			Arity:    int(arity),
			Index:    int(index),
			Upvalues: int(upvalues),
			Locals:   int(locals),
		})
		fn.Saturate()
		return fn, nil
	}

	v, n, err := value.DecodePrefix(nil, r.data[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos += n
	if s, ok := v.AsString(); ok {
		v.Release()
		return value.Intern(s), nil
	}
	v.Saturate()
	return v, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile marshals b to path.
func WriteFile(path string, b *Bytecode) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads a program from path.
func ReadFile(path string) (*Bytecode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if b.Source == "" {
		b.Source = path
	}
	return b, nil
}
