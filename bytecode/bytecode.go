// Package bytecode defines the compiled form of Agim programs: chunks of
// stack VM instructions, their constant pools and inline cache slots, the
// Bytecode container that groups a program's chunks, its binary file
// format, and a disassembler.
package bytecode

import (
	"sync/atomic"
)

// Version is the current file format version.
const Version uint32 = 1

// Magic starts every bytecode file.
var Magic = [4]byte{'A', 'G', 'I', 'M'}

// Tool describes a host tool a program may invoke with TOOL_CALL.
type Tool struct {
	Name        string
	Description string
	Arity       int
}

// Bytecode is a compiled program. It is shared, read-only, by every block
// running it and is reference counted so the last user can drop it.
type Bytecode struct {
	Main      *Chunk
	Functions []*Function
	Strings   []string
	Tools     []Tool
	Source    string
	Version   uint32

	strings map[string]uint32
	refs    atomic.Int32
}

// New returns an empty program with one reference.
func New(source string) *Bytecode {
	b := &Bytecode{
		Main:    NewChunk(),
		Source:  source,
		Version: Version,
		strings: make(map[string]uint32),
	}
	b.refs.Store(1)
	return b
}

// Retain adds a reference.
func (b *Bytecode) Retain() *Bytecode {
	b.refs.Add(1)
	return b
}

// Release drops a reference and reports whether it was the last one. The
// program must not be used by the caller afterwards.
func (b *Bytecode) Release() bool {
	if b.refs.Add(-1) != 0 {
		return false
	}
	b.Main = nil
	b.Functions = nil
	return true
}

// Refs returns the current reference count.
func (b *Bytecode) Refs() int { return int(b.refs.Load()) }

// AddFunction appends f and returns its index.
func (b *Bytecode) AddFunction(f *Function) int {
	b.Functions = append(b.Functions, f)
	return len(b.Functions) - 1
}

// Function returns function i.
func (b *Bytecode) Function(i int) (*Function, bool) {
	if i < 0 || i >= len(b.Functions) {
		return nil, false
	}
	return b.Functions[i], true
}

// AddString adds s to the string table, reusing an existing entry.
func (b *Bytecode) AddString(s string) uint32 {
	if b.strings == nil {
		b.indexStrings()
	}
	if i, ok := b.strings[s]; ok {
		return i
	}
	i := uint32(len(b.Strings))
	b.Strings = append(b.Strings, s)
	b.strings[s] = i
	return i
}

func (b *Bytecode) indexStrings() {
	b.strings = make(map[string]uint32, len(b.Strings))
	for i, s := range b.Strings {
		if _, ok := b.strings[s]; !ok {
			b.strings[s] = uint32(i)
		}
	}
}

// AddTool registers tool metadata and returns its index.
func (b *Bytecode) AddTool(t Tool) int {
	b.Tools = append(b.Tools, t)
	return len(b.Tools) - 1
}

// Chunks returns the main chunk followed by every function chunk.
func (b *Bytecode) Chunks() []*Chunk {
	chunks := make([]*Chunk, 0, 1+len(b.Functions))
	chunks = append(chunks, b.Main)
	for _, f := range b.Functions {
		chunks = append(chunks, f.Chunk)
	}
	return chunks
}
