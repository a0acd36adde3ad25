package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/value"
)

// HostFunc implements one tool or host call.
type HostFunc func(ctx context.Context, args []*value.Value) (*value.Value, error)

// MemoryHost is a Host backed by in-process tables. It is safe for use by
// several blocks at once; stored values must be COW-shared, which the VM
// does before MEMORY_SET.
type MemoryHost struct {
	mu     sync.RWMutex
	memory map[string]*value.Value
	tools  map[string]HostFunc
	calls  map[string]HostFunc
	infer  HostFunc
}

// NewMemoryHost returns a host with no tools and an empty memory.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		memory: make(map[string]*value.Value),
		tools:  make(map[string]HostFunc),
		calls:  make(map[string]HostFunc),
	}
}

// RegisterTool makes a tool available to TOOL_CALL.
func (m *MemoryHost) RegisterTool(name string, fn HostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[name] = fn
}

// RegisterCall makes a function available to HOST_CALL.
func (m *MemoryHost) RegisterCall(name string, fn HostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name] = fn
}

// SetInfer installs the INFER handler. Its single argument is the prompt.
func (m *MemoryHost) SetInfer(fn HostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infer = fn
}

func (m *MemoryHost) ToolCall(ctx context.Context, tool bytecode.Tool, args []*value.Value) (*value.Value, error) {
	m.mu.RLock()
	fn := m.tools[tool.Name]
	m.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("unknown tool %q", tool.Name)
	}
	return fn(ctx, args)
}

func (m *MemoryHost) Infer(ctx context.Context, prompt *value.Value) (*value.Value, error) {
	m.mu.RLock()
	fn := m.infer
	m.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("no inference backend")
	}
	return fn(ctx, []*value.Value{prompt})
}

func (m *MemoryHost) Call(ctx context.Context, name string, args []*value.Value) (*value.Value, error) {
	m.mu.RLock()
	fn := m.calls[name]
	m.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("unknown host call %q", name)
	}
	return fn(ctx, args)
}

func (m *MemoryHost) MemoryGet(key string) (*value.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.memory[key]
	if !ok || !v.Retain() {
		return nil, false
	}
	return v, true
}

func (m *MemoryHost) MemorySet(key string, v *value.Value) {
	m.mu.Lock()
	old := m.memory[key]
	m.memory[key] = v
	m.mu.Unlock()
	old.Release()
}

// Keys returns the number of stored memory entries.
func (m *MemoryHost) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memory)
}

// Close releases every stored value.
func (m *MemoryHost) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.memory {
		v.Release()
		delete(m.memory, k)
	}
}
