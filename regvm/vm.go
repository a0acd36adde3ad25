// Package regvm is the register-based variant of the Agim virtual machine.
//
// It runs Units of three-address instructions over the same NaN-boxed
// slots, heaps, value semantics and actor runtime as the stack VM. Each
// call gets a window of NumRegs registers at the top of one shared
// register file. Registers above the active windows are always nil, so a
// call only copies its arguments in.
package regvm

import (
	"context"
	"fmt"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/heap"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.regvm")

// Defaults for a new VM.
const (
	DefaultReductions   = vm.DefaultReductions
	DefaultMaxRegisters = 1 << 16
	DefaultMaxFrames    = vm.DefaultMaxFrames
)

type frame struct {
	proto    *Proto
	upvalues []*value.Upvalue
	caches   []bytecode.InlineCache
	base     int
	pc       int
	ret      int // caller register receiving the result, -1 for the bottom frame
}

// VM executes a Unit for one block. It is not safe for concurrent use.
type VM struct {
	heap     *heap.Heap
	ownsHeap bool

	unit      *Unit
	functions []*value.Value
	caches    map[*Proto][]bytecode.InlineCache
	regs      []nanbox.Slot
	top       int
	frames    []frame
	globals   *value.Value
	open      *value.Upvalue
	result    nanbox.Slot

	state  vm.State
	reason vm.YieldReason
	err    *vm.Error

	budget     int
	reductions int
	maxRegs    int
	maxFrames  int
	trace      bool

	self    uint64
	runtime vm.Runtime
}

// Option configures a VM.
type Option func(*VM)

// WithHeap runs the VM on h. The caller keeps ownership of h.
func WithHeap(h *heap.Heap) Option {
	return func(m *VM) {
		m.heap = h
		m.ownsHeap = false
	}
}

// WithHeapConfig gives the VM its own heap configured by cfg.
func WithHeapConfig(cfg heap.Config) Option {
	return func(m *VM) {
		m.heap = heap.New(cfg)
		m.ownsHeap = true
	}
}

// WithReductions sets the per-Run instruction budget.
func WithReductions(n int) Option {
	return func(m *VM) {
		if n > 0 {
			m.budget = n
		}
	}
}

// WithMaxRegisters bounds the register file across all frames.
func WithMaxRegisters(n int) Option {
	return func(m *VM) {
		if n > 0 {
			m.maxRegs = n
		}
	}
}

// WithMaxFrames bounds the call depth.
func WithMaxFrames(n int) Option {
	return func(m *VM) {
		if n > 0 {
			m.maxFrames = n
		}
	}
}

// WithRuntime attaches the scheduler used by the actor opcodes.
func WithRuntime(rt vm.Runtime) Option { return func(m *VM) { m.runtime = rt } }

// WithSelf sets the pid SELF stores.
func WithSelf(pid uint64) Option { return func(m *VM) { m.self = pid } }

// WithTrace logs every executed instruction at debug level.
func WithTrace(on bool) Option { return func(m *VM) { m.trace = on } }

// New returns an idle VM with nothing loaded.
func New(opts ...Option) *VM {
	m := &VM{
		budget:    DefaultReductions,
		maxRegs:   DefaultMaxRegisters,
		maxFrames: DefaultMaxFrames,
		regs:      nilSlots(MaxRegisters),
		frames:    make([]frame, 0, 16),
		result:    nanbox.Nil,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.heap == nil {
		m.heap = heap.New(heap.DefaultConfig())
		m.ownsHeap = true
	}
	m.heap.SetRootSource(m)
	m.reductions = m.budget
	return m
}

func nilSlots(n int) []nanbox.Slot {
	s := make([]nanbox.Slot, n)
	for i := range s {
		s[i] = nanbox.Nil
	}
	return s
}

// Heap returns the heap the VM allocates from.
func (m *VM) Heap() *heap.Heap { return m.heap }

// Unit returns the loaded unit, or nil.
func (m *VM) Unit() *Unit { return m.unit }

// State returns the lifecycle state.
func (m *VM) State() vm.State { return m.state }

// YieldReason returns why the last Run yielded.
func (m *VM) YieldReason() vm.YieldReason { return m.reason }

// Err returns the error that stopped the VM, or nil.
func (m *VM) Err() *vm.Error { return m.err }

// ReductionsRemaining returns what is left of the current budget.
func (m *VM) ReductionsRemaining() int { return m.reductions }

// Self returns the pid of the block the VM runs.
func (m *VM) Self() uint64 { return m.self }

// Globals returns the globals map. The reference is borrowed.
func (m *VM) Globals() *value.Value { return m.globals }

// SetGlobals replaces the globals map after Load, before the first Run.
// The reference moves in.
func (m *VM) SetGlobals(g *value.Value) error {
	if g.Kind() != value.KindMap {
		g.Release()
		return errorf(vm.KindType, "globals must be map, got %s", g.Kind())
	}
	m.globals.Release()
	m.globals = g
	return nil
}

// Result returns the value the program halted or returned with. The
// reference is borrowed.
func (m *VM) Result() *value.Value { return m.result.Peek() }

// Register returns register i of the bottom frame. The reference is
// borrowed.
func (m *VM) Register(i int) (*value.Value, bool) {
	if i < 0 || i >= m.top {
		return nil, false
	}
	return m.regs[i].Peek(), true
}

// Depth returns the number of active frames.
func (m *VM) Depth() int { return len(m.frames) }

// CacheStats sums the MAPGETK inline caches of the loaded unit.
func (m *VM) CacheStats() bytecode.CacheStats {
	var s bytecode.CacheStats
	for p, caches := range m.caches {
		for pc, ins := range p.Code {
			if ins.Op() == OpMapGetK {
				s.Add(caches[pc : pc+1])
			}
		}
	}
	return s
}

// EachRoot reports the values the VM keeps alive. Closed upvalues are
// reached through the closures that hold them.
func (m *VM) EachRoot(fn func(*value.Value)) {
	for _, s := range m.regs[:m.top] {
		if v := s.Object(); v != nil {
			fn(v)
		}
	}
	if v := m.result.Object(); v != nil {
		fn(v)
	}
	if m.globals != nil {
		fn(m.globals)
	}
}

// Load verifies u and prepares it to run from the start of its main
// prototype, discarding any previous unit and state.
func (m *VM) Load(u *Unit) error {
	if err := m.load(u); err != nil {
		return err
	}
	if err := m.enter(u.Main, nil, nil, -1); err != nil {
		return m.fail(0, err)
	}
	return nil
}

func (m *VM) load(u *Unit) error {
	m.reset()
	if err := u.Verify(); err != nil {
		m.err = &vm.Error{Kind: vm.KindBytecode, Message: err.Error(), Err: err}
		m.state = vm.StateErrored
		return m.err
	}
	m.unit = u.Retain()
	m.caches = make(map[*Proto][]bytecode.InlineCache, 1+len(u.Protos))
	m.caches[u.Main] = make([]bytecode.InlineCache, len(u.Main.Code))
	m.functions = make([]*value.Value, len(u.Protos))
	for i, p := range u.Protos {
		m.caches[p] = make([]bytecode.InlineCache, len(p.Code))
		fn, _ := u.FunctionValue(i)
		fn.Saturate()
		m.functions[i] = fn
	}
	g, err := m.heap.Map(0)
	if err != nil {
		g = value.NewMap(0)
	}
	m.globals = g
	m.state = vm.StateIdle
	return nil
}

// Invoke prepares u to run callee with args instead of the main prototype.
// The callee and argument references move into the VM. When the callee
// returns the VM halts with its result.
func (m *VM) Invoke(u *Unit, callee *value.Value, args []*value.Value) error {
	if err := m.load(u); err != nil {
		callee.Release()
		releaseAll(args)
		return err
	}
	// The callee sits below the frame so its upvalues stay alive.
	cs, err := nanbox.Box(callee)
	if err != nil {
		releaseAll(args)
		return m.fail(0, err)
	}
	m.regs[0] = cs
	m.top = 1
	slots := make([]nanbox.Slot, 0, len(args))
	for i, a := range args {
		s, err := nanbox.Box(a)
		if err != nil {
			releaseSlots(slots)
			releaseAll(args[i+1:])
			return m.fail(0, err)
		}
		slots = append(slots, s)
	}
	p, ups, err := m.callee(cs.Peek(), len(slots))
	if err != nil {
		releaseSlots(slots)
		return m.fail(0, err)
	}
	if err := m.enter(p, ups, slots, -1); err != nil {
		return m.fail(0, err)
	}
	return nil
}

// Run executes until the unit halts, yields or fails.
func (m *VM) Run(ctx context.Context) vm.Status {
	switch m.state {
	case vm.StateHalted:
		return vm.StatusHalt
	case vm.StateErrored:
		return vm.StatusError
	}
	if m.unit == nil || len(m.frames) == 0 {
		m.fail(0, &vm.Error{Kind: vm.KindRuntime, Message: vm.ErrNotLoaded.Error(), Err: vm.ErrNotLoaded})
		return vm.StatusError
	}
	m.state = vm.StateRunning
	m.reductions = m.budget
	return m.run(ctx)
}

// Close releases everything the VM holds. A heap the VM created is freed.
func (m *VM) Close() {
	m.reset()
	m.heap.SetRootSource(nil)
	if m.ownsHeap {
		m.heap.Free()
	}
}

func (m *VM) reset() {
	for i := range m.regs[:m.top] {
		nanbox.Release(m.regs[i])
		m.regs[i] = nanbox.Nil
	}
	m.top = 0
	m.frames = m.frames[:0]
	m.open = nil
	nanbox.Release(m.result)
	m.result = nanbox.Nil
	if m.globals != nil {
		m.globals.Release()
		m.globals = nil
	}
	if m.unit != nil {
		m.unit.Release()
		m.unit = nil
	}
	m.functions = nil
	m.caches = nil
	m.err = nil
	m.state = vm.StateIdle
}

// fail records err as the reason the VM stopped. pc locates the failing
// instruction in the current frame.
func (m *VM) fail(pc int, err error) *vm.Error {
	e := vm.AsError(err)
	if e.Line == 0 && len(m.frames) > 0 {
		e.Line = m.frames[len(m.frames)-1].proto.Line(pc)
	}
	m.err = e
	m.state = vm.StateErrored
	log.Debugf("block %d stopped: %s", m.self, e)
	return e
}

func errorf(kind vm.ErrorKind, format string, args ...any) *vm.Error {
	return &vm.Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func releaseAll(vs []*value.Value) {
	for _, v := range vs {
		v.Release()
	}
}

func releaseSlots(ss []nanbox.Slot) {
	for _, s := range ss {
		nanbox.Release(s)
	}
}
