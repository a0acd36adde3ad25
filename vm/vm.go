// Package vm is the Agim stack virtual machine.
//
// A VM runs one block's bytecode over NaN-boxed slots. It allocates every
// container from its block's heap, enumerates its stack and globals as the
// heap's roots, and offers the collector a safe point between instructions.
// Execution is bounded by a reduction budget: when it runs out, Run returns
// StatusYield and a later Run resumes exactly where it stopped.
package vm

import (
	"context"
	"slices"
	"time"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/heap"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.vm")

// Defaults for a new VM.
const (
	DefaultReductions = 2000
	DefaultMaxStack   = 1 << 16
	DefaultMaxFrames  = 256
)

// State is the lifecycle of a VM run.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateHalted
	StateYielded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateYielded:
		return "yielded"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Status is the outcome of Run.
type Status uint8

const (
	StatusHalt Status = iota
	StatusYield
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusHalt:
		return "halt"
	case StatusYield:
		return "yield"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// YieldReason tells the scheduler why a VM yielded.
type YieldReason uint8

const (
	YieldBudget  YieldReason = iota // reductions ran out
	YieldExplicit                   // YIELD
	YieldReceive                    // RECEIVE found the mailbox empty
)

// frame is one active call. Slot base holds the callee for function frames.
type frame struct {
	fn       *bytecode.Function // nil for the main chunk
	upvalues []*value.Upvalue
	chunk    *bytecode.Chunk
	caches   []bytecode.InlineCache
	ip       int
	base     int
}

// floor is the lowest stack index the frame's own operands may occupy.
func (f *frame) floor() int {
	if f.fn != nil {
		return f.base + 1
	}
	return f.base
}

// VM executes bytecode for one block. It is not safe for concurrent use.
type VM struct {
	heap     *heap.Heap
	ownsHeap bool

	program *bytecode.Bytecode
	caches  map[*bytecode.Chunk][]bytecode.InlineCache
	stack   []nanbox.Slot
	frames  []frame
	globals *value.Value
	open    *value.Upvalue // open upvalues, highest stack index first

	state    State
	reason   YieldReason
	err      *Error
	waiting  bool // inside RECEIVE_TIMEOUT
	deadline time.Time

	budget     int
	reductions int
	maxStack   int
	maxFrames  int
	trace      bool

	self    uint64
	runtime Runtime
	host    Host
}

// Option configures a VM.
type Option func(*VM)

// WithHeap runs the VM on h. The caller keeps ownership of h.
func WithHeap(h *heap.Heap) Option {
	return func(vm *VM) {
		vm.heap = h
		vm.ownsHeap = false
	}
}

// WithHeapConfig gives the VM its own heap configured by cfg.
func WithHeapConfig(cfg heap.Config) Option {
	return func(vm *VM) {
		vm.heap = heap.New(cfg)
		vm.ownsHeap = true
	}
}

// WithReductions sets the per-Run instruction budget.
func WithReductions(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.budget = n
		}
	}
}

// WithMaxStack bounds the operand stack.
func WithMaxStack(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxStack = n
		}
	}
}

// WithMaxFrames bounds the call depth.
func WithMaxFrames(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxFrames = n
		}
	}
}

// WithRuntime attaches the scheduler used by the actor opcodes.
func WithRuntime(rt Runtime) Option { return func(vm *VM) { vm.runtime = rt } }

// WithHost attaches the provider of the built-in opcodes.
func WithHost(h Host) Option { return func(vm *VM) { vm.host = h } }

// WithSelf sets the pid SELF pushes.
func WithSelf(pid uint64) Option { return func(vm *VM) { vm.self = pid } }

// WithTrace logs every executed instruction at debug level.
func WithTrace(on bool) Option { return func(vm *VM) { vm.trace = on } }

// New returns an idle VM with nothing loaded.
func New(opts ...Option) *VM {
	vm := &VM{
		budget:    DefaultReductions,
		maxStack:  DefaultMaxStack,
		maxFrames: DefaultMaxFrames,
		stack:     make([]nanbox.Slot, 0, 256),
		frames:    make([]frame, 0, 16),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.heap == nil {
		vm.heap = heap.New(heap.DefaultConfig())
		vm.ownsHeap = true
	}
	vm.heap.SetRootSource(vm)
	vm.reductions = vm.budget
	return vm
}

// Heap returns the heap the VM allocates from.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Program returns the loaded bytecode, or nil.
func (vm *VM) Program() *bytecode.Bytecode { return vm.program }

// State returns the lifecycle state.
func (vm *VM) State() State { return vm.state }

// YieldReason returns why the last Run yielded.
func (vm *VM) YieldReason() YieldReason { return vm.reason }

// ReceiveDeadline returns the time a pending RECEIVE_TIMEOUT gives up, or
// the zero time when the VM waits without a limit.
func (vm *VM) ReceiveDeadline() time.Time { return vm.deadline }

// Self returns the pid of the block the VM runs.
func (vm *VM) Self() uint64 { return vm.self }

// Err returns the error that stopped the VM, or nil.
func (vm *VM) Err() *Error { return vm.err }

// ReductionsRemaining returns what is left of the current budget.
func (vm *VM) ReductionsRemaining() int { return vm.reductions }

// Globals returns the globals map. The reference is borrowed.
func (vm *VM) Globals() *value.Value { return vm.globals }

// SetGlobals replaces the globals map after Load, before the first Run.
// The reference moves in; g should be owned by the VM's heap.
func (vm *VM) SetGlobals(g *value.Value) error {
	if g.Kind() != value.KindMap {
		g.Release()
		return errorf(KindType, "globals must be map, got %s", g.Kind())
	}
	vm.globals.Release()
	vm.globals = g
	return nil
}

// Load prepares b for execution from the start of its main chunk,
// discarding any previous program and state.
func (vm *VM) Load(b *bytecode.Bytecode) {
	vm.reset()
	vm.program = b.Retain()
	vm.caches = make(map[*bytecode.Chunk][]bytecode.InlineCache, 1+len(b.Functions))
	// The program is shared by every block running it; cache state is not.
	for _, c := range b.Chunks() {
		vm.caches[c] = slices.Clone(c.Caches)
	}
	g, err := vm.heap.Map(0)
	if err != nil {
		g = value.NewMap(0)
	}
	vm.globals = g
	vm.frames = append(vm.frames, frame{chunk: b.Main, caches: vm.caches[b.Main]})
	vm.state = StateIdle
}

// Invoke prepares b to run callee with args instead of the main chunk. The
// callee and argument references move into the VM. When the callee returns
// the VM halts with its result on the stack.
func (vm *VM) Invoke(b *bytecode.Bytecode, callee *value.Value, args []*value.Value) error {
	vm.Load(b)
	vm.frames = vm.frames[:0]
	n := len(args)
	if err := vm.pushValue(callee); err != nil {
		releaseAll(args)
		return err
	}
	for i, a := range args {
		if err := vm.pushValue(a); err != nil {
			releaseAll(args[i+1:])
			return err
		}
	}
	if err := vm.call(n); err != nil {
		return vm.fail(0, err)
	}
	return nil
}

// Run executes until the program halts, yields or fails.
func (vm *VM) Run(ctx context.Context) Status {
	switch vm.state {
	case StateHalted:
		return StatusHalt
	case StateErrored:
		return StatusError
	}
	if vm.program == nil || len(vm.frames) == 0 {
		vm.fail(0, &Error{Kind: KindRuntime, Message: ErrNotLoaded.Error(), Err: ErrNotLoaded})
		return StatusError
	}
	vm.state = StateRunning
	vm.reductions = vm.budget
	return vm.run(ctx)
}

// Push places v on the stack. The reference moves in.
func (vm *VM) Push(v *value.Value) error {
	if err := vm.pushValue(v); err != nil {
		return err
	}
	return nil
}

// Pop removes the top value and hands its reference to the caller.
func (vm *VM) Pop() (*value.Value, error) {
	s, err := vm.pop()
	if err != nil {
		return nil, err
	}
	return nanbox.Unbox(s), nil
}

// Peek returns the value distance slots below the top without removing
// it. Object values are borrowed.
func (vm *VM) Peek(distance int) (*value.Value, bool) {
	i := len(vm.stack) - 1 - distance
	if distance < 0 || i < 0 {
		return nil, false
	}
	return vm.stack[i].Peek(), true
}

// StackDepth returns the number of slots in use.
func (vm *VM) StackDepth() int { return len(vm.stack) }

// CacheStats sums the inline caches of the loaded program.
func (vm *VM) CacheStats() bytecode.CacheStats {
	var s bytecode.CacheStats
	for _, c := range vm.caches {
		s.Add(c)
	}
	return s
}

// EachRoot reports the values the VM keeps alive. Closed upvalues are
// reached through the closures that hold them.
func (vm *VM) EachRoot(fn func(*value.Value)) {
	for _, s := range vm.stack {
		if v := s.Object(); v != nil {
			fn(v)
		}
	}
	if vm.globals != nil {
		fn(vm.globals)
	}
}

// Close releases everything the VM holds. A heap the VM created is freed.
func (vm *VM) Close() {
	vm.reset()
	vm.heap.SetRootSource(nil)
	if vm.ownsHeap {
		vm.heap.Free()
	}
}

func (vm *VM) reset() {
	for _, s := range vm.stack {
		nanbox.Release(s)
	}
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.open = nil
	if vm.globals != nil {
		vm.globals.Release()
		vm.globals = nil
	}
	if vm.program != nil {
		vm.program.Release()
		vm.program = nil
	}
	vm.caches = nil
	vm.err = nil
	vm.waiting = false
	vm.deadline = time.Time{}
	vm.state = StateIdle
}

// fail records err as the reason the VM stopped. offset locates the
// failing instruction in the current frame.
func (vm *VM) fail(offset int, err error) *Error {
	e := AsError(err)
	if e.Line == 0 && len(vm.frames) > 0 {
		e.Line = vm.frames[len(vm.frames)-1].chunk.Line(offset)
	}
	vm.err = e
	vm.state = StateErrored
	log.Debugf("block %d stopped: %s", vm.self, e)
	return e
}

func releaseAll(vs []*value.Value) {
	for _, v := range vs {
		v.Release()
	}
}
