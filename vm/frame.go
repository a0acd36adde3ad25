package vm

import (
	"fmt"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// floor is the lowest slot the current frame may pop.
func (vm *VM) floor() int {
	if n := len(vm.frames); n > 0 {
		return vm.frames[n-1].floor()
	}
	return 0
}

// push places s on the stack. The slot's reference moves in.
func (vm *VM) push(s nanbox.Slot) error {
	if len(vm.stack) >= vm.maxStack {
		nanbox.Release(s)
		return errorf(KindStackOverflow, "stack exceeds %d slots", vm.maxStack)
	}
	vm.stack = append(vm.stack, s)
	return nil
}

// pushValue boxes v and pushes it. The reference moves in.
func (vm *VM) pushValue(v *value.Value) error {
	s, err := nanbox.Box(v)
	if err != nil {
		return err
	}
	return vm.push(s)
}

// pushShared pushes a borrowed value, adding a reference for the slot.
func (vm *VM) pushShared(v *value.Value) error {
	if v == nil {
		return vm.push(nanbox.Nil)
	}
	s, err := nanbox.Share(v)
	if err != nil {
		return err
	}
	return vm.push(s)
}

// pushNew links a freshly built value into the heap and pushes it.
func (vm *VM) pushNew(v *value.Value) error {
	v, err := vm.track(v)
	if err != nil {
		return err
	}
	return vm.pushValue(v)
}

func (vm *VM) track(v *value.Value) (*value.Value, error) {
	if err := vm.heap.Track(v); err != nil {
		v.Release()
		return nil, err
	}
	return v, nil
}

// pop removes the top slot and hands its reference to the caller.
func (vm *VM) pop() (nanbox.Slot, error) {
	n := len(vm.stack)
	if n <= vm.floor() {
		return nanbox.Nil, errorf(KindStackUnderflow, "pop below frame base")
	}
	s := vm.stack[n-1]
	vm.stack = vm.stack[:n-1]
	return s, nil
}

// pop2 pops the top two slots: y was on top of x.
func (vm *VM) pop2() (y, x nanbox.Slot, err error) {
	if len(vm.stack)-2 < vm.floor() {
		return nanbox.Nil, nanbox.Nil, errorf(KindStackUnderflow, "need 2 operands")
	}
	n := len(vm.stack)
	y, x = vm.stack[n-1], vm.stack[n-2]
	vm.stack = vm.stack[:n-2]
	return y, x, nil
}

func (vm *VM) popValue() (*value.Value, error) {
	s, err := vm.pop()
	if err != nil {
		return nil, err
	}
	return nanbox.Unbox(s), nil
}

// popN removes the top n slots in stack order.
func (vm *VM) popN(n int) ([]nanbox.Slot, error) {
	if n < 0 || len(vm.stack)-n < vm.floor() {
		return nil, errorf(KindStackUnderflow, "need %d operands", n)
	}
	at := len(vm.stack) - n
	out := make([]nanbox.Slot, n)
	copy(out, vm.stack[at:])
	vm.stack = vm.stack[:at]
	return out, nil
}

func (vm *VM) peek(distance int) (nanbox.Slot, error) {
	i := len(vm.stack) - 1 - distance
	if i < vm.floor() {
		return nanbox.Nil, errorf(KindStackUnderflow, "peek below frame base")
	}
	return vm.stack[i], nil
}

func releaseSlots(ss []nanbox.Slot) {
	for _, s := range ss {
		nanbox.Release(s)
	}
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// call enters the function sitting argc slots below the top of the stack.
func (vm *VM) call(argc int) error {
	at := len(vm.stack) - 1 - argc
	if argc < 0 || at < vm.floor() {
		return errorf(KindStackUnderflow, "call needs %d arguments", argc)
	}
	callee := vm.stack[at].Object()
	if callee == nil || !callee.IsCallable() {
		return errorf(KindType, "cannot call %s", vm.stack[at].Kind())
	}
	info, _ := callee.Function()
	fn, ok := vm.program.Function(info.Index)
	if !ok {
		return errorf(KindBytecode, "function %d not in program", info.Index)
	}
	if argc != fn.Arity {
		return errorf(KindType, "%s expects %d arguments, got %d", fn.Name, fn.Arity, argc)
	}
	if len(vm.frames) >= vm.maxFrames {
		return errorf(KindFrameOverflow, "call depth exceeds %d", vm.maxFrames)
	}
	for range fn.Locals {
		if err := vm.push(nanbox.Nil); err != nil {
			return err
		}
	}
	var ups []*value.Upvalue
	if callee.IsClosure() {
		ups, _ = callee.ClosureUpvalues()
	}
	vm.frames = append(vm.frames, frame{
		fn:       fn,
		upvalues: ups,
		chunk:    fn.Chunk,
		caches:   vm.cachesFor(fn.Chunk),
		base:     at,
	})
	return nil
}

func (vm *VM) cachesFor(c *bytecode.Chunk) []bytecode.InlineCache {
	if cs, ok := vm.caches[c]; ok {
		return cs
	}
	cs := make([]bytecode.InlineCache, len(c.Caches))
	vm.caches[c] = cs
	return cs
}

// ret leaves the current frame, replacing its slots with the result. It
// reports whether that was the bottom frame.
func (vm *VM) ret() (bool, error) {
	f := &vm.frames[len(vm.frames)-1]
	result := nanbox.Nil
	if len(vm.stack) > f.floor() {
		result, _ = vm.pop()
	}
	vm.closeUpvalues(f.base)
	releaseSlots(vm.stack[f.base:])
	vm.stack = vm.stack[:f.base]
	vm.frames = vm.frames[:len(vm.frames)-1]
	return len(vm.frames) == 0, vm.push(result)
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for slot, creating it if no
// closure has captured that slot yet.
func (vm *VM) captureUpvalue(slot int) *value.Upvalue {
	var prev *value.Upvalue
	u := vm.open
	for u != nil && u.Index > slot {
		prev = u
		u = u.Next
	}
	if u != nil && u.Index == slot {
		return u
	}
	created := value.NewUpvalue(slot)
	created.Next = u
	if prev == nil {
		vm.open = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues moves every open upvalue at or above slot from off the
// stack into the upvalue itself.
func (vm *VM) closeUpvalues(from int) {
	for vm.open != nil && vm.open.Index >= from {
		u := vm.open
		vm.open = u.Next
		if !u.Captured() || u.Index >= len(vm.stack) {
			u.IsOpen = false
			u.Next = nil
			continue
		}
		u.Close(nanbox.Unbox(vm.stack[u.Index]))
		vm.stack[u.Index] = nanbox.Nil
	}
}

func (vm *VM) readUpvalue(u *value.Upvalue) (nanbox.Slot, error) {
	if u.IsOpen {
		if u.Index >= len(vm.stack) {
			return nanbox.Nil, errorf(KindBytecode, "upvalue slot %d out of range", u.Index)
		}
		return nanbox.Retain(vm.stack[u.Index]), nil
	}
	if u.Closed == nil {
		return nanbox.Nil, nil
	}
	return nanbox.Share(u.Closed)
}

func (vm *VM) writeUpvalue(u *value.Upvalue, s nanbox.Slot) error {
	if u.IsOpen {
		if u.Index >= len(vm.stack) {
			nanbox.Release(s)
			return errorf(KindBytecode, "upvalue slot %d out of range", u.Index)
		}
		old := vm.stack[u.Index]
		vm.stack[u.Index] = s
		nanbox.Release(old)
		return nil
	}
	u.Set(nanbox.Unbox(s))
	return nil
}

// hasOpen reports whether a closure still aliases stack slots.
func hasOpen(closure *value.Value) bool {
	ups, _ := closure.ClosureUpvalues()
	for _, u := range ups {
		if u.IsOpen {
			return true
		}
	}
	return false
}
