package vm

import (
	"errors"
	"time"

	"github.com/agim-lang/agim/mailbox"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

// escape prepares v for another block. The reference stays with the
// caller but the value is flagged so neither side mutates it in place.
func escape(v *value.Value) *value.Value {
	s := value.CowShare(v)
	v.Release()
	return s
}

func (vm *VM) needRuntime() error {
	if vm.runtime == nil {
		return &Error{Kind: KindRuntime, Message: ErrNoRuntime.Error(), Err: ErrNoRuntime}
	}
	return nil
}

// spawn pops a callee and argc arguments and starts a block running it.
func (vm *VM) spawn(argc int) error {
	if err := vm.needRuntime(); err != nil {
		return err
	}
	slots, err := vm.popN(argc + 1)
	if err != nil {
		return err
	}
	callee := slots[0].Peek()
	switch {
	case !callee.IsCallable():
		err = errorf(KindType, "cannot spawn %s", callee.Kind())
	case callee.IsClosure() && hasOpen(callee):
		err = errorf(KindType, "cannot spawn a closure over live locals")
	}
	if err != nil {
		releaseSlots(slots)
		return err
	}
	args := make([]*value.Value, argc)
	for i, s := range slots[1:] {
		args[i] = escape(nanbox.Unbox(s))
	}
	pid, err := vm.runtime.Spawn(SpawnRequest{
		Parent:  vm.self,
		Program: vm.program,
		Callee:  escape(nanbox.Unbox(slots[0])),
		Args:    args,
	})
	if err != nil {
		return &Error{Kind: KindRuntime, Message: "spawn: " + err.Error(), Err: err}
	}
	s, err := nanbox.Pid(pid)
	if err != nil {
		return err
	}
	return vm.push(s)
}

// send pops a pid and a message and pushes whether it was delivered.
func (vm *VM) send() error {
	if err := vm.needRuntime(); err != nil {
		return err
	}
	msg, to, err := vm.pop2()
	if err != nil {
		return err
	}
	pid, ok := to.AsPid()
	kind := to.Kind()
	nanbox.Release(to)
	if !ok {
		nanbox.Release(msg)
		return errorf(KindType, "send target must be pid, got %s", kind)
	}
	err = vm.runtime.Send(vm.self, pid, escape(nanbox.Unbox(msg)))
	switch {
	case err == nil:
		return vm.push(nanbox.True)
	case errors.Is(err, ErrNoProcess), errors.Is(err, mailbox.ErrFull):
		log.Debugf("block %d: send to %d dropped: %s", vm.self, pid, err)
		return vm.push(nanbox.False)
	}
	return &Error{Kind: KindRuntime, Message: "send: " + err.Error(), Err: err}
}

// receive pushes the next message. It reports false, leaving the stack
// untouched, when the mailbox is empty.
func (vm *VM) receive() (bool, error) {
	if err := vm.needRuntime(); err != nil {
		return false, err
	}
	msg, ok := vm.runtime.Receive(vm.self)
	if !ok {
		return false, nil
	}
	return true, vm.pushValue(msg)
}

// receiveTimeout peeks the wait in milliseconds and pushes Some(message)
// or, once the wait is over, None. Zero polls and a negative wait never
// ends. It reports false while the VM should keep waiting.
func (vm *VM) receiveTimeout() (bool, error) {
	if err := vm.needRuntime(); err != nil {
		return false, err
	}
	s, err := vm.peek(0)
	if err != nil {
		return false, err
	}
	ms, ok := s.AsInt()
	if !ok {
		return false, errorf(KindType, "timeout must be int milliseconds, got %s", s.Kind())
	}
	if msg, ok := vm.runtime.Receive(vm.self); ok {
		vm.endWait()
		return true, vm.pushNew(value.NewSome(msg))
	}
	switch {
	case ms == 0:
	case !vm.waiting:
		vm.waiting = true
		if ms > 0 {
			vm.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
		}
		return false, nil
	case vm.deadline.IsZero() || time.Now().Before(vm.deadline):
		return false, nil
	}
	vm.endWait()
	return true, vm.pushNew(value.NewNone())
}

// endWait clears the wait state and pops the timeout operand.
func (vm *VM) endWait() {
	vm.waiting = false
	vm.deadline = time.Time{}
	if s, err := vm.pop(); err == nil {
		nanbox.Release(s)
	}
}
