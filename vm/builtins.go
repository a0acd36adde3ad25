package vm

import (
	"context"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/nanbox"
	"github.com/agim-lang/agim/value"
)

func (vm *VM) needHost() error {
	if vm.host == nil {
		return &Error{Kind: KindHost, Message: ErrNoHost.Error(), Err: ErrNoHost}
	}
	return nil
}

func (vm *VM) popArgs(argc int) ([]*value.Value, error) {
	slots, err := vm.popN(argc)
	if err != nil {
		return nil, err
	}
	args := make([]*value.Value, len(slots))
	for i, s := range slots {
		args[i] = nanbox.Unbox(s)
	}
	return args, nil
}

// pushResult pushes Ok(res), or Err(message) when the host failed.
func (vm *VM) pushResult(res *value.Value, err error) error {
	if err != nil {
		msg, terr := vm.track(value.NewString(err.Error()))
		if terr != nil {
			return terr
		}
		return vm.pushNew(value.NewErr(msg))
	}
	if res == nil {
		res = value.NewNil()
	}
	return vm.pushNew(value.NewOk(res))
}

func (vm *VM) toolCall(ctx context.Context, idx, argc int) error {
	if err := vm.needHost(); err != nil {
		return err
	}
	if idx >= len(vm.program.Tools) {
		return errorf(KindBytecode, "tool %d out of range", idx)
	}
	tool := vm.program.Tools[idx]
	if argc != tool.Arity {
		return errorf(KindType, "tool %s expects %d arguments, got %d", tool.Name, tool.Arity, argc)
	}
	args, err := vm.popArgs(argc)
	if err != nil {
		return err
	}
	res, err := vm.host.ToolCall(ctx, tool, args)
	releaseAll(args)
	return vm.pushResult(res, err)
}

func (vm *VM) infer(ctx context.Context) error {
	if err := vm.needHost(); err != nil {
		return err
	}
	prompt, err := vm.popValue()
	if err != nil {
		return err
	}
	res, err := vm.host.Infer(ctx, prompt)
	prompt.Release()
	return vm.pushResult(res, err)
}

func (vm *VM) popKey() (string, error) {
	s, err := vm.pop()
	if err != nil {
		return "", err
	}
	defer nanbox.Release(s)
	key, ok := s.Peek().AsString()
	if !ok {
		return "", errorf(KindType, "memory key must be string, got %s", s.Kind())
	}
	return key, nil
}

func (vm *VM) memoryGet() error {
	if err := vm.needHost(); err != nil {
		return err
	}
	key, err := vm.popKey()
	if err != nil {
		return err
	}
	v, ok := vm.host.MemoryGet(key)
	if !ok {
		return vm.push(nanbox.Nil)
	}
	return vm.pushValue(v)
}

func (vm *VM) memorySet() error {
	if err := vm.needHost(); err != nil {
		return err
	}
	v, err := vm.popValue()
	if err != nil {
		return err
	}
	key, err := vm.popKey()
	if err != nil {
		v.Release()
		return err
	}
	vm.host.MemorySet(key, escape(v))
	return vm.push(nanbox.Nil)
}

func (vm *VM) hostCall(ctx context.Context, c *bytecode.Chunk, nameIdx, argc int) error {
	if err := vm.needHost(); err != nil {
		return err
	}
	_, name, err := constString(c, nameIdx)
	if err != nil {
		return err
	}
	args, err := vm.popArgs(argc)
	if err != nil {
		return err
	}
	res, err := vm.host.Call(ctx, name, args)
	releaseAll(args)
	return vm.pushResult(res, err)
}
