package vm

import (
	"context"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/value"
)

// Runtime is the scheduler side of the actor opcodes. A VM never creates
// goroutines or touches another block's state; it asks its Runtime.
type Runtime interface {
	// Spawn starts a block running req.Callee. The callee and argument
	// references move into the call.
	Spawn(req SpawnRequest) (uint64, error)

	// Send enqueues msg on the mailbox of to. The msg reference moves into
	// the call whether or not it succeeds. An unknown pid is reported
	// with ErrNoProcess; a full mailbox with mailbox.ErrFull.
	Send(from, to uint64, msg *value.Value) error

	// Receive takes the next message for self without blocking. The
	// payload reference moves to the caller.
	Receive(self uint64) (*value.Value, bool)
}

// SpawnRequest describes a block to start. Program is the unit the callee
// was compiled into: a *bytecode.Bytecode for the stack VM or a
// *regvm.Unit for the register VM.
type SpawnRequest struct {
	Parent  uint64
	Program any
	Callee  *value.Value
	Args    []*value.Value
}

// Host provides the built-in opcodes that reach outside the block.
// Arguments are borrowed for the duration of a call; returned values are
// new references owned by the VM.
type Host interface {
	ToolCall(ctx context.Context, tool bytecode.Tool, args []*value.Value) (*value.Value, error)
	Infer(ctx context.Context, prompt *value.Value) (*value.Value, error)
	MemoryGet(key string) (*value.Value, bool)

	// MemorySet stores v under key. The reference moves in.
	MemorySet(key string, v *value.Value)

	// Call serves HOST_CALL, the I/O surface forwarded to collaborators.
	Call(ctx context.Context, name string, args []*value.Value) (*value.Value, error)
}
