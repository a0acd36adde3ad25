// Package block runs programs as isolated blocks: each block owns a VM, the
// VM's heap and a mailbox, and runs on its own goroutine. The Registry
// gives VMs their actor runtime: pids, spawning and message delivery.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agim-lang/agim/heap"
	"github.com/agim-lang/agim/mailbox"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
	"github.com/agim-lang/agim/wire"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.block")

var (
	// ErrProgram means a program is neither stack bytecode nor a register
	// unit.
	ErrProgram = errors.New("unsupported program type")

	// ErrExited is returned for operations on a block that has stopped.
	ErrExited = errors.New("block has exited")
)

// engine is the part of a VM a block drives.
type engine interface {
	Run(ctx context.Context) vm.Status
	YieldReason() vm.YieldReason
	Err() *vm.Error
	Heap() *heap.Heap
	Globals() *value.Value
	SetGlobals(g *value.Value) error
	Close()

	// result borrows the value the program halted with, or nil.
	result() *value.Value
	// deadline is when a pending timed receive gives up, or zero.
	deadline() time.Time
}

type stackEngine struct{ *vm.VM }

func (e stackEngine) result() *value.Value {
	v, _ := e.Peek(0)
	return v
}

func (e stackEngine) deadline() time.Time { return e.ReceiveDeadline() }

type registerEngine struct{ *regvm.VM }

func (e registerEngine) result() *value.Value { return e.Result() }

func (e registerEngine) deadline() time.Time { return time.Time{} }

// Block is one running program.
type Block struct {
	pid    uint64
	parent uint64
	source string
	reg    *Registry

	// mu is held by the runner while the VM runs, which makes it the
	// mailbox consumer.
	mu      sync.Mutex
	engine  engine
	mailbox *mailbox.Mailbox

	result *value.Value
	err    error
	done   chan struct{}
}

// Pid returns the block's process id.
func (b *Block) Pid() uint64 { return b.pid }

// Parent returns the pid of the block that spawned b, or 0.
func (b *Block) Parent() uint64 { return b.parent }

// Source names the program the block runs.
func (b *Block) Source() string { return b.source }

// Done is closed once the block has exited and released its VM.
func (b *Block) Done() <-chan struct{} { return b.done }

// Result returns the value the block halted with. It is nil while the
// block runs and when it failed.
func (b *Block) Result() *value.Value { return b.result }

// Err returns why the block stopped, or nil when it halted normally.
func (b *Block) Err() error { return b.err }

// HeapStats returns the accounting of the block's heap. It reports false
// once the VM has been released.
func (b *Block) HeapStats() (heap.Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return heap.Stats{}, false
	}
	return b.engine.Heap().Stats(), true
}

// Pending returns the approximate number of queued messages.
func (b *Block) Pending() int { return b.mailbox.Count() }

// Checkpoint snapshots the block's globals and its pending messages. The
// messages stay queued.
func (b *Block) Checkpoint() (*wire.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return nil, fmt.Errorf("%w: %d", ErrExited, b.pid)
	}
	// Holding the registry lock keeps senders out while the queue is
	// drained and refilled, so per-sender order survives.
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()

	var msgs []*mailbox.Message
	for {
		msg, ok := b.mailbox.Pop()
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	pending := make([]wire.Pending, len(msgs))
	for i, msg := range msgs {
		pending[i] = wire.Pending{Sender: msg.Sender, Payload: msg.Payload}
	}
	c, err := wire.Snapshot(b.pid, b.source, b.engine.Globals(), pending)
	for _, msg := range msgs {
		// Unbounded: these messages were already admitted.
		_ = b.mailbox.Push(msg, 0)
	}
	return c, err
}

// run drives the VM until it halts, fails or ctx ends.
func (b *Block) run(ctx context.Context) error {
	for {
		b.mu.Lock()
		st := b.engine.Run(ctx)
		b.mu.Unlock()

		switch st {
		case vm.StatusHalt:
			if v := b.engine.result(); v != nil {
				b.result = value.CowShare(v)
			}
			return nil
		case vm.StatusError:
			if ctx.Err() != nil {
				b.err = ctx.Err()
				return nil
			}
			err := b.engine.Err()
			b.err = err
			log.Errorf("block %d (%s) failed: %s", b.pid, b.source, err)
			return fmt.Errorf("block %d: %w", b.pid, err)
		}

		switch b.engine.YieldReason() {
		case vm.YieldReceive:
			timeout := time.Duration(-1)
			if d := b.engine.deadline(); !d.IsZero() {
				timeout = max(time.Until(d), 0)
			}
			b.mailbox.Wait(ctx, timeout)
		default:
			yieldProcessor()
		}
		if err := ctx.Err(); err != nil {
			b.err = err
			return nil
		}
	}
}

// close releases the VM and drops undelivered messages.
func (b *Block) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mailbox.Free()
	b.engine.Close()
	b.engine = nil
	close(b.done)
}
