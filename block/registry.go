package block

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/config"
	"github.com/agim-lang/agim/mailbox"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
	"github.com/agim-lang/agim/wire"
	"golang.org/x/sync/errgroup"
)

var _ vm.Runtime = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithHost gives every stack VM the built-ins of h.
func WithHost(h vm.Host) Option { return func(r *Registry) { r.host = h } }

// OnExit installs a hook that runs on a block's goroutine after it stops
// and before its VM is released, so Checkpoint still works.
func OnExit(fn func(*Block)) Option { return func(r *Registry) { r.onExit = fn } }

// Registry owns every running block and routes messages between them.
type Registry struct {
	cfg    config.Config
	host   vm.Host
	onExit func(*Block)

	mu      sync.RWMutex
	blocks  map[uint64]*Block
	nextPid atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// NewRegistry returns an empty registry whose blocks run until ctx is done
// or Shutdown is called.
func NewRegistry(ctx context.Context, cfg config.Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:    cfg,
		blocks: make(map[uint64]*Block),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs program from the top of its main code in a new block.
// source names the program in logs and checkpoints.
func (r *Registry) Start(program any, source string) (uint64, error) {
	pid := r.nextPid.Add(1)
	e, err := r.load(pid, program, nil, nil)
	if err != nil {
		return 0, err
	}
	r.launch(&Block{pid: pid, source: source}, e)
	return pid, nil
}

// Restore starts program in a new block with the globals and pending
// messages of c. Functions are not checkpointed; the program's main code
// defines them again.
func (r *Registry) Restore(c *wire.Checkpoint, program any) (uint64, error) {
	pid := r.nextPid.Add(1)
	e, err := r.load(pid, program, nil, nil)
	if err != nil {
		return 0, err
	}
	globals, pending, err := c.Restore(e.Heap())
	if err == nil {
		err = e.SetGlobals(globals)
	}
	if err != nil {
		e.Close()
		return 0, fmt.Errorf("restore %s: %w", c.ID, err)
	}
	b := &Block{pid: pid, source: c.Source}
	b.mailbox = mailbox.New()
	for _, p := range pending {
		_ = b.mailbox.Push(mailbox.NewMessage(p.Sender, p.Payload), 0)
	}
	log.Infof("restored checkpoint %s of block %d as %d", c.ID, c.Pid, pid)
	r.launch(b, e)
	return pid, nil
}

// Spawn implements vm.Runtime.
func (r *Registry) Spawn(req vm.SpawnRequest) (uint64, error) {
	if req.Callee == nil {
		releaseAll(req.Args)
		return 0, fmt.Errorf("spawn: no callee")
	}
	name := "?"
	if info, ok := req.Callee.Function(); ok {
		name = info.Name
	} else if fn, ok := req.Callee.ClosureFunction(); ok {
		if info, ok := fn.Function(); ok {
			name = info.Name
		}
	}
	pid := r.nextPid.Add(1)
	e, err := r.load(pid, req.Program, req.Callee, req.Args)
	if err != nil {
		return 0, err
	}
	r.launch(&Block{pid: pid, parent: req.Parent, source: name}, e)
	log.Debugf("block %d spawned %d (%s)", req.Parent, pid, name)
	return pid, nil
}

// Send implements vm.Runtime.
func (r *Registry) Send(from, to uint64, msg *value.Value) error {
	// The read lock is held across the push so a block's mailbox cannot be
	// freed under a sender.
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[to]
	if !ok {
		msg.Release()
		return fmt.Errorf("%w: %d", vm.ErrNoProcess, to)
	}
	if err := b.mailbox.Push(mailbox.NewMessage(from, msg), r.cfg.Mailbox.MaxSize); err != nil {
		msg.Release()
		return err
	}
	return nil
}

// Receive implements vm.Runtime. It is only called by self's own VM.
func (r *Registry) Receive(self uint64) (*value.Value, bool) {
	r.mu.RLock()
	b, ok := r.blocks[self]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	msg, ok := b.mailbox.Pop()
	if !ok {
		return nil, false
	}
	return msg.Payload, true
}

// Deliver sends the value an envelope carries. Envelopes arrive from
// outside the process, so the value is decoded unowned and shared.
func (r *Registry) Deliver(e *wire.Envelope) error {
	v, err := e.Value(nil)
	if err != nil {
		return err
	}
	shared := value.CowShare(v)
	v.Release()
	return r.Send(e.From, e.To, shared)
}

// Block returns the running block with the given pid.
func (r *Registry) Block(pid uint64) (*Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[pid]
	return b, ok
}

// Len returns the number of running blocks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}

// Checkpoint snapshots the running block pid.
func (r *Registry) Checkpoint(pid uint64) (*wire.Checkpoint, error) {
	b, ok := r.Block(pid)
	if !ok {
		return nil, fmt.Errorf("%w: %d", vm.ErrNoProcess, pid)
	}
	return b.Checkpoint()
}

// Wait blocks until every block has exited and returns the first failure.
func (r *Registry) Wait() error {
	return r.group.Wait()
}

// Shutdown stops every block at its next yield and waits for them.
func (r *Registry) Shutdown() error {
	r.cancel()
	return r.group.Wait()
}

// load builds a VM for pid and prepares program on it: from the top of
// main when callee is nil, otherwise as a call of callee with args. The
// callee and args move in.
func (r *Registry) load(pid uint64, program any, callee *value.Value, args []*value.Value) (engine, error) {
	switch p := program.(type) {
	case *bytecode.Bytecode:
		opts := append(r.cfg.VMOptions(),
			vm.WithHeapConfig(r.cfg.Heap),
			vm.WithRuntime(r),
			vm.WithSelf(pid),
		)
		if r.host != nil {
			opts = append(opts, vm.WithHost(r.host))
		}
		m := vm.New(opts...)
		if callee == nil {
			m.Load(p)
			return stackEngine{m}, nil
		}
		if err := m.Invoke(p, callee, args); err != nil {
			m.Close()
			return nil, err
		}
		return stackEngine{m}, nil

	case *regvm.Unit:
		m := regvm.New(append(r.cfg.RegisterOptions(),
			regvm.WithHeapConfig(r.cfg.Heap),
			regvm.WithRuntime(r),
			regvm.WithSelf(pid),
		)...)
		var err error
		if callee == nil {
			err = m.Load(p)
		} else {
			err = m.Invoke(p, callee, args)
		}
		if err != nil {
			m.Close()
			return nil, err
		}
		return registerEngine{m}, nil
	}
	callee.Release()
	releaseAll(args)
	return nil, fmt.Errorf("%w: %T", ErrProgram, program)
}

// launch registers b and starts its goroutine.
func (r *Registry) launch(b *Block, e engine) {
	b.reg = r
	b.engine = e
	if b.mailbox == nil {
		b.mailbox = mailbox.New()
	}
	b.done = make(chan struct{})

	r.mu.Lock()
	r.blocks[b.pid] = b
	r.mu.Unlock()

	r.group.Go(func() error {
		defer r.exit(b)
		return b.run(r.ctx)
	})
}

// exit unregisters b, so later sends fail with ErrNoProcess, and then
// releases it.
func (r *Registry) exit(b *Block) {
	if r.onExit != nil {
		r.onExit(b)
	}
	r.mu.Lock()
	delete(r.blocks, b.pid)
	r.mu.Unlock()
	b.close()
	log.Debugf("block %d exited", b.pid)
}

func yieldProcessor() { runtime.Gosched() }

func releaseAll(vs []*value.Value) {
	for _, v := range vs {
		v.Release()
	}
}
