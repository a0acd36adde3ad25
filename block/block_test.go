package block

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agim-lang/agim/bytecode"
	"github.com/agim-lang/agim/config"
	"github.com/agim-lang/agim/mailbox"
	"github.com/agim-lang/agim/regvm"
	"github.com/agim-lang/agim/value"
	"github.com/agim-lang/agim/vm"
	"github.com/agim-lang/agim/wire"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type exit struct {
	pid    uint64
	result string
	err    error
}

// newRegistry returns a registry that reports exits on the returned
// channel. It is shut down when the test ends.
func newRegistry(t *testing.T, cfg config.Config) (*Registry, <-chan exit) {
	t.Helper()
	exits := make(chan exit, 64)
	r := NewRegistry(context.Background(), cfg, OnExit(func(b *Block) {
		e := exit{pid: b.Pid(), err: b.Err()}
		if v := b.Result(); v != nil {
			e.result = v.String()
		}
		exits <- e
	}))
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, exits
}

func waitExit(t *testing.T, exits <-chan exit, pid uint64) exit {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-exits:
			if e.pid == pid {
				return e
			}
		case <-timeout:
			t.Fatalf("block %d did not exit", pid)
		}
	}
}

func constInt(t *testing.T, c *bytecode.Chunk, i int64) {
	t.Helper()
	if _, err := c.EmitConstant(value.NewInt(i), 1); err != nil {
		t.Fatal(err)
	}
}

func name(t *testing.T, c *bytecode.Chunk, s string) uint16 {
	t.Helper()
	i, err := c.StringConstant(s)
	if err != nil {
		t.Fatal(err)
	}
	return i
}

func loop(t *testing.T, c *bytecode.Chunk, start int) {
	t.Helper()
	if err := c.EmitLoop(start, 1); err != nil {
		t.Fatal(err)
	}
}

func patch(t *testing.T, c *bytecode.Chunk, at int) {
	t.Helper()
	if err := c.PatchJump(at); err != nil {
		t.Fatal(err)
	}
}

// spin builds a program that optionally defines global "count" as n and
// then yields forever without receiving.
func spin(t *testing.T, n int64) *bytecode.Bytecode {
	b := bytecode.New("spin")
	c := b.Main
	if n != 0 {
		constInt(t, c, n)
		c.EmitU16(bytecode.OpDefineGlobal, name(t, c, "count"), 1)
	}
	start := len(c.Code)
	c.Emit(bytecode.OpYield, 2)
	loop(t, c, start)
	return b
}

// summer builds a program that receives n integers and halts with their
// sum.
func summer(t *testing.T, n int64) *bytecode.Bytecode {
	b := bytecode.New("summer")
	c := b.Main
	constInt(t, c, 0) // sum
	constInt(t, c, 0) // i
	start := len(c.Code)
	c.EmitU8(bytecode.OpGetLocal, 1, 1)
	constInt(t, c, n)
	c.Emit(bytecode.OpLt, 1)
	exit := c.EmitJump(bytecode.OpJumpUnless, 1)
	c.Emit(bytecode.OpPop, 1)
	c.EmitU8(bytecode.OpGetLocal, 0, 2)
	c.Emit(bytecode.OpReceive, 2)
	c.Emit(bytecode.OpAdd, 2)
	c.EmitU8(bytecode.OpSetLocal, 0, 2)
	c.EmitU8(bytecode.OpGetLocal, 1, 3)
	constInt(t, c, 1)
	c.Emit(bytecode.OpAdd, 3)
	c.EmitU8(bytecode.OpSetLocal, 1, 3)
	loop(t, c, start)
	patch(t, c, exit)
	c.Emit(bytecode.OpPop, 4)
	c.EmitU8(bytecode.OpGetLocal, 0, 4)
	c.Emit(bytecode.OpHalt, 4)
	return b
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStartHalts(t *testing.T) {
	b := bytecode.New("answer")
	constInt(t, b.Main, 40)
	constInt(t, b.Main, 2)
	b.Main.Emit(bytecode.OpAdd, 1)
	b.Main.Emit(bytecode.OpHalt, 1)

	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(b, "answer")
	if err != nil {
		t.Fatal(err)
	}
	e := waitExit(t, exits, pid)
	if e.err != nil || e.result != "42" {
		t.Errorf("exit = %+v, want result 42", e)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after exit, want 0", r.Len())
	}
}

func TestStartUnsupported(t *testing.T) {
	r, _ := newRegistry(t, config.Default())
	if _, err := r.Start("print 1", "text"); !errors.Is(err, ErrProgram) {
		t.Errorf("Start() = %v, want ErrProgram", err)
	}
}

func TestBlockFailure(t *testing.T) {
	b := bytecode.New("fail")
	constInt(t, b.Main, 1)
	constInt(t, b.Main, 0)
	b.Main.Emit(bytecode.OpDiv, 3)
	b.Main.Emit(bytecode.OpHalt, 3)

	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(b, "fail")
	if err != nil {
		t.Fatal(err)
	}
	e := waitExit(t, exits, pid)
	var vmErr *vm.Error
	if !errors.As(e.err, &vmErr) || vmErr.Kind != vm.KindType || vmErr.Line != 3 {
		t.Errorf("block error = %v, want type error on line 3", e.err)
	}
	if err := r.Wait(); !errors.As(err, &vmErr) {
		t.Errorf("Wait() = %v, want the block failure", err)
	}
}

func TestShutdownStopsBlocks(t *testing.T) {
	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(spin(t, 0), "spin")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Shutdown(); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if e := waitExit(t, exits, pid); !errors.Is(e.err, context.Canceled) {
		t.Errorf("block error = %v, want context.Canceled", e.err)
	}
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

func TestSendUnknownPid(t *testing.T) {
	r, _ := newRegistry(t, config.Default())
	if err := r.Send(0, 999, value.NewInt(1)); !errors.Is(err, vm.ErrNoProcess) {
		t.Errorf("Send() = %v, want ErrNoProcess", err)
	}
}

func TestMailboxLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Mailbox.MaxSize = 1
	r, _ := newRegistry(t, cfg)
	pid, err := r.Start(spin(t, 0), "spin")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Send(0, pid, value.NewInt(1)); err != nil {
		t.Fatalf("first Send() = %v", err)
	}
	if err := r.Send(0, pid, value.NewInt(2)); !errors.Is(err, mailbox.ErrFull) {
		t.Errorf("second Send() = %v, want ErrFull", err)
	}
	blk, ok := r.Block(pid)
	if !ok || blk.Pending() != 1 {
		t.Errorf("block pending = %v, want 1", blk)
	}
}

func TestSpawnReply(t *testing.T) {
	b := bytecode.New("ping")
	child := bytecode.NewFunction("double", 1)
	fc := child.Chunk
	fc.EmitU8(bytecode.OpGetLocal, 1, 1) // parent pid
	fc.Emit(bytecode.OpReceive, 1)
	constInt(t, fc, 2)
	fc.Emit(bytecode.OpMul, 1)
	fc.Emit(bytecode.OpSend, 1)
	fc.Emit(bytecode.OpReturn, 1)

	c := b.Main
	idx := b.AddFunction(child)
	k, err := c.AddConstant(value.NewFunction(value.FunctionInfo{Name: "double", Arity: 1, Index: idx}))
	if err != nil {
		t.Fatal(err)
	}
	c.EmitU16(bytecode.OpConst, k, 1)
	c.Emit(bytecode.OpSelf, 1)
	c.EmitU8(bytecode.OpSpawn, 1, 1)
	c.EmitU8(bytecode.OpGetLocal, 0, 2)
	constInt(t, c, 21)
	c.Emit(bytecode.OpSend, 2)
	c.Emit(bytecode.OpPop, 2)
	c.Emit(bytecode.OpReceive, 3)
	c.Emit(bytecode.OpHalt, 3)

	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(b, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if e := waitExit(t, exits, pid); e.err != nil || e.result != "42" {
		t.Errorf("exit = %+v, want result 42", e)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestRegisterUnitSpawnReply(t *testing.T) {
	u := regvm.NewUnit("ping", 6)
	child := regvm.NewProto("double", 1, 4)
	child.EmitABC(regvm.OpReceive, 1, 0, 0, 1)
	child.Emit(regvm.AsBx(regvm.OpLoadInt, 2, 2), 1)
	child.EmitABC(regvm.OpMul, 3, 1, 2, 1)
	child.EmitABC(regvm.OpSend, 2, 0, 3, 1)
	child.EmitABC(regvm.OpReturn, 2, 1, 0, 1)
	idx, err := u.AddProto(child)
	if err != nil {
		t.Fatal(err)
	}

	m := u.Main
	m.EmitABx(regvm.OpClosure, 0, idx, 1)
	m.EmitABC(regvm.OpSelf, 1, 0, 0, 1)
	m.EmitABC(regvm.OpSpawn, 2, 0, 1, 1)
	m.Emit(regvm.AsBx(regvm.OpLoadInt, 3, 21), 2)
	m.EmitABC(regvm.OpSend, 4, 2, 3, 2)
	m.EmitABC(regvm.OpReceive, 5, 0, 0, 3)
	m.EmitABC(regvm.OpHalt, 5, 0, 0, 3)

	cfg := config.Default()
	cfg.VM.Engine = config.EngineRegister
	r, exits := newRegistry(t, cfg)
	pid, err := r.Start(u, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if e := waitExit(t, exits, pid); e.err != nil || e.result != "42" {
		t.Errorf("exit = %+v, want result 42", e)
	}
}

func TestConcurrentSenders(t *testing.T) {
	const senders, each = 8, 125

	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(summer(t, senders*each), "summer")
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for s := range senders {
		g.Go(func() error {
			for i := 1; i <= each; i++ {
				if err := r.Send(uint64(1000+s), pid, value.NewInt(int64(i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	e := waitExit(t, exits, pid)
	if e.err != nil || e.result != "63000" {
		t.Errorf("exit = %+v, want sum 63000", e)
	}
}

func TestManyBlocks(t *testing.T) {
	const blocks = 32

	r, exits := newRegistry(t, config.Default())
	pids := make(map[uint64]bool)
	for range blocks {
		pid, err := r.Start(summer(t, 1), "summer")
		if err != nil {
			t.Fatal(err)
		}
		pids[pid] = true
	}
	var g errgroup.Group
	for pid := range pids {
		g.Go(func() error { return r.Send(0, pid, value.NewInt(int64(pid))) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}

	seen := 0
	for range blocks {
		if e := <-exits; pids[e.pid] && e.err == nil {
			seen++
		}
	}
	if seen != blocks {
		t.Errorf("%d of %d blocks halted cleanly", seen, blocks)
	}
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func TestCheckpointRestore(t *testing.T) {
	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(spin(t, 5), "counter")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Send(7, pid, value.NewInt(3)); err != nil {
		t.Fatal(err)
	}

	// The block defines its global on its first slice.
	deadline := time.Now().Add(5 * time.Second)
	c, err := r.Checkpoint(pid)
	for err == nil && c.Globals["count"] == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		c, err = r.Checkpoint(pid)
	}
	if err != nil {
		t.Fatalf("Checkpoint() = %v", err)
	}
	if c.Pid != pid || c.Source != "counter" || len(c.Mailbox) != 1 || c.Mailbox[0].Sender != 7 {
		t.Fatalf("checkpoint = %+v", c)
	}
	if blk, _ := r.Block(pid); blk.Pending() != 1 {
		t.Errorf("pending after checkpoint = %d, want the message requeued", blk.Pending())
	}

	// The restored program adds its one message to the restored global.
	b := bytecode.New("resume")
	rc := b.Main
	rc.EmitU16(bytecode.OpGetGlobal, name(t, rc, "count"), 1)
	rc.Emit(bytecode.OpReceive, 1)
	rc.Emit(bytecode.OpAdd, 1)
	rc.Emit(bytecode.OpHalt, 1)

	restored, err := r.Restore(c, b)
	if err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	if e := waitExit(t, exits, restored); e.err != nil || e.result != "8" {
		t.Errorf("restored exit = %+v, want 8", e)
	}
}

func TestCheckpointUnknownPid(t *testing.T) {
	r, _ := newRegistry(t, config.Default())
	if _, err := r.Checkpoint(42); !errors.Is(err, vm.ErrNoProcess) {
		t.Errorf("Checkpoint() = %v, want ErrNoProcess", err)
	}
}

func TestDeliver(t *testing.T) {
	r, exits := newRegistry(t, config.Default())
	pid, err := r.Start(summer(t, 2), "summer")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{30, 12} {
		env, err := wire.NewEnvelope(0, pid, value.NewInt(n))
		if err != nil {
			t.Fatal(err)
		}
		data, err := wire.MarshalEnvelope(env)
		if err != nil {
			t.Fatal(err)
		}
		in, err := wire.UnmarshalEnvelope(data)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Deliver(in); err != nil {
			t.Fatalf("Deliver() = %v", err)
		}
	}
	if e := waitExit(t, exits, pid); e.err != nil || e.result != "42" {
		t.Errorf("exit = %+v, want 42", e)
	}

	bad, _ := wire.NewEnvelope(0, pid, value.NewInt(1))
	bad.Payload = append(bad.Payload, 0)
	if err := r.Deliver(bad); !errors.Is(err, wire.ErrHashMismatch) {
		t.Errorf("Deliver(tampered) = %v, want ErrHashMismatch", err)
	}
}
