package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agim-lang/agim/value"
	"golang.org/x/sync/errgroup"
)

func intMessage(sender uint64, i int64) *Message {
	return NewMessage(sender, value.NewInt(i))
}

func popInt(t *testing.T, m *Mailbox) int64 {
	t.Helper()
	msg, ok := m.Pop()
	if !ok {
		t.Fatal("Pop() reported empty")
	}
	i, ok := msg.Payload.AsInt()
	if !ok {
		t.Fatalf("payload is %s, want int", msg.Payload.Kind())
	}
	msg.Payload.Release()
	return i
}

func TestEmptyMailbox(t *testing.T) {
	m := New()
	if !m.Empty() || m.Count() != 0 {
		t.Errorf("new mailbox: Empty() = %v, Count() = %d", m.Empty(), m.Count())
	}
	if _, ok := m.Pop(); ok {
		t.Error("Pop() on empty mailbox returned a message")
	}
}

func TestFIFOSingleProducer(t *testing.T) {
	m := New()
	for i := range 10 {
		if err := m.Push(intMessage(1, int64(i)), 0); err != nil {
			t.Fatal(err)
		}
	}
	if m.Count() != 10 {
		t.Errorf("Count() = %d, want 10", m.Count())
	}
	for i := range 10 {
		if got := popInt(t, m); got != int64(i) {
			t.Errorf("pop %d = %d", i, got)
		}
	}
	if !m.Empty() {
		t.Error("mailbox not empty after draining")
	}
	if _, ok := m.Pop(); ok {
		t.Error("Pop() after draining returned a message")
	}
}

func TestStubReinsertion(t *testing.T) {
	// Alternating single pushes and pops detach and re-link the stub each
	// time.
	m := New()
	for i := range 5 {
		if err := m.Push(intMessage(1, int64(i)), 0); err != nil {
			t.Fatal(err)
		}
		if got := popInt(t, m); got != int64(i) {
			t.Fatalf("pop = %d, want %d", got, i)
		}
		if _, ok := m.Pop(); ok {
			t.Fatal("extra message after single push")
		}
	}
	m.Push(intMessage(1, 100), 0)
	m.Push(intMessage(1, 101), 0)
	if popInt(t, m) != 100 || popInt(t, m) != 101 {
		t.Error("order lost after stub reinsertion")
	}
}

func TestPushLimit(t *testing.T) {
	m := New()
	for i := range 3 {
		if err := m.Push(intMessage(1, int64(i)), 3); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	msg := intMessage(1, 3)
	if err := m.Push(msg, 3); !errors.Is(err, ErrFull) {
		t.Fatalf("Push() over limit = %v, want ErrFull", err)
	}
	if msg.Payload.RefCount() != 1 {
		t.Error("rejected message payload was consumed")
	}
	popInt(t, m)
	if err := m.Push(msg, 3); err != nil {
		t.Errorf("Push() after pop = %v", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	m := New()
	start := time.Now()
	if _, ok := m.Receive(20 * time.Millisecond); ok {
		t.Fatal("Receive() on empty mailbox returned a message")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Receive() returned after %v, before the timeout", elapsed)
	}
	if _, ok := m.Receive(0); ok {
		t.Error("polling Receive() returned a message")
	}
}

func TestReceiveWakesOnPush(t *testing.T) {
	m := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Push(intMessage(2, 42), 0)
	}()
	msg, ok := m.Receive(time.Second)
	if !ok {
		t.Fatal("Receive() timed out")
	}
	if i, _ := msg.Payload.AsInt(); i != 42 || msg.Sender != 2 {
		t.Errorf("got %d from %d, want 42 from 2", i, msg.Sender)
	}
}

func TestReceiveContextCancel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.ReceiveContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReceiveContext() = %v, want DeadlineExceeded", err)
	}

	m.Push(intMessage(1, 7), 0)
	msg, err := m.ReceiveContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if i, _ := msg.Payload.AsInt(); i != 7 {
		t.Errorf("payload = %d, want 7", i)
	}
}

func TestFreeReleasesPayloads(t *testing.T) {
	m := New()
	payloads := make([]*value.Value, 3)
	for i := range payloads {
		payloads[i] = value.NewArray(0)
		m.Push(NewMessage(1, payloads[i]), 0)
	}
	popped, _ := m.Pop()
	m.Free()
	if popped.Payload.Freeing() {
		t.Error("Free() released a payload already taken by the receiver")
	}
	for _, p := range payloads[1:] {
		if !p.Freeing() {
			t.Error("Free() left a queued payload alive")
		}
	}
	if !m.Empty() {
		t.Error("mailbox not empty after Free()")
	}
	m.Push(intMessage(1, 1), 0)
	if popInt(t, m) != 1 {
		t.Error("mailbox unusable after Free()")
	}
}

func TestConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perThread = 25000
		total     = producers * perThread
	)
	m := New()

	var g errgroup.Group
	for p := range producers {
		g.Go(func() error {
			for seq := range perThread {
				if err := m.Push(intMessage(uint64(p), int64(seq)), 0); err != nil {
					return err
				}
			}
			return nil
		})
	}

	last := make([]int64, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	deadline := time.Now().Add(30 * time.Second)
	for received < total {
		msg, ok := m.Pop()
		if !ok {
			if time.Now().After(deadline) {
				t.Fatalf("received %d of %d messages before deadline", received, total)
			}
			continue
		}
		seq, _ := msg.Payload.AsInt()
		if seq != last[msg.Sender]+1 {
			t.Fatalf("producer %d: sequence %d after %d", msg.Sender, seq, last[msg.Sender])
		}
		last[msg.Sender] = seq
		msg.Payload.Release()
		received++
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for p, seq := range last {
		if seq != perThread-1 {
			t.Errorf("producer %d: last sequence %d, want %d", p, seq, perThread-1)
		}
	}
	if _, ok := m.Pop(); ok {
		t.Error("extra message after all producers drained")
	}
}

func TestWait(t *testing.T) {
	m := New()
	if m.Wait(context.Background(), 10*time.Millisecond) {
		t.Error("Wait() on empty mailbox reported a notification")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Push(intMessage(1, 5), 0)
	}()
	if !m.Wait(context.Background(), -1) {
		t.Fatal("Wait() missed the push")
	}
	if popInt(t, m) != 5 {
		t.Error("Wait() consumed the message")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m.Wait(ctx, -1) {
		t.Error("Wait() on cancelled context reported a notification")
	}
}
