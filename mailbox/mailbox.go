// Package mailbox implements the per-block message queue: an intrusive,
// lock-free multi-producer single-consumer list with a permanently embedded
// stub node.
//
// Any goroutine may Push. Only the goroutine that owns the block may Pop,
// Receive or Free.
package mailbox

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/agim-lang/agim/value"
	"github.com/tliron/commonlog"
	"golang.org/x/sys/cpu"
)

var log = commonlog.GetLogger("agim.mailbox")

// ErrFull is returned by Push when the mailbox is at its limit.
var ErrFull = errors.New("mailbox full")

// Consumer spin limits while a producer is between its tail swap and its
// publish store.
const (
	maxBackoff = 64
	maxSpins   = 1000
)

// Message is one queued value. The payload is owned by the message until a
// receiver takes it.
type Message struct {
	Sender  uint64
	Payload *value.Value

	next atomic.Pointer[Message]
}

// NewMessage returns a message carrying payload from sender. The payload
// reference moves into the message.
func NewMessage(sender uint64, payload *value.Value) *Message {
	return &Message{Sender: sender, Payload: payload}
}

// Mailbox is an MPSC queue. The zero value is not usable; call New or Init.
type Mailbox struct {
	_    cpu.CacheLinePad
	head atomic.Pointer[Message]
	_    cpu.CacheLinePad
	tail atomic.Pointer[Message]
	_    cpu.CacheLinePad
	// count is approximate: it is bumped before a message is linked.
	count atomic.Int64
	_     cpu.CacheLinePad

	stub   Message
	notify chan struct{}
}

// New returns an empty mailbox.
func New() *Mailbox {
	m := &Mailbox{}
	m.Init()
	return m
}

// Init resets m to the empty state, with head and tail on the stub.
func (m *Mailbox) Init() {
	m.stub.next.Store(nil)
	m.stub.Payload = nil
	m.head.Store(&m.stub)
	m.tail.Store(&m.stub)
	m.count.Store(0)
	m.notify = make(chan struct{}, 1)
}

// Push enqueues msg. When limit is positive and the mailbox already holds
// limit messages, Push fails with ErrFull and msg is left with the caller.
// The limit is approximate under concurrent producers.
func (m *Mailbox) Push(msg *Message, limit int) error {
	if limit > 0 && m.count.Load() >= int64(limit) {
		return ErrFull
	}
	m.count.Add(1)
	m.link(msg)
	m.Notify()
	return nil
}

func (m *Mailbox) link(msg *Message) {
	msg.next.Store(nil)
	prev := m.tail.Swap(msg)
	prev.next.Store(msg)
}

// Notify wakes a receiver parked in Receive. Pushes notify on their own.
func (m *Mailbox) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pop dequeues the oldest message, or reports false when the queue is empty
// or a producer has not finished publishing within the spin limit.
func (m *Mailbox) Pop() (*Message, bool) {
	head := m.head.Load()
	next := head.next.Load()
	if head == &m.stub {
		if next == nil {
			return nil, false
		}
		m.head.Store(next)
		head = next
		next = next.next.Load()
	}
	if next != nil {
		m.head.Store(next)
		return m.take(head), true
	}

	if head != m.tail.Load() {
		// A producer swapped the tail but has not linked its message yet.
		if next = m.spin(head); next == nil {
			return nil, false
		}
		m.head.Store(next)
		return m.take(head), true
	}

	// head is the only message. Put the stub behind it so head can be
	// detached.
	m.link(&m.stub)
	if next = head.next.Load(); next == nil {
		if next = m.spin(head); next == nil {
			return nil, false
		}
	}
	m.head.Store(next)
	return m.take(head), true
}

func (m *Mailbox) take(msg *Message) *Message {
	m.count.Add(-1)
	msg.next.Store(nil)
	return msg
}

func (m *Mailbox) spin(n *Message) *Message {
	backoff := 1
	for spins := 0; spins < maxSpins; spins += backoff {
		if next := n.next.Load(); next != nil {
			return next
		}
		for range backoff {
			runtime.Gosched()
		}
		backoff = min(backoff*2, maxBackoff)
	}
	next := n.next.Load()
	if next == nil {
		log.Debug("producer stalled mid-publish, giving up")
	}
	return next
}

// Receive pops a message, waiting up to timeout for one to arrive. A zero
// timeout polls once; a negative one waits indefinitely.
func (m *Mailbox) Receive(timeout time.Duration) (*Message, bool) {
	if msg, ok := m.Pop(); ok || timeout == 0 {
		return msg, ok
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		select {
		case <-m.notify:
		case <-expired:
			return m.Pop()
		}
		if msg, ok := m.Pop(); ok {
			return msg, true
		}
	}
}

// ReceiveContext pops a message, waiting until one arrives or ctx is done.
func (m *Mailbox) ReceiveContext(ctx context.Context) (*Message, error) {
	for {
		if msg, ok := m.Pop(); ok {
			return msg, nil
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait parks until a push notifies the mailbox, timeout passes or ctx is
// done, without taking a message. It reports whether it was notified. A
// negative timeout waits without limit. Only the consumer may wait.
func (m *Mailbox) Wait(ctx context.Context, timeout time.Duration) bool {
	if !m.Empty() {
		return true
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-m.notify:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

// Empty reports whether the mailbox appears empty.
func (m *Mailbox) Empty() bool { return m.count.Load() <= 0 }

// Count returns the approximate number of queued messages.
func (m *Mailbox) Count() int { return int(max(m.count.Load(), 0)) }

// Free releases every queued payload and resets the mailbox. No producer may
// be using it.
func (m *Mailbox) Free() {
	dropped := 0
	for n := m.head.Load(); n != nil; {
		next := n.next.Load()
		if n != &m.stub {
			n.Payload.Release()
			n.Payload = nil
			dropped++
		}
		n = next
	}
	if dropped > 0 {
		log.Debugf("freed %d undelivered messages", dropped)
	}
	m.Init()
}
