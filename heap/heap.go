// Package heap implements the per-block heap: allocation accounting and an
// incremental, optionally generational, mark/sweep collector that runs
// alongside reference counting.
//
// A Heap is owned by one goroutine, the one running its block. Only
// Reclaim may be called from elsewhere: values released by other blocks are
// queued and unlinked by the owner at its next allocation, collection or
// statistics call.
package heap

import (
	"sync"
	"sync/atomic"

	"github.com/agim-lang/agim/value"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.heap")

// Phase is the collector state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	}
	return "unknown"
}

// RootSource enumerates the roots of the program using a heap, typically a
// VM's stack, frames and globals.
type RootSource interface {
	EachRoot(fn func(*value.Value))
}

// Heap tracks every value allocated for one block.
type Heap struct {
	cfg Config

	head    *value.Value
	objects int
	bytes   int
	young   int
	old     int
	nextGC  int

	phase        Phase
	minorCycle   bool
	gray         []*value.Value
	sweep        *value.Value
	remember     []*value.Value
	forceFull    bool
	generational bool
	requested    bool

	roots  RootSource
	pinned map[*value.Value]int

	minor     int
	major     int
	freed     uint64
	freedSize uint64

	pendMu     sync.Mutex
	pending    []*value.Value
	hasPending atomic.Bool
}

// New returns an empty heap. Zero fields of cfg take their defaults.
func New(cfg Config) *Heap {
	cfg = cfg.WithDefaults()
	h := &Heap{
		cfg:          cfg,
		generational: cfg.Generational,
		pinned:       make(map[*value.Value]int),
	}
	h.nextGC = h.baseThreshold()
	return h
}

func (h *Heap) baseThreshold() int {
	return int(float64(h.cfg.InitialSize) * h.cfg.TriggerThreshold)
}

// Config returns the heap configuration.
func (h *Heap) Config() Config { return h.cfg }

// SetRootSource registers the program whose roots the collector scans.
// Allocation only schedules collections once a root source is set.
func (h *Heap) SetRootSource(rs RootSource) { h.roots = rs }

// AddRoot pins v until a matching RemoveRoot.
func (h *Heap) AddRoot(v *value.Value) {
	h.pinned[v]++
	if h.phase == PhaseMarking {
		h.shade(v)
	}
}

// RemoveRoot drops one pin of v.
func (h *Heap) RemoveRoot(v *value.Value) {
	if n := h.pinned[v]; n > 1 {
		h.pinned[v] = n - 1
	} else {
		delete(h.pinned, v)
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Track links v into the heap. It fails with value.ErrOutOfMemory when the
// heap would exceed its maximum size. Passing the threshold only requests a
// collection; the work happens at the next SafePoint.
func (h *Heap) Track(v *value.Value) error {
	h.drain()
	size := value.SizeOf(v)
	if h.cfg.MaxSize > 0 && h.bytes+size > h.cfg.MaxSize {
		log.Warningf("allocation of %d bytes refused: %d of %d in use", size, h.bytes, h.cfg.MaxSize)
		return value.ErrOutOfMemory
	}

	v.SetOwner(h)
	v.GC.Reset()
	v.Size = int32(size)
	v.Prev = nil
	v.Next = h.head
	if h.head != nil {
		h.head.Prev = v
	}
	h.head = v
	h.objects++
	h.bytes += size
	h.young += size

	// Objects born during marking are shaded so whatever they already
	// reference gets traced.
	if h.phase == PhaseMarking {
		h.shade(v)
	}
	if h.roots != nil && h.bytes > h.nextGC {
		h.requested = true
	}
	return nil
}

// Owns reports whether v was allocated from h.
func (h *Heap) Owns(v *value.Value) bool {
	return v != nil && v.Owner() == value.Owner(h)
}

// Alloc returns a fresh tracked value of kind k with an empty payload.
func (h *Heap) Alloc(k value.Kind) (*value.Value, error) {
	return h.track(value.Zero(k))
}

func (h *Heap) track(v *value.Value) (*value.Value, error) {
	if err := h.Track(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Int allocates an Int.
func (h *Heap) Int(i int64) (*value.Value, error) { return h.track(value.NewInt(i)) }

// Float allocates a Float.
func (h *Heap) Float(f float64) (*value.Value, error) { return h.track(value.NewFloat(f)) }

// String allocates a String.
func (h *Heap) String(s string) (*value.Value, error) { return h.track(value.NewString(s)) }

// Array allocates an empty Array with room for n items.
func (h *Heap) Array(n int) (*value.Value, error) { return h.track(value.NewArray(n)) }

// Map allocates an empty Map sized for n entries.
func (h *Heap) Map(n int) (*value.Value, error) { return h.track(value.NewMap(n)) }

// ---------------------------------------------------------------------------
// Reclamation
// ---------------------------------------------------------------------------

// Reclaim queues a value whose refcount reached zero for unlinking. Safe
// for concurrent use.
func (h *Heap) Reclaim(v *value.Value) {
	h.pendMu.Lock()
	h.pending = append(h.pending, v)
	h.hasPending.Store(true)
	h.pendMu.Unlock()
}

func (h *Heap) drain() {
	if !h.hasPending.Load() {
		return
	}
	h.pendMu.Lock()
	batch := h.pending
	h.pending = nil
	h.hasPending.Store(false)
	h.pendMu.Unlock()
	for _, v := range batch {
		// Already unlinked by Free.
		if v.Owner() != value.Owner(h) {
			continue
		}
		h.unlink(v)
		h.freed++
		h.freedSize += uint64(v.Size)
	}
}

func (h *Heap) unlink(v *value.Value) {
	if v == h.sweep {
		h.sweep = v.Next
	}
	if v.Prev != nil {
		v.Prev.Next = v.Next
	} else if h.head == v {
		h.head = v.Next
	}
	if v.Next != nil {
		v.Next.Prev = v.Prev
	}
	v.Next, v.Prev = nil, nil

	size := int(v.Size)
	h.objects--
	h.bytes -= size
	if v.GC.Old() {
		h.old -= size
	} else {
		h.young -= size
	}
	if v.GC.Remembered() {
		h.forget(v)
	}
	v.SetOwner(nil)
}

// Free destroys every value still tracked by the heap. The heap must not be
// used afterwards.
//
// Values another block may still hold, and everything they reach, are
// unlinked but left intact; their last release frees them.
func (h *Heap) Free() {
	h.drain()
	orphans := make(map[*value.Value]bool)
	var keep func(v *value.Value)
	keep = func(v *value.Value) {
		if v == nil || orphans[v] || v.Owner() != value.Owner(h) || v.Freeing() {
			return
		}
		orphans[v] = true
		v.Each(keep)
	}
	held := h.heldRefs()
	for v := h.head; v != nil; v = v.Next {
		if h.externallyHeld(v, held) {
			keep(v)
		}
	}
	for h.head != nil {
		v := h.head
		if orphans[v] {
			h.unlink(v)
			continue
		}
		if v.Condemn() {
			v.Finalize()
			h.freed++
			h.freedSize += uint64(v.Size)
		}
		h.unlink(v)
		// Finalize may have queued children that are still linked.
		h.drain()
	}
	h.gray = nil
	h.remember = nil
	h.pinned = make(map[*value.Value]int)
	h.phase = PhaseIdle
}

// Used returns the bytes currently tracked.
func (h *Heap) Used() int {
	h.drain()
	return h.bytes
}

// Objects returns the number of values currently tracked.
func (h *Heap) Objects() int {
	h.drain()
	return h.objects
}
