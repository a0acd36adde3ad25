package value

import (
	"sync"
	"sync/atomic"
)

// Handles give every Value that is boxed into a VM slot a 48-bit identity.
// The table is process-wide so a slot holding a value received from another
// block resolves the same way as a local one. Lookups are lock-free; handle
// allocation and release take a mutex.

const (
	handleSegmentBits = 12
	handleSegmentSize = 1 << handleSegmentBits
	handleSegmentMask = handleSegmentSize - 1

	// MaxHandle is the largest handle a NaN-boxed slot can carry.
	MaxHandle = 1<<48 - 1
)

type handleSegment [handleSegmentSize]atomic.Pointer[Value]

type handleTable struct {
	mu   sync.Mutex
	segs atomic.Pointer[[]*handleSegment]
	next uint64
	spare []uint64
}

var handles handleTable

func (t *handleTable) alloc(v *Value) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var h uint64
	if n := len(t.spare); n > 0 {
		h = t.spare[n-1]
		t.spare = t.spare[:n-1]
	} else {
		if t.next == MaxHandle {
			return 0
		}
		t.next++
		h = t.next
		seg := int(h >> handleSegmentBits)
		var segs []*handleSegment
		if p := t.segs.Load(); p != nil {
			segs = *p
		}
		if seg >= len(segs) {
			grown := make([]*handleSegment, seg+1, 2*(seg+1))
			copy(grown, segs)
			grown[seg] = new(handleSegment)
			t.segs.Store(&grown)
		}
	}
	t.slot(h).Store(v)
	return h
}

func (t *handleTable) slot(h uint64) *atomic.Pointer[Value] {
	p := t.segs.Load()
	if p == nil {
		return nil
	}
	seg := h >> handleSegmentBits
	if seg >= uint64(len(*p)) {
		return nil
	}
	return &(*p)[seg][h&handleSegmentMask]
}

func (t *handleTable) free(h uint64) {
	if s := t.slot(h); s != nil {
		s.Store(nil)
	}
	t.mu.Lock()
	t.spare = append(t.spare, h)
	t.mu.Unlock()
}

// HandleOf returns the handle of v, assigning one on first use. It returns 0
// when the handle space is exhausted.
func HandleOf(v *Value) uint64 {
	if h := v.handle.Load(); h != 0 {
		return h
	}
	h := handles.alloc(v)
	if h == 0 {
		return 0
	}
	if !v.handle.CompareAndSwap(0, h) {
		handles.free(h)
		return v.handle.Load()
	}
	return h
}

// Resolve maps a handle back to its Value, or nil once the value is freed.
func Resolve(h uint64) *Value {
	if h == 0 {
		return nil
	}
	s := handles.slot(h)
	if s == nil {
		return nil
	}
	return s.Load()
}
