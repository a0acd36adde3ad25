package heap

import (
	"github.com/agim-lang/agim/value"
)

// Reference counting frees acyclic garbage immediately; the collector exists
// for cycles. It is a tri-color mark/sweep that can run in budgeted steps
// between instructions. While marking, new objects are allocated gray and
// stores shade their child, so a black object never points at a white one.
// In generational mode a minor cycle only marks and sweeps young objects;
// old objects that were given young children are kept in the remember set
// and their children are scanned as extra roots.

// SafePoint runs collector work that allocation has scheduled. The VM calls
// it between instructions, where every live value is reachable from its
// roots.
func (h *Heap) SafePoint() {
	h.drain()
	if h.phase != PhaseIdle {
		h.Step()
		return
	}
	if h.requested {
		h.requested = false
		h.StartIncremental()
	}
}

// Phase returns the collector state.
func (h *Heap) Phase() Phase { return h.phase }

// Generational reports whether generational collection is enabled.
func (h *Heap) Generational() bool { return h.generational }

// SetGenerational switches generational collection on or off. Switching it
// on makes the next cycle full so that the remember set starts complete.
func (h *Heap) SetGenerational(on bool) {
	if on == h.generational {
		return
	}
	h.finishCycle()
	h.generational = on
	if on {
		h.forceFull = true
		return
	}
	for _, r := range h.remember {
		r.GC.SetRemembered(false)
	}
	h.remember = nil
}

// Collect runs a complete collection, finishing any cycle in progress
// first. In generational mode it is a minor collection unless the remember
// set overflowed.
func (h *Heap) Collect() {
	h.finishCycle()
	h.start(h.nextIsMinor())
	h.finishCycle()
}

// CollectYoung runs a minor collection, or a major one when generational
// mode is off or a full collection is owed.
func (h *Heap) CollectYoung() {
	h.finishCycle()
	h.start(h.nextIsMinor())
	h.finishCycle()
}

// CollectFull runs a major collection over every object.
func (h *Heap) CollectFull() {
	h.finishCycle()
	h.start(false)
	h.finishCycle()
}

// StartIncremental begins a cycle without doing any marking beyond the
// roots. Subsequent calls to Step advance it. It does nothing when a cycle
// is already active.
func (h *Heap) StartIncremental() {
	if h.phase != PhaseIdle {
		return
	}
	h.start(h.nextIsMinor())
}

// Step performs one budgeted slice of the active cycle and reports whether
// the heap is idle afterwards.
func (h *Heap) Step() bool {
	h.drain()
	switch h.phase {
	case PhaseMarking:
		h.mark(h.cfg.StepBudget)
	case PhaseSweeping:
		if h.sweepSome(h.cfg.StepBudget) {
			h.finish()
		}
	}
	return h.phase == PhaseIdle
}

func (h *Heap) nextIsMinor() bool {
	return h.generational && !h.forceFull
}

func (h *Heap) finishCycle() {
	for !h.Step() {
	}
}

func (h *Heap) start(minor bool) {
	h.drain()
	h.minorCycle = minor
	h.phase = PhaseMarking
	h.gray = h.gray[:0]
	h.requested = false
	h.markRoots()
	if minor {
		log.Debugf("minor collection started: %d objects, %d remembered", h.objects, len(h.remember))
	} else {
		log.Debugf("major collection started: %d objects", h.objects)
	}
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

func (h *Heap) shade(v *value.Value) {
	if v == nil || v.Owner() != value.Owner(h) || v.GC.Marked() || v.Freeing() {
		return
	}
	if h.minorCycle && v.GC.Old() {
		return
	}
	v.GC.SetMarked(true)
	h.gray = append(h.gray, v)
}

// shadeThrough shades v, or its children when v is an old object that a
// minor cycle will not trace.
func (h *Heap) shadeThrough(v *value.Value) {
	if h.minorCycle && v.GC.Old() {
		v.Each(h.shade)
		return
	}
	h.shade(v)
}

func (h *Heap) markRoots() {
	if h.roots != nil {
		h.roots.EachRoot(h.shadeThrough)
	}
	for v := range h.pinned {
		h.shadeThrough(v)
	}
	// Saturated values live forever. Escaped ones are roots only while
	// another block, a mailbox or the host still holds a reference.
	held := h.heldRefs()
	for v := h.head; v != nil; v = v.Next {
		if v.RefCount() == value.RefSaturated || h.externallyHeld(v, held) {
			h.shadeThrough(v)
		}
	}
	if h.minorCycle {
		for _, r := range h.remember {
			r.Each(h.shade)
		}
	}
}

// heldRefs counts, for every escaped value of h, the references that live
// objects of h hold on it. It returns nil when nothing has escaped.
func (h *Heap) heldRefs() map[*value.Value]uint32 {
	var held map[*value.Value]uint32
	for v := h.head; v != nil; v = v.Next {
		if v.Escaped() {
			held = make(map[*value.Value]uint32)
			break
		}
	}
	if held == nil {
		return nil
	}
	seen := make(map[*value.Upvalue]bool)
	for v := h.head; v != nil; v = v.Next {
		if v.Freeing() {
			continue
		}
		v.EachHeld(seen, func(c *value.Value) {
			if c != nil && c.Escaped() && c.Owner() == value.Owner(h) {
				held[c]++
			}
		})
	}
	return held
}

// externallyHeld reports whether v escaped and has references that no
// object of h accounts for.
func (h *Heap) externallyHeld(v *value.Value, held map[*value.Value]uint32) bool {
	if !v.Escaped() || v.Freeing() {
		return false
	}
	rc := v.RefCount()
	return rc != 0 && rc > held[v]
}

func (h *Heap) mark(budget int) {
	for n := 0; n < budget; n++ {
		if len(h.gray) == 0 {
			// Roots may have gained references since the cycle began.
			h.markRoots()
			if len(h.gray) == 0 {
				h.phase = PhaseSweeping
				h.sweep = h.head
				return
			}
		}
		last := len(h.gray) - 1
		v := h.gray[last]
		h.gray[last] = nil
		h.gray = h.gray[:last]
		v.Each(h.shade)
	}
}

// WriteBarrier is called whenever child is stored into container.
func (h *Heap) WriteBarrier(container, child *value.Value) {
	if child == nil || child.Owner() != value.Owner(h) {
		return
	}
	if h.phase == PhaseMarking {
		h.shade(child)
	}
	if h.generational && container.GC.Old() && !child.GC.Old() && !container.GC.Remembered() {
		h.rememberObject(container)
	}
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

func (h *Heap) sweepSome(budget int) bool {
	for n := 0; n < budget && h.sweep != nil; n++ {
		v := h.sweep
		h.sweep = v.Next
		h.sweepOne(v)
	}
	return h.sweep == nil
}

func (h *Heap) sweepOne(v *value.Value) {
	if v.Freeing() {
		return
	}
	if h.minorCycle && v.GC.Old() {
		return
	}
	if v.GC.Marked() {
		v.GC.SetMarked(false)
		h.resize(v)
		if h.generational && !v.GC.Old() && v.GC.Survive() >= h.cfg.PromotionThreshold {
			h.promote(v)
		}
		return
	}
	if v.RefCount() == value.RefSaturated {
		return
	}
	if v.Condemn() {
		v.Finalize()
		h.freed++
		h.freedSize += uint64(v.Size)
		h.unlink(v)
	}
}

// resize re-measures a surviving object whose payload may have grown.
func (h *Heap) resize(v *value.Value) {
	size := value.SizeOf(v)
	delta := size - int(v.Size)
	if delta == 0 {
		return
	}
	v.Size = int32(size)
	h.bytes += delta
	if v.GC.Old() {
		h.old += delta
	} else {
		h.young += delta
	}
}

func (h *Heap) promote(v *value.Value) {
	v.GC.SetOld(true)
	h.young -= int(v.Size)
	h.old += int(v.Size)
	if h.hasYoungChild(v) {
		h.rememberObject(v)
	}
}

func (h *Heap) finish() {
	h.phase = PhaseIdle
	h.sweep = nil
	h.gray = h.gray[:0]

	if h.minorCycle {
		h.minor++
		kept := h.remember[:0]
		for _, r := range h.remember {
			if h.hasYoungChild(r) {
				kept = append(kept, r)
			} else {
				r.GC.SetRemembered(false)
			}
		}
		clear(h.remember[len(kept):])
		h.remember = kept
	} else {
		h.major++
		h.forceFull = false
		for _, r := range h.remember {
			r.GC.SetRemembered(false)
		}
		h.remember = h.remember[:0]
		if h.generational {
			for v := h.head; v != nil; v = v.Next {
				if v.GC.Old() && h.hasYoungChild(v) {
					h.rememberObject(v)
				}
			}
		}
	}

	next := int(float64(h.bytes) * h.cfg.GrowthFactor)
	if base := h.baseThreshold(); next < base {
		next = base
	}
	if h.cfg.MaxSize > 0 && next > h.cfg.MaxSize {
		next = h.cfg.MaxSize
	}
	h.nextGC = next
	h.requested = false

	log.Debugf("collection finished: %d objects, %d bytes live, next at %d", h.objects, h.bytes, h.nextGC)
}

// ---------------------------------------------------------------------------
// Remember set
// ---------------------------------------------------------------------------

func (h *Heap) rememberObject(v *value.Value) {
	if len(h.remember) >= h.cfg.MaxRememberSize {
		if !h.forceFull {
			log.Debugf("remember set full at %d entries, next collection is major", len(h.remember))
		}
		h.forceFull = true
		return
	}
	v.GC.SetRemembered(true)
	h.remember = append(h.remember, v)
}

func (h *Heap) forget(v *value.Value) {
	v.GC.SetRemembered(false)
	for i, r := range h.remember {
		if r == v {
			last := len(h.remember) - 1
			h.remember[i] = h.remember[last]
			h.remember[last] = nil
			h.remember = h.remember[:last]
			return
		}
	}
}

func (h *Heap) hasYoungChild(v *value.Value) bool {
	young := false
	v.Each(func(c *value.Value) {
		if !young && c != nil && c.Owner() == value.Owner(h) && !c.GC.Old() {
			young = true
		}
	})
	return young
}
