package value

import "math"

// Reference count sentinels.
const (
	// RefFreeing marks a value whose releaser has committed to destroy it.
	// Retain refuses to resurrect it.
	RefFreeing uint32 = math.MaxUint32

	// RefSaturated marks a value that lives for the whole process. Retain
	// and Release leave it untouched.
	RefSaturated uint32 = math.MaxUint32 - 1
)

// RefCount returns the current reference count, including the sentinels.
func (v *Value) RefCount() uint32 {
	if v == nil {
		return 0
	}
	return v.rc.Load()
}

// Retain adds a reference. It fails when v is being freed or already dead.
func (v *Value) Retain() bool {
	if v == nil {
		return false
	}
	for {
		c := v.rc.Load()
		switch c {
		case 0, RefFreeing:
			return false
		case RefSaturated:
			return true
		}
		n := c + 1
		if n > RefSaturated {
			n = RefSaturated
		}
		if v.rc.CompareAndSwap(c, n) {
			return true
		}
	}
}

// Release drops a reference. The release that moves the count from 1 to
// RefFreeing destroys the value: children are released and the owning heap
// is asked to reclaim it. Release reports whether v was destroyed.
func (v *Value) Release() bool {
	if v == nil {
		return false
	}
	for {
		c := v.rc.Load()
		switch c {
		case 0, RefFreeing, RefSaturated:
			return false
		case 1:
			if v.rc.CompareAndSwap(1, RefFreeing) {
				v.Finalize()
				if v.owner != nil {
					v.owner.Reclaim(v)
				}
				return true
			}
		default:
			if v.rc.CompareAndSwap(c, c-1) {
				return false
			}
		}
	}
}

// Saturate pins v for the rest of the process.
func (v *Value) Saturate() { v.rc.Store(RefSaturated) }

// Freeing reports whether v has committed to destruction.
func (v *Value) Freeing() bool { return v.RefCount() == RefFreeing }

// Condemn moves a live, non-saturated value straight to RefFreeing through
// the same CAS used by Release. The collector calls it for unreachable
// values; the caller must Finalize afterwards.
func (v *Value) Condemn() bool {
	for {
		c := v.rc.Load()
		if c == 0 || c == RefFreeing || c == RefSaturated {
			return false
		}
		if v.rc.CompareAndSwap(c, RefFreeing) {
			return true
		}
	}
}

// Finalize releases everything v references and drops its payload. It is
// called exactly once, by whoever won the transition to RefFreeing.
func (v *Value) Finalize() {
	if p, ok := v.ref.(*closureData); ok {
		p.fn.Release()
		for _, u := range p.upvalues {
			u.drop(v)
		}
	} else {
		v.Each(func(child *Value) { child.Release() })
	}
	v.ref = nil
	if h := v.handle.Swap(0); h != 0 {
		handles.free(h)
	}
}

// ---------------------------------------------------------------------------
// Copy-on-write
// ---------------------------------------------------------------------------

// IsImmutable reports whether v never changes after construction.
func (v *Value) IsImmutable() bool {
	return v == nil || v.flags.Load()&FlagImmutable != 0
}

// NeedsCOW reports whether a mutation of v must clone first.
func (v *Value) NeedsCOW() bool {
	if v.IsImmutable() {
		return false
	}
	return v.rc.Load() > 1
}

// MarkShared flags a mutable value as handed to another block. It has no
// effect on immutable values.
func (v *Value) MarkShared() {
	if v.IsImmutable() {
		return
	}
	for {
		f := v.flags.Load()
		if f&FlagCOWShared != 0 || v.flags.CompareAndSwap(f, f|FlagCOWShared) {
			return
		}
	}
}

// Shared reports whether MarkShared was called on v.
func (v *Value) Shared() bool {
	return v != nil && v.flags.Load()&FlagCOWShared != 0
}

// Escaped reports whether v was handed out of its heap by CowShare. The
// owning heap treats an escaped value as a root while its reference count
// exceeds the references the heap's own objects hold on it.
func (v *Value) Escaped() bool {
	return v != nil && v.flags.Load()&flagEscaped != 0
}

// CowShare returns a reference to v suitable for handing to another block.
// Immutable values are simply retained; mutable ones are also flagged
// COW_SHARED.
func CowShare(v *Value) *Value {
	if v == nil {
		return nil
	}
	if !v.Retain() {
		return nil
	}
	v.MarkShared()
	for {
		f := v.flags.Load()
		if f&flagEscaped != 0 || v.flags.CompareAndSwap(f, f|flagEscaped) {
			return v
		}
	}
}
