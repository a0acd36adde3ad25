package value

import "slices"

// Array transforms follow one contract: the caller passes its handle, and
// must rebind to the returned handle. When the array is uniquely held it is
// changed in place and the same handle comes back. When it is shared (or
// owned by another heap) the transform clones into the allocator, releases
// the caller's reference to the original and returns the clone.
//
// Items passed to a transform move into the array. On error the array is
// returned unchanged and the item is released.

type arrayData struct {
	items []*Value
}

const arrayMinCapacity = 8

// NewArray returns an empty Array with room for n items.
func NewArray(n int) *Value {
	v := newValue(KindArray, false)
	v.ref = &arrayData{items: make([]*Value, 0, n)}
	return v
}

// NewArrayOf returns an Array holding items. The references move into it.
func NewArrayOf(items ...*Value) *Value {
	v := newValue(KindArray, false)
	v.ref = &arrayData{items: append(make([]*Value, 0, len(items)), items...)}
	return v
}

func (v *Value) array() *arrayData {
	p, _ := v.payload().(*arrayData)
	return p
}

// ArrayLen returns the number of items in an Array.
func (v *Value) ArrayLen() (int, bool) {
	p := v.array()
	if p == nil {
		return 0, false
	}
	return len(p.items), true
}

// ArrayCap returns the capacity of an Array's backing vector.
func (v *Value) ArrayCap() (int, bool) {
	p := v.array()
	if p == nil {
		return 0, false
	}
	return cap(p.items), true
}

// ArrayAt returns item i of an Array. The reference is borrowed.
func (v *Value) ArrayAt(i int) (*Value, bool) {
	p := v.array()
	if p == nil || i < 0 || i >= len(p.items) {
		return nil, false
	}
	return p.items[i], true
}

// ArrayItems returns a borrowed view of the items of an Array.
func (v *Value) ArrayItems() ([]*Value, bool) {
	p := v.array()
	if p == nil {
		return nil, false
	}
	return p.items, true
}

func cloneArray(a Allocator, arr *Value, extra int) (*Value, error) {
	src := arr.array()
	items := make([]*Value, len(src.items), max(cap(src.items), len(src.items)+extra))
	copy(items, src.items)
	for _, item := range items {
		item.Retain()
	}
	c := newValue(KindArray, false)
	c.ref = &arrayData{items: items}
	if _, err := track(a, c); err != nil {
		for _, item := range items {
			item.Release()
		}
		return nil, err
	}
	arr.Release()
	return c, nil
}

// writableArray returns a handle that may be mutated in place, cloning if needed.
func writableArray(a Allocator, arr *Value, extra int) (*Value, error) {
	if arr.array() == nil {
		return nil, typeErrorf("expected array, got %s", arr.Kind())
	}
	if mutable(a, arr) {
		return arr, nil
	}
	return cloneArray(a, arr, extra)
}

func (p *arrayData) grow(n int) {
	if len(p.items)+n <= cap(p.items) {
		return
	}
	c := max(cap(p.items), arrayMinCapacity/2)
	for c < len(p.items)+n {
		c *= 2
	}
	items := make([]*Value, len(p.items), c)
	copy(items, p.items)
	p.items = items
}

// ArrayPush appends item.
func ArrayPush(a Allocator, arr, item *Value) (*Value, error) {
	w, err := writableArray(a, arr, 1)
	if err != nil {
		item.Release()
		return arr, err
	}
	p := w.array()
	p.grow(1)
	p.items = append(p.items, item)
	barrier(w, item)
	return w, nil
}

// ArraySet replaces item i.
func ArraySet(a Allocator, arr *Value, i int, item *Value) (*Value, error) {
	n, ok := arr.ArrayLen()
	if !ok {
		item.Release()
		return arr, typeErrorf("cannot index %s", arr.Kind())
	}
	if i < 0 || i >= n {
		item.Release()
		return arr, ErrOutOfBounds
	}
	w, err := writableArray(a, arr, 0)
	if err != nil {
		item.Release()
		return arr, err
	}
	p := w.array()
	old := p.items[i]
	p.items[i] = item
	barrier(w, item)
	old.Release()
	return w, nil
}

// ArrayInsert inserts item before index i. i may equal the length.
func ArrayInsert(a Allocator, arr *Value, i int, item *Value) (*Value, error) {
	n, ok := arr.ArrayLen()
	if !ok {
		item.Release()
		return arr, typeErrorf("cannot insert into %s", arr.Kind())
	}
	if i < 0 || i > n {
		item.Release()
		return arr, ErrOutOfBounds
	}
	w, err := writableArray(a, arr, 1)
	if err != nil {
		item.Release()
		return arr, err
	}
	p := w.array()
	p.grow(1)
	p.items = slices.Insert(p.items, i, item)
	barrier(w, item)
	return w, nil
}

// ArrayRemove removes item i and hands its reference to the caller.
func ArrayRemove(a Allocator, arr *Value, i int) (*Value, *Value, error) {
	n, ok := arr.ArrayLen()
	if !ok {
		return arr, nil, typeErrorf("cannot remove from %s", arr.Kind())
	}
	if i < 0 || i >= n {
		return arr, nil, ErrOutOfBounds
	}
	w, err := writableArray(a, arr, 0)
	if err != nil {
		return arr, nil, err
	}
	p := w.array()
	item := p.items[i]
	p.items = slices.Delete(p.items, i, i+1)
	return w, item, nil
}

// ArrayPop removes the last item and hands its reference to the caller.
func ArrayPop(a Allocator, arr *Value) (*Value, *Value, error) {
	n, ok := arr.ArrayLen()
	if !ok {
		return arr, nil, typeErrorf("cannot pop from %s", arr.Kind())
	}
	if n == 0 {
		return arr, nil, ErrOutOfBounds
	}
	return ArrayRemove(a, arr, n-1)
}

// ArrayClear drops every item.
func ArrayClear(a Allocator, arr *Value) (*Value, error) {
	if arr.array() == nil {
		return arr, typeErrorf("cannot clear %s", arr.Kind())
	}
	if !mutable(a, arr) {
		fresh, err := track(a, NewArray(0))
		if err != nil {
			return arr, err
		}
		arr.Release()
		return fresh, nil
	}
	p := arr.array()
	for _, item := range p.items {
		item.Release()
	}
	clear(p.items)
	p.items = p.items[:0]
	return arr, nil
}

// ArrayReverse reverses the items.
func ArrayReverse(a Allocator, arr *Value) (*Value, error) {
	w, err := writableArray(a, arr, 0)
	if err != nil {
		return arr, err
	}
	slices.Reverse(w.array().items)
	return w, nil
}

// ArraySort orders the items by Compare. Items that cannot be ordered
// against each other leave the array unsorted and report a TypeError.
func ArraySort(a Allocator, arr *Value) (*Value, error) {
	return ArraySortBy(a, arr, func(x, y *Value) (int, error) {
		o, err := Compare(x, y)
		if err != nil {
			return 0, err
		}
		if o == Unordered {
			return 0, typeErrorf("cannot order %s and %s", x.Kind(), y.Kind())
		}
		return int(o), nil
	})
}

// ArraySortBy orders the items with cmp, which returns a negative, zero or
// positive result. The comparator is passed explicitly so concurrent sorts
// on different blocks never share state. The sort is stable.
func ArraySortBy(a Allocator, arr *Value, cmp func(x, y *Value) (int, error)) (*Value, error) {
	if arr.array() == nil {
		return arr, typeErrorf("cannot sort %s", arr.Kind())
	}
	items := slices.Clone(arr.array().items)
	var failed error
	slices.SortStableFunc(items, func(x, y *Value) int {
		if failed != nil {
			return 0
		}
		c, err := cmp(x, y)
		if err != nil {
			failed = err
		}
		return c
	})
	if failed != nil {
		return arr, failed
	}
	w, err := writableArray(a, arr, 0)
	if err != nil {
		return arr, err
	}
	copy(w.array().items, items)
	return w, nil
}
