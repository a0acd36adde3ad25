package value

import (
	"slices"
	"sync/atomic"
)

// Map is a hash table of String keys. Buckets hold singly-linked chains of
// entries; the table doubles when the load factor passes 0.7 or when an
// insert walks a chain deeper than 16, which bounds the damage of colliding
// keys. Keys are interned.
//
// Every backing table carries a shape id. A new id is issued whenever the
// buckets are reallocated (resize or COW clone), which is what inline caches
// key on.

const (
	mapMinBuckets  = 8
	mapLoadFactor  = 0.7
	mapMaxChainLen = 16
)

var shapeSeq atomic.Uint64

type mapEntry struct {
	key  *Value
	hash uint32
	val  *Value
	next *mapEntry
}

type mapData struct {
	buckets []*mapEntry
	count   int
	shape   uint64
}

func newMapData(n int) *mapData {
	size := mapMinBuckets
	for float64(n) > float64(size)*mapLoadFactor {
		size *= 2
	}
	return &mapData{buckets: make([]*mapEntry, size), shape: shapeSeq.Add(1)}
}

// NewMap returns an empty Map sized for n entries.
func NewMap(n int) *Value {
	v := newValue(KindMap, false)
	v.ref = newMapData(n)
	return v
}

func (v *Value) hashMap() *mapData {
	p, _ := v.payload().(*mapData)
	return p
}

func (p *mapData) index(hash uint32) int {
	return int(hash & uint32(len(p.buckets)-1))
}

func (p *mapData) find(key string, hash uint32) (*mapEntry, int) {
	b := p.index(hash)
	for e := p.buckets[b]; e != nil; e = e.next {
		if e.hash == hash {
			if s, _ := e.key.AsString(); s == key {
				return e, b
			}
		}
	}
	return nil, b
}

// put inserts or replaces. It returns the displaced value, if any, and
// whether the table should grow.
func (p *mapData) put(key *Value, hash uint32, val *Value) (*Value, bool) {
	b := p.index(hash)
	depth := 0
	ks, _ := key.AsString()
	for e := p.buckets[b]; e != nil; e = e.next {
		if e.hash == hash {
			if s, _ := e.key.AsString(); s == ks {
				old := e.val
				e.val = val
				return old, false
			}
		}
		depth++
	}
	p.buckets[b] = &mapEntry{key: key, hash: hash, val: val, next: p.buckets[b]}
	p.count++
	over := float64(p.count) > float64(len(p.buckets))*mapLoadFactor
	return nil, over || depth >= mapMaxChainLen
}

func (p *mapData) resize(size int) {
	buckets := make([]*mapEntry, size)
	for _, e := range p.buckets {
		for e != nil {
			next := e.next
			b := int(e.hash & uint32(size-1))
			e.next = buckets[b]
			buckets[b] = e
			e = next
		}
	}
	p.buckets = buckets
	p.shape = shapeSeq.Add(1)
}

func (p *mapData) remove(key string, hash uint32) *mapEntry {
	b := p.index(hash)
	var prev *mapEntry
	for e := p.buckets[b]; e != nil; e = e.next {
		if e.hash == hash {
			if s, _ := e.key.AsString(); s == key {
				if prev == nil {
					p.buckets[b] = e.next
				} else {
					prev.next = e.next
				}
				p.count--
				return e
			}
		}
		prev = e
	}
	return nil
}

func (p *mapData) each(fn func(*mapEntry)) {
	for _, e := range p.buckets {
		for ; e != nil; e = e.next {
			fn(e)
		}
	}
}

// sorted returns the entries ordered by key, for deterministic rendering.
func (p *mapData) sorted() []*mapEntry {
	out := make([]*mapEntry, 0, p.count)
	p.each(func(e *mapEntry) { out = append(out, e) })
	slices.SortFunc(out, func(x, y *mapEntry) int {
		xs, _ := x.key.AsString()
		ys, _ := y.key.AsString()
		switch {
		case xs < ys:
			return -1
		case xs > ys:
			return 1
		}
		return 0
	})
	return out
}

func cloneMap(a Allocator, m *Value) (*Value, error) {
	src := m.hashMap()
	dst := &mapData{buckets: make([]*mapEntry, len(src.buckets)), count: src.count, shape: shapeSeq.Add(1)}
	for b, e := range src.buckets {
		var tail *mapEntry
		for ; e != nil; e = e.next {
			e.val.Retain()
			c := &mapEntry{key: e.key, hash: e.hash, val: e.val}
			if tail == nil {
				dst.buckets[b] = c
			} else {
				tail.next = c
			}
			tail = c
		}
	}
	c := newValue(KindMap, false)
	c.ref = dst
	if _, err := track(a, c); err != nil {
		dst.each(func(e *mapEntry) { e.val.Release() })
		return nil, err
	}
	m.Release()
	return c, nil
}

func writableMap(a Allocator, m *Value) (*Value, error) {
	if m.hashMap() == nil {
		return nil, typeErrorf("expected map, got %s", m.Kind())
	}
	if mutable(a, m) {
		return m, nil
	}
	return cloneMap(a, m)
}

func keyOf(key *Value) (string, uint32, error) {
	s, ok := key.AsString()
	if !ok {
		return "", 0, typeErrorf("map key must be a string, got %s", key.Kind())
	}
	h, _ := key.StringHash()
	return s, h, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// MapLen returns the number of entries.
func (v *Value) MapLen() (int, bool) {
	p := v.hashMap()
	if p == nil {
		return 0, false
	}
	return p.count, true
}

// MapGet returns the value stored under key. The reference is borrowed.
func (v *Value) MapGet(key *Value) (*Value, bool) {
	p := v.hashMap()
	s, h, err := keyOf(key)
	if p == nil || err != nil {
		return nil, false
	}
	e, _ := p.find(s, h)
	if e == nil {
		return nil, false
	}
	return e.val, true
}

// MapGetString is MapGet with a Go string key.
func (v *Value) MapGetString(key string) (*Value, bool) {
	p := v.hashMap()
	if p == nil {
		return nil, false
	}
	e, _ := p.find(key, HashString(key))
	if e == nil {
		return nil, false
	}
	return e.val, true
}

// MapHas reports whether key is present.
func (v *Value) MapHas(key *Value) bool {
	_, ok := v.MapGet(key)
	return ok
}

// MapShape returns the shape id of the map's current backing table.
func (v *Value) MapShape() (uint64, bool) {
	p := v.hashMap()
	if p == nil {
		return 0, false
	}
	return p.shape, true
}

// MapLookup is MapGet that also reports the bucket the key hashes to, so a
// caller can cache it against the current shape.
func (v *Value) MapLookup(key *Value) (*Value, int, bool) {
	p := v.hashMap()
	s, h, err := keyOf(key)
	if p == nil || err != nil {
		return nil, -1, false
	}
	e, b := p.find(s, h)
	if e == nil {
		return nil, b, false
	}
	return e.val, b, true
}

// MapGetAt returns the value for key by walking only the given bucket. The
// caller must have obtained bucket for the map's current shape.
func (v *Value) MapGetAt(bucket int, key *Value) (*Value, bool) {
	p := v.hashMap()
	if p == nil || bucket < 0 || bucket >= len(p.buckets) {
		return nil, false
	}
	ks, _ := key.AsString()
	for e := p.buckets[bucket]; e != nil; e = e.next {
		if e.key == key {
			return e.val, true
		}
		if s, _ := e.key.AsString(); s == ks {
			return e.val, true
		}
	}
	return nil, false
}

// MapKeys returns the keys in ascending order.
func (v *Value) MapKeys() ([]string, bool) {
	p := v.hashMap()
	if p == nil {
		return nil, false
	}
	entries := p.sorted()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i], _ = e.key.AsString()
	}
	return keys, true
}

// MapEach calls fn for every entry in ascending key order. References are
// borrowed.
func (v *Value) MapEach(fn func(key string, val *Value)) {
	p := v.hashMap()
	if p == nil {
		return
	}
	for _, e := range p.sorted() {
		k, _ := e.key.AsString()
		fn(k, e.val)
	}
}

// ---------------------------------------------------------------------------
// Transforms
// ---------------------------------------------------------------------------

// MapSet stores val under key. key is borrowed; val moves into the map.
func MapSet(a Allocator, m, key, val *Value) (*Value, error) {
	s, h, err := keyOf(key)
	if err != nil {
		val.Release()
		return m, err
	}
	w, err := writableMap(a, m)
	if err != nil {
		val.Release()
		return m, err
	}
	p := w.hashMap()
	old, grow := p.put(Intern(s), h, val)
	if grow {
		p.resize(2 * len(p.buckets))
	}
	barrier(w, val)
	old.Release()
	return w, nil
}

// MapSetString is MapSet with a Go string key.
func MapSetString(a Allocator, m *Value, key string, val *Value) (*Value, error) {
	return MapSet(a, m, Intern(key), val)
}

// MapDelete removes key. Deleting a missing key leaves the map untouched.
func MapDelete(a Allocator, m, key *Value) (*Value, error) {
	s, h, err := keyOf(key)
	if err != nil {
		return m, err
	}
	if m.hashMap() == nil {
		return m, typeErrorf("expected map, got %s", m.Kind())
	}
	if e, _ := m.hashMap().find(s, h); e == nil {
		return m, nil
	}
	w, err := writableMap(a, m)
	if err != nil {
		return m, err
	}
	if e := w.hashMap().remove(s, h); e != nil {
		e.val.Release()
	}
	return w, nil
}

// MapClear drops every entry.
func MapClear(a Allocator, m *Value) (*Value, error) {
	if m.hashMap() == nil {
		return m, typeErrorf("expected map, got %s", m.Kind())
	}
	if !mutable(a, m) {
		fresh, err := track(a, NewMap(0))
		if err != nil {
			return m, err
		}
		m.Release()
		return fresh, nil
	}
	p := m.hashMap()
	p.each(func(e *mapEntry) { e.val.Release() })
	clear(p.buckets)
	p.count = 0
	return m, nil
}
