package value

// DeepCopy returns a structurally equal value that shares no mutable state
// with v. Immutable values are retained rather than copied. The result is a
// new reference owned by the caller.
func DeepCopy(a Allocator, v *Value) (*Value, error) {
	if v == nil {
		return track(a, NewNil())
	}
	if v.IsImmutable() {
		v.Retain()
		return v, nil
	}
	switch p := v.ref.(type) {
	case *bytesData:
		return track(a, NewBytes(p.b))
	case *arrayData:
		items := make([]*Value, 0, len(p.items))
		for _, item := range p.items {
			c, err := DeepCopy(a, item)
			if err != nil {
				releaseAll(items)
				return nil, err
			}
			items = append(items, c)
		}
		return track(a, NewArrayOf(items...))
	case *mapData:
		m := NewMap(p.count)
		var failed error
		p.each(func(e *mapEntry) {
			if failed != nil {
				return
			}
			c, err := DeepCopy(a, e.val)
			if err != nil {
				failed = err
				return
			}
			m.hashMap().put(e.key, e.hash, c)
		})
		if failed != nil {
			m.Release()
			return nil, failed
		}
		if mp := m.hashMap(); float64(mp.count) > float64(len(mp.buckets))*mapLoadFactor {
			mp.resize(2 * len(mp.buckets))
		}
		return track(a, m)
	case *wrapData:
		var inner *Value
		if p.inner != nil {
			c, err := DeepCopy(a, p.inner)
			if err != nil {
				return nil, err
			}
			inner = c
		}
		return track(a, newWrap(v.kind, p.ok, inner))
	case *structData:
		fields := make([]Field, 0, len(p.fields))
		for _, f := range p.fields {
			c, err := DeepCopy(a, f.Value)
			if err != nil {
				for _, done := range fields {
					done.Value.Release()
				}
				return nil, err
			}
			fields = append(fields, Field{Name: f.Name, Value: c})
		}
		return track(a, NewStruct(p.typeName, fields))
	case *enumData:
		var payload *Value
		if p.payload != nil {
			c, err := DeepCopy(a, p.payload)
			if err != nil {
				return nil, err
			}
			payload = c
		}
		return track(a, NewEnum(p.typeName, p.variant, payload))
	}
	// Closures share their upvalues by design of the language.
	v.Retain()
	return v, nil
}

func releaseAll(vs []*Value) {
	for _, v := range vs {
		v.Release()
	}
}
